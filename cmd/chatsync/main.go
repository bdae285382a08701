package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Debug("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	m := metrics.New()
	eng := engine.New(engine.OptionsFromConfig(cfg), logger, m)
	defer eng.Close()

	for _, id := range cfg.Sync.Surfaces {
		if _, err := eng.NewSurface(id); err != nil {
			logger.Warn("skip surface", zap.String("surface", id), zap.Error(err))
		}
	}
	if cfg.Backend.BaseURL == "" {
		logger.Info("CHAT_API_URL 未配置，跳过历史消息与未读同步")
	}

	if cfg.Identity.Token == "" {
		logger.Warn("CHAT_TOKEN 未配置，引擎保持断开状态")
	} else if _, err := eng.Start(ctx, cfg.Identity.Token); err != nil {
		logger.Fatal("failed to start sync engine", zap.Error(err))
	}

	router := handler.NewRouter(eng, m, logger, handler.Options{CORSOrigins: cfg.Server.CORSOrigins})
	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("chatsync diagnostics listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
