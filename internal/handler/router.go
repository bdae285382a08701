package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/session"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	middlewarePkg "github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
)

// Engine is everything the diagnostic API needs from the sync engine.
type Engine interface {
	chat.Engine
	session.Engine
	stream.Subscriber
}

// Options tunes the HTTP surface.
type Options struct {
	CORSOrigins []string
}

// NewRouter wires HTTP routes to the sync engine.
func NewRouter(eng Engine, m *metrics.Metrics, logger *zap.Logger, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.CORSOrigins))

	chatHandler := chat.New(eng, logger)
	sessionHandler := session.New(eng, session.DefaultJoinTimeout)
	streamHandler := stream.New(eng, stream.DefaultHeartbeat, logger)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}
