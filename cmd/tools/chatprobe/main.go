package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/engine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	token := flag.String("token", "", "访问令牌，默认使用 CHAT_TOKEN")
	user := flag.String("user", "", "本人用户 ID，默认使用 CHAT_USER_ID")
	mode := flag.String("transport", "", "传输方式: auto、socket 或 polling，默认使用 CHAT_TRANSPORT")
	channel := flag.String("channel", "", "要加入的频道 ID")
	message := flag.String("message", "", "加入后发送的文本消息")
	types := flag.String("types", "", "只打印这些事件，逗号分隔")
	duration := flag.Duration("duration", 30*time.Second, "观察事件的时长")
	verbose := flag.Bool("v", false, "输出引擎调试日志")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if *token != "" {
		cfg.Identity.Token = *token
	}
	if *user != "" {
		cfg.Identity.UserID = *user
	}
	if *mode != "" {
		cfg.Transport.Mode = chat.TransportMode(*mode)
	}
	if cfg.Identity.Token == "" {
		flag.Usage()
		log.Fatal("请通过 -token 或 CHAT_TOKEN 提供访问令牌")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	eng := engine.New(engine.OptionsFromConfig(cfg), logger, nil)
	defer eng.Close()

	filter := make(map[string]bool)
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	unsubscribe := eng.Subscribe("chatprobe", func(env event.Envelope) {
		if len(filter) > 0 && !filter[env.Type] {
			return
		}
		log.Printf("%-22s %s", env.Type, env.Data)
	})
	defer unsubscribe()

	session, err := eng.Start(ctx, cfg.Identity.Token)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	log.Printf("[INFO] session=%s mode=%s", session.ID, session.Mode)

	if *channel != "" {
		probe, err := eng.NewSurface("probe")
		if err != nil {
			log.Fatalf("创建界面失败: %v", err)
		}
		if err := probe.Join(ctx, *channel); err != nil {
			log.Fatalf("加入频道 %s 失败: %v", *channel, err)
		}
		log.Printf("[INFO] joined channel=%s members=%v", *channel, eng.Members(*channel))

		if *message != "" {
			msg, err := eng.Send(chatService.SendRequest{ChannelID: *channel, Body: *message})
			if err != nil {
				log.Fatalf("发送失败: %v", err)
			}
			log.Printf("[INFO] sent optimistic id=%s client=%s", msg.ID, msg.ClientMessageID)
		}
	}

	<-ctx.Done()
	status := eng.Status()
	log.Printf("[INFO] done state=%s transport=%s", status.State, status.Transport)
	if *channel != "" {
		for _, m := range eng.Messages(*channel) {
			log.Printf("  %s %-10s %s", m.Provenance, m.SenderID, m.Body())
		}
	}
}
