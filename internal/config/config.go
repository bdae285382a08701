package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// Config 聚合整个同步引擎的配置项。
type Config struct {
	Server    ServerConfig
	Identity  IdentityConfig
	Transport TransportConfig
	Backend   BackendConfig
	Sync      SyncConfig
	Log       LogConfig
}

// ServerConfig 描述诊断 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// IdentityConfig 描述当前登录身份，token 由外部签发。
type IdentityConfig struct {
	Token  string `env:"CHAT_TOKEN"`
	UserID string `env:"CHAT_USER_ID"`
}

// TransportConfig 描述推送通道的连接参数。
type TransportConfig struct {
	Mode             chat.TransportMode `env:"CHAT_TRANSPORT" envDefault:"auto"`
	SocketURL        string             `env:"CHAT_SOCKET_URL"`
	PollURL          string             `env:"CHAT_POLL_URL"`
	HandshakeTimeout time.Duration      `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	PingInterval     time.Duration      `env:"CHAT_PING_INTERVAL" envDefault:"25s"`
	ReadTimeout      time.Duration      `env:"CHAT_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout     time.Duration      `env:"CHAT_WRITE_TIMEOUT" envDefault:"10s"`
	PollTimeout      time.Duration      `env:"CHAT_POLL_TIMEOUT" envDefault:"30s"`
	MaxRetries       uint               `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"8"`
	RetryInitial     time.Duration      `env:"CHAT_RECONNECT_INITIAL" envDefault:"1s"`
	RetryMax         time.Duration      `env:"CHAT_RECONNECT_MAX" envDefault:"30s"`
	EmitRate         float64            `env:"CHAT_EMIT_RATE" envDefault:"20"`
	EmitBurst        int                `env:"CHAT_EMIT_BURST" envDefault:"40"`
}

// BackendConfig 描述 REST 协作方（频道列表、历史消息、附件、在线状态）。
type BackendConfig struct {
	BaseURL string        `env:"CHAT_API_URL"`
	Timeout time.Duration `env:"CHAT_API_TIMEOUT" envDefault:"15s"`
	RPS     float64       `env:"CHAT_API_RPS" envDefault:"5"`
	Burst   int           `env:"CHAT_API_BURST" envDefault:"10"`
}

// SyncConfig 描述乐观消息、输入提示和未读同步的时间参数。
type SyncConfig struct {
	ConfirmTimeout  time.Duration `env:"CHAT_CONFIRM_TIMEOUT" envDefault:"10s"`
	QueueTimeout    time.Duration `env:"CHAT_QUEUE_TIMEOUT" envDefault:"2m"`
	TypingStopDelay time.Duration `env:"CHAT_TYPING_STOP_DELAY" envDefault:"3s"`
	TypingTTL       time.Duration `env:"CHAT_TYPING_TTL" envDefault:"6s"`
	ResyncInterval  time.Duration `env:"CHAT_RESYNC_INTERVAL" envDefault:"60s"`
	PresenceResync  time.Duration `env:"CHAT_PRESENCE_RESYNC_INTERVAL" envDefault:"2m"`
	HistoryLimit    int           `env:"CHAT_HISTORY_LIMIT" envDefault:"50"`
	Surfaces        []string      `env:"CHAT_SURFACES" envDefault:"widget,sidebar,messages" envSeparator:","`
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom 使用给定的环境变量集合加载配置，便于测试。
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	lookup := os.Getenv
	if opts.Environment != nil {
		lookup = func(key string) string { return opts.Environment[key] }
	}

	server, err := loadServerConfig(lookup("PORT"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadServerConfig 解析诊断服务监听地址。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Validate 检查传输模式与所需地址是否匹配。
func (c *Config) Validate() error {
	t := c.Transport
	if !t.Mode.Valid() {
		return fmt.Errorf("invalid CHAT_TRANSPORT value: %q", t.Mode)
	}

	var errs []error
	if t.Mode != chat.TransportPolling {
		if err := checkURL("CHAT_SOCKET_URL", t.SocketURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Mode != chat.TransportSocket {
		if err := checkURL("CHAT_POLL_URL", t.PollURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Backend.BaseURL != "" {
		if err := checkURL("CHAT_API_URL", c.Backend.BaseURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if t.MaxRetries == 0 {
		errs = append(errs, errors.New("CHAT_RECONNECT_ATTEMPTS must be at least 1"))
	}
	// 没有本人 id 就无法识别自己发出的消息
	if c.Identity.Token != "" && strings.TrimSpace(c.Identity.UserID) == "" {
		errs = append(errs, errors.New("CHAT_USER_ID is required when CHAT_TOKEN is set"))
	}
	if c.Sync.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("CHAT_CONFIRM_TIMEOUT must be positive"))
	}
	if c.Sync.HistoryLimit < 1 {
		c.Sync.HistoryLimit = 1
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s scheme %q", key, u.Scheme)
}
