// Package engine wires the sync components of one authenticated session
// together and hands out per-surface views onto them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	presenceModel "github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/backend"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/membership"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/presence"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/typing"
)

const (
	subscriberID  = "engine"
	resyncTimeout = 30 * time.Second
	closeTimeout  = 5 * time.Second
)

var (
	ErrClosed          = errors.New("engine is closed")
	ErrSurfaceExists   = errors.New("surface already exists")
	ErrSurfaceNotFound = errors.New("surface not found")
	ErrSurfaceRequired = errors.New("surface id is required")
	ErrSelfRequired    = errors.New("local user id is required")
)

// Options 同步引擎参数
type Options struct {
	SelfID    string
	Transport transport.Options
	Backend   backend.Options

	ConfirmTimeout  time.Duration
	QueueTimeout    time.Duration
	TypingStopDelay time.Duration
	TypingTTL       time.Duration
	HistoryLimit    int

	// ResyncInterval is the per-surface unread resync period, PresenceResync
	// the presence snapshot period. Zero disables the schedule.
	ResyncInterval time.Duration
	PresenceResync time.Duration
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SelfID:          cfg.Identity.UserID,
		Transport:       transport.OptionsFromConfig(cfg.Transport),
		Backend:         backend.OptionsFromConfig(cfg.Backend),
		ConfirmTimeout:  cfg.Sync.ConfirmTimeout,
		QueueTimeout:    cfg.Sync.QueueTimeout,
		TypingStopDelay: cfg.Sync.TypingStopDelay,
		TypingTTL:       cfg.Sync.TypingTTL,
		HistoryLimit:    cfg.Sync.HistoryLimit,
		ResyncInterval:  cfg.Sync.ResyncInterval,
		PresenceResync:  cfg.Sync.PresenceResync,
	}
}

// Engine is the session-scoped service object. It is constructed at login
// and closed at logout; nothing in it is process-global.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	router     *router.Router
	conn       *transport.Connection
	backend    *backend.Client
	membership *membership.Membership
	chat       *chatService.Service
	presence   *presence.Aggregator
	typing     *typing.Coordinator
	scheduler  *cron.Cron

	mu         sync.Mutex
	surfaces   map[string]*Surface
	token      string
	started    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	routerDone chan struct{}
}

// New builds an engine and registers every component on its router. No
// network activity happens until Start.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Engine {
	logger = logging.OrNop(logger)

	r := router.New(logger, m)
	conn := transport.New(opts.Transport, r, logger, m)
	client := backend.New(opts.Backend, logger)

	e := &Engine{
		opts:       opts,
		logger:     logger.Named("engine"),
		metrics:    m,
		router:     r,
		conn:       conn,
		backend:    client,
		membership: membership.New(conn, logger, m),
		typing:     typing.NewCoordinator(conn, opts.SelfID, opts.TypingStopDelay, opts.TypingTTL, logger),
		surfaces:   make(map[string]*Surface),
	}

	// a nil interface keeps history and attachments explicitly unavailable
	var history chatService.Backend
	var source presence.Source
	if e.hasBackend() {
		history = client
		source = client
	}
	e.chat = chatService.NewService(conn, r, history, chatService.Options{
		SelfID:         opts.SelfID,
		ConfirmTimeout: opts.ConfirmTimeout,
		QueueTimeout:   opts.QueueTimeout,
		HistoryLimit:   opts.HistoryLimit,
	}, logger, m)
	e.presence = presence.NewAggregator(source, opts.SelfID, logger, m)

	cl := cronLogger{l: logger.Named("scheduler").Sugar()}
	e.scheduler = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	e.membership.Register(r)
	e.chat.Register()
	e.presence.Register(r)
	e.typing.Register(r)
	r.AddListener(subscriberID, event.Connect, e.handleConnect)
	r.AddListener(subscriberID, event.AuthError, e.handleAuthError)

	return e
}

func (e *Engine) hasBackend() bool {
	return e.opts.Backend.BaseURL != ""
}

// Start binds the engine to token, starts event delivery and opens the push
// connection. Transport failures are retried in the background and reported
// as events; only authentication failures are returned.
func (e *Engine) Start(ctx context.Context, token string) (*chat.Session, error) {
	if token == "" {
		return nil, transport.ErrMissingToken
	}
	// own messages and echoes are recognised by sender id
	if e.opts.SelfID == "" {
		return nil, ErrSelfRequired
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if !e.started {
		e.started = true
		e.ctx, e.cancel = context.WithCancel(context.Background())
		e.routerDone = make(chan struct{})
		go func(ctx context.Context, done chan struct{}) {
			defer close(done)
			if err := e.router.Run(ctx); err != nil {
				e.logger.Error("router stopped", zap.Error(err))
			}
		}(e.ctx, e.routerDone)

		if e.hasBackend() && e.opts.PresenceResync > 0 {
			e.scheduler.Schedule(cron.Every(e.opts.PresenceResync), cron.FuncJob(e.resyncPresence))
		}
		e.scheduler.Start()
	}
	// a re-authenticated session replaces the rejected token for REST calls too
	prev := e.token
	e.token = token
	e.backend.SetToken(token)
	e.mu.Unlock()

	session, err := e.conn.Connect(ctx, token)
	if err != nil {
		if errors.Is(err, transport.ErrIdentityMismatch) {
			e.mu.Lock()
			if e.token == token {
				e.token = prev
				e.backend.SetToken(prev)
			}
			e.mu.Unlock()
		}
		return nil, fmt.Errorf("start session: %w", err)
	}
	e.logger.Info("session started",
		zap.String("session", session.ID),
		zap.String("state", string(session.State)),
	)
	return session, nil
}

// Close tears down every surface, stops schedules and the connection, and
// drops all local state. The engine cannot be restarted.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	surfaces := make([]*Surface, 0, len(e.surfaces))
	for _, s := range e.surfaces {
		surfaces = append(surfaces, s)
	}
	e.surfaces = make(map[string]*Surface)
	cancel, done := e.cancel, e.routerDone
	e.mu.Unlock()

	for _, s := range surfaces {
		s.teardown()
	}

	stopped := e.scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(closeTimeout):
		e.logger.Warn("scheduled jobs still running at close")
	}

	e.typing.Close()
	e.conn.Disconnect()
	e.backend.SetToken("")

	if cancel != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = e.router.Flush(flushCtx)
		flushCancel()
		cancel()
		<-done
	}
	e.chat.Reset()
	e.logger.Info("engine closed")
}

// Status reports the connection state for diagnostics.
func (e *Engine) Status() transport.Status {
	return e.conn.Status()
}

// Send stops the local typing burst and sends optimistically.
func (e *Engine) Send(req chatService.SendRequest) (chat.Message, error) {
	e.typing.StopTyping(req.ChannelID)
	return e.chat.Send(req)
}

// SendAttachment uploads r and sends the resulting attachment message.
func (e *Engine) SendAttachment(ctx context.Context, channelID, filename string, r io.Reader) (chat.Message, error) {
	e.typing.StopTyping(channelID)
	return e.chat.SendAttachment(ctx, channelID, filename, r)
}

// NotifyTyping forwards local keystrokes to the typing coordinator.
func (e *Engine) NotifyTyping(channelID string) {
	e.typing.NotifyTyping(channelID)
}

// Messages returns the local message list of channelID.
func (e *Engine) Messages(channelID string) []chat.Message {
	return e.chat.Messages(channelID)
}

// LoadHistory merges the latest server history into channelID.
func (e *Engine) LoadHistory(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	return e.chat.LoadHistory(ctx, channelID, limit)
}

// LoadOlder pages further back from the oldest confirmed message.
func (e *Engine) LoadOlder(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	return e.chat.LoadOlder(ctx, channelID, limit)
}

// Typists returns the remote users typing in channelID.
func (e *Engine) Typists(channelID string) []typing.Typist {
	return e.typing.Typists(channelID)
}

// Presence returns the effective presence record of userID.
func (e *Engine) Presence(userID string) presenceModel.Record {
	return e.presence.Status(userID)
}

// SetPresence publishes the local user's status.
func (e *Engine) SetPresence(ctx context.Context, status presenceModel.Status) error {
	return e.presence.SetOwnStatus(ctx, status)
}

// Members returns the known room members of channelID.
func (e *Engine) Members(channelID string) []string {
	return e.membership.Members(channelID)
}

// Channels lists the channels this session holds references on.
func (e *Engine) Channels() []chat.Channel {
	return e.membership.Channels()
}

// Subscribe attaches h to every routed event under subscriberID. The
// returned func removes it again.
func (e *Engine) Subscribe(subscriberID string, h router.Handler) func() {
	e.router.AddListener(subscriberID, event.Any, h)
	return func() { e.router.RemoveAllListeners(subscriberID) }
}

// JoinChannel joins channelID on behalf of surfaceID.
func (e *Engine) JoinChannel(ctx context.Context, surfaceID, channelID string) error {
	s, ok := e.Surface(surfaceID)
	if !ok {
		return ErrSurfaceNotFound
	}
	return s.Join(ctx, channelID)
}

// LeaveChannel releases surfaceID's reference on channelID.
func (e *Engine) LeaveChannel(surfaceID, channelID string) error {
	s, ok := e.Surface(surfaceID)
	if !ok {
		return ErrSurfaceNotFound
	}
	s.Leave(channelID)
	return nil
}

// Unread returns surfaceID's unread counters.
func (e *Engine) Unread(surfaceID string) (map[string]int, error) {
	s, ok := e.Surface(surfaceID)
	if !ok {
		return nil, ErrSurfaceNotFound
	}
	return s.Unread().Counts(), nil
}

// ResyncUnread resyncs surfaceID's counters, one channel or all of them.
func (e *Engine) ResyncUnread(ctx context.Context, surfaceID, channelID string) error {
	s, ok := e.Surface(surfaceID)
	if !ok {
		return ErrSurfaceNotFound
	}
	return s.Resync(ctx, channelID)
}

// MarkRead clears surfaceID's counter for channelID.
func (e *Engine) MarkRead(surfaceID, channelID string) error {
	s, ok := e.Surface(surfaceID)
	if !ok {
		return ErrSurfaceNotFound
	}
	s.MarkRead(channelID)
	return nil
}

// Surface looks a registered surface up.
func (e *Engine) Surface(id string) (*Surface, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.surfaces[id]
	return s, ok
}

// Surfaces returns the registered surface ids in order.
func (e *Engine) Surfaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.surfaces))
	for id := range e.surfaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) removeSurface(s *Surface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.surfaces[s.id] == s {
		delete(e.surfaces, s.id)
	}
}

// handleConnect refreshes authoritative state after every (re)connect since
// events may have been missed while offline.
func (e *Engine) handleConnect(event.Envelope) {
	if !e.hasBackend() {
		return
	}
	go e.resyncPresence()

	e.mu.Lock()
	surfaces := make([]*Surface, 0, len(e.surfaces))
	for _, s := range e.surfaces {
		surfaces = append(surfaces, s)
	}
	e.mu.Unlock()
	for _, s := range surfaces {
		go s.resync()
	}
}

func (e *Engine) handleAuthError(env event.Envelope) {
	var p event.ConnectionPayload
	_ = env.Decode(&p)
	e.logger.Warn("session rejected, re-authentication required", zap.String("error", p.Error))
}

func (e *Engine) resyncPresence() {
	ctx, cancel := context.WithTimeout(e.baseContext(), resyncTimeout)
	defer cancel()
	_ = e.presence.Resync(ctx)
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// cronLogger adapts zap to the scheduler's logger interface.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
