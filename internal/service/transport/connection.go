// Package transport owns the single push connection of a session. It picks
// between the WebSocket transport and HTTP long-polling, keeps the link
// alive, reconnects with bounded backoff and reports every lifecycle change
// as an event instead of returning it.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

var allStates = []string{
	string(chat.StateDisconnected),
	string(chat.StateConnecting),
	string(chat.StateConnected),
	string(chat.StateReconnecting),
}

// Dispatcher receives inbound and lifecycle events. router.Router satisfies it.
type Dispatcher interface {
	Dispatch(env event.Envelope)
}

// dialer opens one link of a given transport kind.
type dialer interface {
	Mode() chat.TransportMode
	Dial(ctx context.Context, token string) (link, error)
}

// link is an established transport. Read blocks until at least one event
// arrives or the link fails; Close unblocks a pending Read.
type link interface {
	Read(ctx context.Context) ([]event.Envelope, error)
	Write(ctx context.Context, env event.Envelope) error
	Close() error
}

// Options 连接参数
type Options struct {
	Mode             chat.TransportMode
	SocketURL        string
	PollURL          string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PollTimeout      time.Duration
	MaxRetries       uint
	RetryInitial     time.Duration
	RetryMax         time.Duration
	EmitRate         float64
	EmitBurst        int
	HTTPClient       *http.Client
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{
		Mode:             cfg.Mode,
		SocketURL:        cfg.SocketURL,
		PollURL:          cfg.PollURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PollTimeout:      cfg.PollTimeout,
		MaxRetries:       cfg.MaxRetries,
		RetryInitial:     cfg.RetryInitial,
		RetryMax:         cfg.RetryMax,
		EmitRate:         cfg.EmitRate,
		EmitBurst:        cfg.EmitBurst,
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	SessionID string               `json:"sessionId,omitempty"`
	State     chat.ConnectionState `json:"state"`
	Mode      chat.TransportMode   `json:"mode"`
	Transport chat.TransportMode   `json:"transport,omitempty"`
	Connected bool                 `json:"connected"`
}

// run holds everything that lives exactly as long as one session.
type run struct {
	session *chat.Session
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Connection is the process-wide push transport.
type Connection struct {
	opts       Options
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter

	socket  dialer
	polling dialer

	mu       sync.Mutex
	run      *run
	link     link
	fellBack bool
}

// New creates a disconnected Connection.
func New(opts Options, dispatcher Dispatcher, logger *zap.Logger, m *metrics.Metrics) *Connection {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return newConnection(opts, dispatcher, logger, m,
		&socketDialer{url: opts.SocketURL, opts: opts},
		&pollingDialer{base: opts.PollURL, client: client, opts: opts},
	)
}

func newConnection(opts Options, dispatcher Dispatcher, logger *zap.Logger, m *metrics.Metrics, socket, polling dialer) *Connection {
	if opts.Mode == "" {
		opts.Mode = chat.TransportAuto
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}

	limit := rate.Inf
	if opts.EmitRate > 0 {
		limit = rate.Limit(opts.EmitRate)
	}
	burst := opts.EmitBurst
	if burst <= 0 {
		burst = 1
	}

	m.SetState(string(chat.StateDisconnected), allStates...)

	return &Connection{
		opts:       opts,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger).Named("transport"),
		metrics:    m,
		limiter:    rate.NewLimiter(limit, burst),
		socket:     socket,
		polling:    polling,
	}
}

// Connect establishes the session for token. The first dial happens before
// Connect returns; if it fails with a transport error the session is
// returned in the reconnecting state and retried in the background.
func (c *Connection) Connect(ctx context.Context, token string) (*chat.Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	c.mu.Lock()
	if r := c.run; r != nil {
		defer c.mu.Unlock()
		if r.session.Token != token {
			return nil, ErrIdentityMismatch
		}
		s := *r.session
		return &s, nil
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &run{
		session: &chat.Session{
			ID:        uuid.NewString(),
			Token:     token,
			Mode:      c.opts.Mode,
			CreatedAt: time.Now().UTC(),
		},
		ctx:    rctx,
		cancel: cancel,
	}
	c.run = r
	c.setStateLocked(r, chat.StateConnecting)
	c.mu.Unlock()

	c.logger.Info("connecting", zap.String("session", r.session.ID), zap.String("mode", string(c.opts.Mode)))

	l, mode, err := c.dial(ctx, token)
	switch {
	case err == nil:
		c.attach(r, l, mode)
	case errors.Is(err, ErrUnauthorized):
		c.endSession(r, event.AuthError, err)
		return nil, err
	case ctx.Err() != nil:
		c.endSession(r, event.Disconnect, ctx.Err())
		return nil, ctx.Err()
	default:
		c.logger.Warn("initial dial failed", zap.Error(err))
		c.publish(event.ConnectError, event.ConnectionPayload{Error: err.Error()})
		c.scheduleReconnect(r)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := *r.session
	return &s, nil
}

// Emit writes one outbound event. It returns false when the event was not
// handed to a live transport; callers must not assume delivery either way.
func (c *Connection) Emit(name string, payload any) bool {
	c.mu.Lock()
	l := c.link
	r := c.run
	connected := r != nil && r.session.State == chat.StateConnected
	c.mu.Unlock()

	if !connected || l == nil {
		c.metrics.Emit(name, "dropped")
		return false
	}
	if !c.limiter.Allow() {
		c.metrics.Emit(name, "limited")
		c.logger.Warn("emit rate limited", zap.String("event", name))
		return false
	}

	env, err := event.New(name, payload)
	if err != nil {
		c.metrics.Emit(name, "error")
		c.logger.Error("emit marshal failed", zap.String("event", name), zap.Error(err))
		return false
	}

	ctx := r.ctx
	if c.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.WriteTimeout)
		defer cancel()
	}
	if err := l.Write(ctx, env); err != nil {
		c.metrics.Emit(name, "error")
		c.logger.Warn("emit failed", zap.String("event", name), zap.Error(err))
		c.handleDrop(r, l, err)
		return false
	}

	c.metrics.Emit(name, "sent")
	return true
}

// Disconnect tears the session down. Pending reconnects are abandoned.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return
	}
	l := c.link
	c.link = nil
	c.run = nil
	c.fellBack = false
	r.session.State = chat.StateDisconnected
	c.metrics.SetState(string(chat.StateDisconnected), allStates...)
	c.mu.Unlock()

	r.cancel()
	if l != nil {
		_ = l.Close()
	}
	r.wg.Wait()

	c.logger.Info("disconnected", zap.String("session", r.session.ID))
	c.publish(event.Disconnect, event.ConnectionPayload{Final: true})
}

// IsConnected reports whether a live link exists.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.link != nil && c.run.session.State == chat.StateConnected
}

// Status returns the current connection view.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil {
		return Status{State: chat.StateDisconnected, Mode: c.opts.Mode}
	}
	s := c.run.session
	return Status{
		SessionID: s.ID,
		State:     s.State,
		Mode:      s.Mode,
		Transport: s.Transport,
		Connected: s.State == chat.StateConnected && c.link != nil,
	}
}

// dial opens a link according to the configured mode. In auto mode a failed
// socket handshake switches the session to polling for good.
func (c *Connection) dial(ctx context.Context, token string) (link, chat.TransportMode, error) {
	switch c.opts.Mode {
	case chat.TransportSocket:
		l, err := c.socket.Dial(ctx, token)
		return l, chat.TransportSocket, err
	case chat.TransportPolling:
		l, err := c.polling.Dial(ctx, token)
		return l, chat.TransportPolling, err
	}

	c.mu.Lock()
	fellBack := c.fellBack
	c.mu.Unlock()

	if !fellBack {
		hctx := ctx
		cancel := func() {}
		if c.opts.HandshakeTimeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		}
		l, err := c.socket.Dial(hctx, token)
		cancel()
		if err == nil {
			return l, chat.TransportSocket, nil
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, chat.TransportSocket, err
		}

		c.logger.Warn("socket transport unavailable, falling back to polling", zap.Error(err))
		c.metrics.Fallback()
		c.mu.Lock()
		c.fellBack = true
		c.mu.Unlock()
	}

	l, err := c.polling.Dial(ctx, token)
	return l, chat.TransportPolling, err
}

func (c *Connection) attach(r *run, l link, mode chat.TransportMode) {
	c.mu.Lock()
	if c.run != r || r.ctx.Err() != nil {
		c.mu.Unlock()
		_ = l.Close()
		return
	}
	c.link = l
	r.session.Transport = mode
	c.setStateLocked(r, chat.StateConnected)
	r.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("session", r.session.ID), zap.String("transport", string(mode)))
	c.publish(event.Connect, event.ConnectionPayload{Transport: mode})

	go c.readLoop(r, l)
}

func (c *Connection) readLoop(r *run, l link) {
	defer r.wg.Done()

	for {
		envs, err := l.Read(r.ctx)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				c.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			c.handleDrop(r, l, err)
			return
		}
		for _, env := range envs {
			if c.dispatcher != nil {
				c.dispatcher.Dispatch(env)
			}
		}
	}
}

// handleDrop reacts to a failed link. Stale links are ignored.
func (c *Connection) handleDrop(r *run, l link, cause error) {
	c.mu.Lock()
	if c.run != r || c.link != l || r.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.setStateLocked(r, chat.StateReconnecting)
	c.mu.Unlock()

	_ = l.Close()

	if errors.Is(cause, ErrUnauthorized) {
		c.endSession(r, event.AuthError, cause)
		return
	}

	c.logger.Warn("connection dropped", zap.String("session", r.session.ID), zap.Error(cause))
	c.publish(event.Disconnect, event.ConnectionPayload{Error: cause.Error()})
	c.scheduleReconnect(r)
}

func (c *Connection) scheduleReconnect(r *run) {
	c.mu.Lock()
	if c.run != r || r.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(r, chat.StateReconnecting)
	r.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop(r)
}

type dialResult struct {
	link link
	mode chat.TransportMode
}

func (c *Connection) reconnectLoop(r *run) {
	defer r.wg.Done()

	b := backoff.NewExponentialBackOff()
	if c.opts.RetryInitial > 0 {
		b.InitialInterval = c.opts.RetryInitial
	}
	if c.opts.RetryMax > 0 {
		b.MaxInterval = c.opts.RetryMax
	}

	attempt := 0
	res, err := backoff.Retry(r.ctx, func() (dialResult, error) {
		attempt++
		c.metrics.ReconnectAttempt()
		c.publish(event.Reconnecting, event.ConnectionPayload{Attempt: attempt})

		l, mode, err := c.dial(r.ctx, r.session.Token)
		if err != nil {
			if !IsRetryableError(err) {
				return dialResult{}, backoff.Permanent(err)
			}
			c.publish(event.ConnectError, event.ConnectionPayload{Attempt: attempt, Error: err.Error()})
			return dialResult{}, err
		}
		return dialResult{link: l, mode: mode}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.MaxRetries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("in", next), zap.Error(err))
		}),
	)

	switch {
	case err == nil:
		c.attach(r, res.link, res.mode)
	case r.ctx.Err() != nil:
		// Disconnect 已经清理
	case errors.Is(err, ErrUnauthorized):
		c.endSession(r, event.AuthError, err)
	default:
		c.logger.Error("reconnect budget exhausted", zap.Int("attempts", attempt), zap.Error(err))
		c.endSession(r, event.Disconnect, err)
	}
}

// endSession terminates r without a caller-initiated Disconnect.
func (c *Connection) endSession(r *run, name string, cause error) {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}
	l := c.link
	c.link = nil
	c.run = nil
	c.fellBack = false
	c.setStateLocked(r, chat.StateDisconnected)
	c.mu.Unlock()

	r.cancel()
	if l != nil {
		_ = l.Close()
	}

	payload := event.ConnectionPayload{Final: true}
	if cause != nil {
		payload.Error = cause.Error()
	}
	c.publish(name, payload)
}

func (c *Connection) setStateLocked(r *run, state chat.ConnectionState) {
	r.session.State = state
	c.metrics.SetState(string(state), allStates...)
}

func (c *Connection) publish(name string, payload event.ConnectionPayload) {
	if c.dispatcher == nil {
		return
	}
	env, err := event.New(name, payload)
	if err != nil {
		c.logger.Error("lifecycle marshal failed", zap.String("event", name), zap.Error(err))
		return
	}
	c.dispatcher.Dispatch(env)
}
