// Package typing coordinates outbound typing notifications and tracks who
// else is typing per channel.
package typing

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
)

const (
	subscriberID = "typing"

	// DefaultStopDelay is the inactivity window after which typing_stop is sent.
	DefaultStopDelay = 3 * time.Second
	// DefaultTTL bounds how long a remote typist is shown without a refresh.
	DefaultTTL = 6 * time.Second
)

// Emitter sends outbound events.
type Emitter interface {
	Emit(name string, payload any) bool
}

// Bus delivers inbound events.
type Bus interface {
	AddListener(subscriberID, eventName string, handler router.Handler) *router.Subscription
}

// Typist is a remote user currently typing in a channel.
type Typist struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"userDisplayName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type burst struct {
	timer *time.Timer
}

type remote struct {
	typist Typist
	timer  *time.Timer
}

// Coordinator owns both directions of typing state.
type Coordinator struct {
	emitter   Emitter
	selfID    string
	stopDelay time.Duration
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	outgoing map[string]*burst
	typists  map[string]map[string]*remote
	sealed   bool
}

// NewCoordinator creates a coordinator. Zero durations use the defaults.
func NewCoordinator(emitter Emitter, selfID string, stopDelay, ttl time.Duration, logger *zap.Logger) *Coordinator {
	if stopDelay <= 0 {
		stopDelay = DefaultStopDelay
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		emitter:   emitter,
		selfID:    selfID,
		stopDelay: stopDelay,
		ttl:       ttl,
		logger:    logging.OrNop(logger).Named("typing"),
		now:       time.Now,
		outgoing:  make(map[string]*burst),
		typists:   make(map[string]map[string]*remote),
	}
}

// Register subscribes to user_typing and connection drops.
func (c *Coordinator) Register(bus Bus) {
	bus.AddListener(subscriberID, event.UserTyping, c.handleUserTyping)
	bus.AddListener(subscriberID, event.Disconnect, c.handleDisconnect)
}

// NotifyTyping records local keystroke activity. The first call of a burst
// emits typing_start; every call pushes the automatic typing_stop back.
func (c *Coordinator) NotifyTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	if b, ok := c.outgoing[channelID]; ok {
		if b.timer.Stop() {
			b.timer.Reset(c.stopDelay)
			c.mu.Unlock()
			return
		}
		// stop callback already fired and is waiting on the lock; the burst
		// continues under a fresh timer so that callback becomes a no-op
		c.outgoing[channelID] = c.newBurstLocked(channelID)
		c.mu.Unlock()
		return
	}
	c.outgoing[channelID] = c.newBurstLocked(channelID)
	c.mu.Unlock()

	c.emitter.Emit(event.TypingStart, event.ChannelPayload{ChannelID: channelID})
}

func (c *Coordinator) newBurstLocked(channelID string) *burst {
	b := &burst{}
	b.timer = time.AfterFunc(c.stopDelay, func() { c.expireBurst(channelID, b) })
	return b
}

func (c *Coordinator) expireBurst(channelID string, b *burst) {
	c.mu.Lock()
	if c.outgoing[channelID] != b {
		c.mu.Unlock()
		return
	}
	delete(c.outgoing, channelID)
	c.mu.Unlock()

	c.emitter.Emit(event.TypingStop, event.ChannelPayload{ChannelID: channelID})
}

// StopTyping ends the current burst immediately, typically on send.
func (c *Coordinator) StopTyping(channelID string) {
	c.mu.Lock()
	b, ok := c.outgoing[channelID]
	if !ok {
		c.mu.Unlock()
		return
	}
	b.timer.Stop()
	delete(c.outgoing, channelID)
	c.mu.Unlock()

	c.emitter.Emit(event.TypingStop, event.ChannelPayload{ChannelID: channelID})
}

// IsTyping reports whether a local burst is active for channelID.
func (c *Coordinator) IsTyping(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outgoing[channelID]
	return ok
}

// Typists returns the remote users typing in channelID, expired entries
// excluded, ordered by user id.
func (c *Coordinator) Typists(channelID string) []Typist {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	users := c.typists[channelID]
	out := make([]Typist, 0, len(users))
	for id, r := range users {
		if !r.typist.ExpiresAt.After(now) {
			r.timer.Stop()
			delete(users, id)
			continue
		}
		out = append(out, r.typist)
	}
	if len(users) == 0 {
		delete(c.typists, channelID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c *Coordinator) handleUserTyping(env event.Envelope) {
	var p event.TypingPayload
	if err := env.Decode(&p); err != nil || p.UserID == "" || p.ChannelID == "" {
		c.logger.Debug("ignoring user_typing", zap.Error(err))
		return
	}
	if p.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}

	users := c.typists[p.ChannelID]
	if cur, ok := users[p.UserID]; ok {
		cur.timer.Stop()
		delete(users, p.UserID)
	}
	if !p.IsTyping {
		if len(users) == 0 {
			delete(c.typists, p.ChannelID)
		}
		return
	}

	if users == nil {
		users = make(map[string]*remote)
		c.typists[p.ChannelID] = users
	}
	r := &remote{typist: Typist{
		UserID:      p.UserID,
		DisplayName: p.UserDisplayName,
		ExpiresAt:   c.now().Add(c.ttl),
	}}
	channelID, userID := p.ChannelID, p.UserID
	r.timer = time.AfterFunc(c.ttl, func() { c.expireRemote(channelID, userID, r) })
	users[p.UserID] = r
}

// expireRemote drops a typist whose stop notification never arrived.
func (c *Coordinator) expireRemote(channelID, userID string, r *remote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typists[channelID]
	if users[userID] != r {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(c.typists, channelID)
	}
}

// handleDisconnect forgets local bursts; the server lost them with the link.
func (c *Coordinator) handleDisconnect(event.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.outgoing {
		b.timer.Stop()
		delete(c.outgoing, id)
	}
}

// Close stops every timer. The coordinator ignores further activity.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	for id, b := range c.outgoing {
		b.timer.Stop()
		delete(c.outgoing, id)
	}
	for ch, users := range c.typists {
		for _, r := range users {
			r.timer.Stop()
		}
		delete(c.typists, ch)
	}
}
