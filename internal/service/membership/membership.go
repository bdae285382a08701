// Package membership reference-counts channel subscriptions so that several
// surfaces can share one server-side join.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
)

const subscriberID = "membership"

var (
	ErrChannelRequired = errors.New("channel id is required")
	ErrJoinFailed      = errors.New("join channel failed")
	ErrDisconnected    = errors.New("session ended before join completed")
)

// Emitter sends outbound events. transport.Connection satisfies it.
type Emitter interface {
	Emit(name string, payload any) bool
}

// Bus is where inbound events are received from.
type Bus interface {
	AddListener(subscriberID, eventName string, handler router.Handler) *router.Subscription
}

type entry struct {
	state   chat.MembershipState
	refs    int
	members map[string]struct{}
	waiters []chan error
}

// Membership tracks join state and room members per channel.
type Membership struct {
	emitter Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*entry
}

// New creates an empty Membership.
func New(emitter Emitter, logger *zap.Logger, m *metrics.Metrics) *Membership {
	return &Membership{
		emitter:  emitter,
		logger:   logging.OrNop(logger).Named("membership"),
		metrics:  m,
		channels: make(map[string]*entry),
	}
}

// Register subscribes to the inbound events membership depends on.
func (m *Membership) Register(bus Bus) {
	bus.AddListener(subscriberID, event.ChannelJoined, m.handleChannelJoined)
	bus.AddListener(subscriberID, event.JoinChannelError, m.handleJoinError)
	bus.AddListener(subscriberID, event.UserJoined, m.handleUserJoined)
	bus.AddListener(subscriberID, event.UserLeft, m.handleUserLeft)
	bus.AddListener(subscriberID, event.Connect, m.handleConnect)
	bus.AddListener(subscriberID, event.Disconnect, m.handleDisconnect)
}

// Join takes a reference on channelID. Only the first reference emits
// join_channel; later callers wait for the same confirmation or return at
// once when the channel is already joined.
func (m *Membership) Join(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrChannelRequired
	}

	m.mu.Lock()
	e := m.entryLocked(channelID)
	e.refs++
	if e.state == chat.MembershipJoined {
		m.mu.Unlock()
		return nil
	}
	wait := make(chan error, 1)
	e.waiters = append(e.waiters, wait)
	emit := e.state == chat.MembershipNotJoined
	if emit {
		e.state = chat.MembershipJoining
	}
	m.mu.Unlock()

	if emit && !m.emitter.Emit(event.JoinChannel, event.ChannelPayload{ChannelID: channelID}) {
		m.logger.Debug("join queued until connect", zap.String("channel", channelID))
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		m.dropWaiter(channelID, wait)
		return ctx.Err()
	}
}

// Leave releases one reference. leave_channel is emitted when the last
// reference goes away.
func (m *Membership) Leave(channelID string) {
	m.mu.Lock()
	e, ok := m.channels[channelID]
	if !ok || e.refs == 0 {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.channels, channelID)
	m.mu.Unlock()

	m.emitter.Emit(event.LeaveChannel, event.ChannelPayload{ChannelID: channelID})
}

// State returns the local membership state of channelID.
func (m *Membership) State(channelID string) chat.MembershipState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.channels[channelID]; ok {
		return e.state
	}
	return chat.MembershipNotJoined
}

// Refs returns the number of outstanding references on channelID.
func (m *Membership) Refs(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.channels[channelID]; ok {
		return e.refs
	}
	return 0
}

// Members returns the known room members of channelID, sorted.
func (m *Membership) Members(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	return sortedKeys(e.members)
}

// Channels returns a snapshot of every tracked channel.
func (m *Membership) Channels() []chat.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]chat.Channel, 0, len(m.channels))
	for id, e := range m.channels {
		out = append(out, chat.Channel{
			ID:         id,
			Membership: e.state,
			Members:    sortedKeys(e.members),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) entryLocked(channelID string) *entry {
	e, ok := m.channels[channelID]
	if !ok {
		e = &entry{state: chat.MembershipNotJoined, members: make(map[string]struct{})}
		m.channels[channelID] = e
	}
	return e
}

func (m *Membership) dropWaiter(channelID string, wait chan error) {
	m.mu.Lock()
	if e, ok := m.channels[channelID]; ok {
		for i, w := range e.waiters {
			if w == wait {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	m.Leave(channelID)
}

func (m *Membership) handleChannelJoined(env event.Envelope) {
	var p event.ChannelJoinedPayload
	if err := env.Decode(&p); err != nil || p.ChannelID == "" {
		m.logger.Warn("ignoring channel_joined", zap.Error(err))
		return
	}

	m.mu.Lock()
	e := m.entryLocked(p.ChannelID)
	e.state = chat.MembershipJoined
	if p.RoomMembers != nil {
		e.members = make(map[string]struct{}, len(p.RoomMembers))
		for _, u := range p.RoomMembers {
			e.members[u] = struct{}{}
		}
	}
	waiters := e.waiters
	e.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	m.logger.Debug("channel joined", zap.String("channel", p.ChannelID), zap.Int("members", len(p.RoomMembers)))
}

// handleJoinError fails the named channel, or every pending join when the
// server omits the channel id.
func (m *Membership) handleJoinError(env event.Envelope) {
	var p event.JoinErrorPayload
	if err := env.Decode(&p); err != nil {
		m.logger.Warn("ignoring join_channel_error", zap.Error(err))
		return
	}

	failure := fmt.Errorf("%w: %s", ErrJoinFailed, p.Message)

	m.mu.Lock()
	var failed []*entry
	var ids []string
	for id, e := range m.channels {
		if p.ChannelID != "" && id != p.ChannelID {
			continue
		}
		if e.state != chat.MembershipJoining {
			continue
		}
		failed = append(failed, e)
		ids = append(ids, id)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	for _, e := range failed {
		m.metrics.JoinFailed()
		for _, w := range e.waiters {
			w <- failure
		}
	}
	if len(ids) > 0 {
		m.logger.Warn("join rejected", zap.Strings("channels", ids), zap.String("reason", p.Message))
	}
}

func (m *Membership) handleUserJoined(env event.Envelope) {
	m.updateMember(env, true)
}

func (m *Membership) handleUserLeft(env event.Envelope) {
	m.updateMember(env, false)
}

func (m *Membership) updateMember(env event.Envelope, joined bool) {
	var p event.MemberPayload
	if err := env.Decode(&p); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[p.ChannelID]
	if !ok {
		return
	}
	if joined {
		e.members[p.UserID] = struct{}{}
	} else {
		delete(e.members, p.UserID)
	}
}

// handleConnect re-joins every referenced channel; server subscriptions do not
// survive a new connection.
func (m *Membership) handleConnect(event.Envelope) {
	m.mu.Lock()
	var ids []string
	for id, e := range m.channels {
		if e.refs == 0 {
			delete(m.channels, id)
			continue
		}
		e.state = chat.MembershipJoining
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		m.emitter.Emit(event.JoinChannel, event.ChannelPayload{ChannelID: id})
	}
	if len(ids) > 0 {
		m.logger.Info("rejoining channels", zap.Int("count", len(ids)))
	}
}

func (m *Membership) handleDisconnect(env event.Envelope) {
	var p event.ConnectionPayload
	_ = env.Decode(&p)

	m.mu.Lock()
	var waiters []chan error
	for id, e := range m.channels {
		if e.state == chat.MembershipJoined {
			e.state = chat.MembershipJoining
		}
		if !p.Final {
			continue
		}
		// each waiter holds a reference its caller will never release
		waiters = append(waiters, e.waiters...)
		e.refs -= len(e.waiters)
		e.waiters = nil
		if e.refs <= 0 {
			delete(m.channels, id)
		}
	}
	m.mu.Unlock()

	for _, w := range waiters {
		w <- ErrDisconnected
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
