package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/unread"
)

// Surface is one independently mounted UI view (widget, sidebar, message
// view). It owns its unread counters, its listeners and the channel
// references it took.
type Surface struct {
	id         string
	subscriber string
	engine     *Engine
	unread     *unread.Synchronizer
	logger     *zap.Logger

	mu       sync.Mutex
	channels map[string]int
	job      cron.EntryID
	closed   bool
}

// NewSurface registers a surface and starts its periodic unread resync.
func (e *Engine) NewSurface(id string) (*Surface, error) {
	if id == "" {
		return nil, ErrSurfaceRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.surfaces[id]; ok {
		return nil, ErrSurfaceExists
	}

	var fetcher unread.Fetcher
	if e.hasBackend() {
		fetcher = e.backend
	}
	s := &Surface{
		id:         id,
		subscriber: "surface:" + id,
		engine:     e,
		unread:     unread.New(id, fetcher, e.logger, e.metrics),
		logger:     e.logger.With(zap.String("surface", id)),
		channels:   make(map[string]int),
	}

	e.router.AddListener(s.subscriber, event.MessageReceived, s.handleMessage)
	e.router.AddListener(s.subscriber, event.MessageNotification, s.handleNotification)

	if fetcher != nil && e.opts.ResyncInterval > 0 {
		s.job = e.scheduler.Schedule(cron.Every(e.opts.ResyncInterval), cron.FuncJob(s.resync))
	}
	e.surfaces[id] = s
	return s, nil
}

// ID returns the surface id.
func (s *Surface) ID() string { return s.id }

// Unread exposes the surface's unread counters.
func (s *Surface) Unread() *unread.Synchronizer { return s.unread }

// Join takes a membership reference on channelID for this surface.
func (s *Surface) Join(ctx context.Context, channelID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.engine.membership.Join(ctx, channelID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// closed while waiting; give the reference straight back
		s.engine.membership.Leave(channelID)
		return ErrClosed
	}
	s.channels[channelID]++
	return nil
}

// Leave releases one of this surface's references on channelID. References
// held by other surfaces are untouched.
func (s *Surface) Leave(channelID string) {
	s.mu.Lock()
	if s.channels[channelID] == 0 {
		s.mu.Unlock()
		return
	}
	s.channels[channelID]--
	if s.channels[channelID] == 0 {
		delete(s.channels, channelID)
	}
	s.mu.Unlock()

	s.engine.membership.Leave(channelID)
}

// Channels returns the channels this surface holds references on.
func (s *Surface) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resync replaces the surface's unread counters with the backend's. An
// empty channelID resyncs every channel.
func (s *Surface) Resync(ctx context.Context, channelID string) error {
	if channelID == "" {
		return s.unread.ResyncAll(ctx)
	}
	return s.unread.Resync(ctx, channelID)
}

// MarkRead zeroes channelID locally once the surface has displayed it.
func (s *Surface) MarkRead(channelID string) {
	s.unread.Clear(channelID)
}

// Close deregisters the surface's listeners before returning, then releases
// its channel references and schedule.
func (s *Surface) Close() {
	s.engine.removeSurface(s)
	s.teardown()
}

func (s *Surface) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string]int)
	job := s.job
	s.mu.Unlock()

	s.engine.router.RemoveAllListeners(s.subscriber)
	if job != 0 {
		s.engine.scheduler.Remove(job)
	}
	for id, refs := range channels {
		for i := 0; i < refs; i++ {
			s.engine.membership.Leave(id)
		}
	}
	s.logger.Debug("surface closed", zap.Int("channels", len(channels)))
}

func (s *Surface) resync() {
	ctx, cancel := context.WithTimeout(s.engine.baseContext(), resyncTimeout)
	defer cancel()
	_ = s.unread.ResyncAll(ctx)
}

func (s *Surface) handleMessage(env event.Envelope) {
	var p event.MessagePayload
	if err := env.Decode(&p); err != nil {
		s.logger.Debug("ignoring message_received", zap.Error(err))
		return
	}
	s.count(p.Message.ChannelID, p.Message.ID, p.Message.SenderID)
}

func (s *Surface) handleNotification(env event.Envelope) {
	var p event.NotificationPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Debug("ignoring message_notification", zap.Error(err))
		return
	}
	channelID := p.Message.ChannelID
	if channelID == "" {
		channelID = p.Channel.ID
	}
	s.count(channelID, p.Message.ID, p.Message.SenderID)
}

// count increments for messages from other users only.
func (s *Surface) count(channelID, messageID, senderID string) {
	if senderID != "" && senderID == s.engine.opts.SelfID {
		return
	}
	s.unread.Increment(channelID, messageID)
}
