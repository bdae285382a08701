package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
)

const (
	subscriberID = "reconciler"
	tempPrefix   = "tmp-"
)

var (
	ErrChannelRequired = errors.New("channel id is required")
	ErrEmptyMessage    = errors.New("message body is empty")
	ErrSendTimeout     = errors.New("message was not confirmed in time")
	ErrSendRejected    = errors.New("message was rejected by the server")
	ErrNoBackend       = errors.New("no backend configured")
)

// Emitter sends outbound events. transport.Connection satisfies it.
type Emitter interface {
	Emit(name string, payload any) bool
}

// Bus delivers inbound events and accepts locally produced ones.
type Bus interface {
	AddListener(subscriberID, eventName string, handler router.Handler) *router.Subscription
	Dispatch(env event.Envelope)
}

// Backend provides the REST operations the reconciler needs.
type Backend interface {
	FetchHistory(ctx context.Context, channelID string, limit int, before string) ([]chat.Message, error)
	UploadAttachment(ctx context.Context, channelID, filename string, r io.Reader) (chat.Attachment, error)
}

// Options tunes confirmation timing.
type Options struct {
	SelfID         string
	ConfirmTimeout time.Duration
	QueueTimeout   time.Duration
	HistoryLimit   int
}

// SendRequest describes one outbound message.
type SendRequest struct {
	ChannelID  string
	Body       string
	Type       chat.MessageType
	ReplyToID  string
	Attachment *chat.Attachment
}

type pending struct {
	channelID string
	wire      event.SendMessagePayload
	timer     *time.Timer
	queued    bool
}

// Service keeps the per-channel message lists and reconciles optimistic
// entries against server confirmations.
type Service struct {
	emitter Emitter
	bus     Bus
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu       sync.Mutex
	messages map[string][]chat.Message
	pending  map[string]*pending
	outbox   []string
}

// NewService creates an empty reconciler. backend may be nil, in which case
// history and attachments are unavailable.
func NewService(emitter Emitter, bus Bus, backend Backend, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 10 * time.Second
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 2 * time.Minute
	}
	return &Service{
		emitter:  emitter,
		bus:      bus,
		backend:  backend,
		logger:   logging.OrNop(logger).Named("reconciler"),
		metrics:  m,
		opts:     opts,
		messages: make(map[string][]chat.Message),
		pending:  make(map[string]*pending),
	}
}

// Register subscribes to confirmations, rejections and reconnects.
func (s *Service) Register() {
	s.bus.AddListener(subscriberID, event.MessageSent, s.handleConfirmed)
	s.bus.AddListener(subscriberID, event.MessageReceived, s.handleConfirmed)
	s.bus.AddListener(subscriberID, event.SendMessageError, s.handleSendError)
	s.bus.AddListener(subscriberID, event.Connect, s.handleConnect)
}

// Send appends an optimistic message and hands it to the transport. When the
// transport is down the message waits in the outbox until the next connect.
func (s *Service) Send(req SendRequest) (chat.Message, error) {
	if strings.TrimSpace(req.ChannelID) == "" {
		return chat.Message{}, ErrChannelRequired
	}

	msg := chat.Message{
		ID:              tempPrefix + uuid.NewString(),
		ClientMessageID: uuid.NewString(),
		ChannelID:       req.ChannelID,
		SenderID:        s.opts.SelfID,
		Type:            req.Type,
		ReplyToID:       req.ReplyToID,
		CreatedAt:       time.Now().UTC(),
		Provenance:      chat.ProvenanceOptimistic,
	}

	switch {
	case req.Attachment != nil:
		msg.Payload = chat.AttachmentPayload(*req.Attachment)
		if msg.Type == "" || msg.Type == chat.MessageTypeText {
			msg.Type = chat.MessageTypeFile
			if req.Attachment.Category == chat.MimeImage {
				msg.Type = chat.MessageTypeImage
			}
		}
	case strings.TrimSpace(req.Body) == "":
		return chat.Message{}, ErrEmptyMessage
	default:
		msg.Payload = chat.TextPayload(req.Body)
		if msg.Type == "" {
			msg.Type = chat.MessageTypeText
		}
	}

	p := &pending{
		channelID: msg.ChannelID,
		wire: event.SendMessagePayload{
			ChannelID:       msg.ChannelID,
			Message:         msg.Body(),
			Type:            msg.Type,
			ReplyToID:       msg.ReplyToID,
			ClientMessageID: msg.ClientMessageID,
			Attachment:      msg.Payload.Attachment,
		},
	}

	s.mu.Lock()
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], msg)
	s.pending[msg.ClientMessageID] = p
	s.mu.Unlock()

	s.dispatchPending(msg.ClientMessageID, p)
	return msg, nil
}

// SendAttachment uploads the file and sends it as an attachment message.
func (s *Service) SendAttachment(ctx context.Context, channelID, filename string, r io.Reader) (chat.Message, error) {
	if channelID == "" {
		return chat.Message{}, ErrChannelRequired
	}
	if s.backend == nil {
		return chat.Message{}, ErrNoBackend
	}
	att, err := s.backend.UploadAttachment(ctx, channelID, filename, r)
	if err != nil {
		return chat.Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	return s.Send(SendRequest{ChannelID: channelID, Attachment: &att})
}

// dispatchPending emits the message or parks it in the outbox.
func (s *Service) dispatchPending(clientID string, p *pending) {
	sent := s.emitter.Emit(event.SendMessage, p.wire)

	s.mu.Lock()
	defer s.mu.Unlock()

	// confirmed or rolled back while emitting
	if s.pending[clientID] != p {
		return
	}

	if sent {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.queued = false
		p.timer = time.AfterFunc(s.opts.ConfirmTimeout, func() {
			s.rollback(clientID, p, ErrSendTimeout, "timeout")
		})
		return
	}

	// a re-queued send keeps its original queue deadline
	if !p.queued {
		p.queued = true
		p.timer = time.AfterFunc(s.opts.QueueTimeout, func() {
			s.rollback(clientID, p, ErrSendTimeout, "queue_timeout")
		})
	}
	s.outbox = append(s.outbox, clientID)
	s.logger.Debug("send queued until connect", zap.String("clientMessageId", clientID))
}

func (s *Service) handleConnect(event.Envelope) {
	s.mu.Lock()
	ids := s.outbox
	s.outbox = nil
	queued := make(map[string]*pending, len(ids))
	for _, id := range ids {
		if p, ok := s.pending[id]; ok && p.queued {
			queued[id] = p
		}
	}
	s.mu.Unlock()

	if len(queued) > 0 {
		s.logger.Info("flushing outbox", zap.Int("count", len(queued)))
	}
	for _, id := range ids {
		if p, ok := queued[id]; ok {
			s.dispatchPending(id, p)
		}
	}
}

func (s *Service) handleConfirmed(env event.Envelope) {
	var p event.MessagePayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn("ignoring malformed message event", zap.String("event", env.Type), zap.Error(err))
		return
	}
	if p.Message.ID == "" || p.Message.ChannelID == "" {
		return
	}
	s.reconcile(p.Message.ToMessage())
}

// reconcile applies one confirmed message. The optimistic counterpart is
// found by client message id when the server echoes it, otherwise by the
// oldest optimistic entry with the same sender and content.
func (s *Service) reconcile(m chat.Message) {
	s.mu.Lock()
	list := s.messages[m.ChannelID]

	for _, existing := range list {
		if existing.ID == m.ID {
			s.mu.Unlock()
			s.metrics.Reconcile("duplicate")
			return
		}
	}

	idx, match := -1, ""
	if m.ClientMessageID != "" {
		for i, existing := range list {
			if existing.Optimistic() && existing.ClientMessageID == m.ClientMessageID {
				idx, match = i, "client_id"
				break
			}
		}
	} else {
		key := m.ContentKey()
		for i, existing := range list {
			if !existing.Optimistic() {
				continue
			}
			if existing.ContentKey() == key {
				idx, match = i, "content"
				break
			}
		}
	}

	if idx < 0 {
		s.messages[m.ChannelID] = append(list, m)
		s.mu.Unlock()
		s.metrics.Reconcile("appended")
		return
	}

	clientID := list[idx].ClientMessageID
	if m.ClientMessageID == "" {
		m.ClientMessageID = clientID
	}
	list[idx] = m
	s.forgetLocked(clientID)
	s.mu.Unlock()

	s.metrics.Reconcile(match)
	s.logger.Debug("message confirmed", zap.String("id", m.ID), zap.String("match", match))
}

func (s *Service) handleSendError(env event.Envelope) {
	var p event.SendErrorPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn("ignoring malformed send error", zap.Error(err))
		return
	}

	s.mu.Lock()
	clientID := p.ClientMessageID
	if clientID == "" {
		clientID = s.oldestPendingLocked(p.ChannelID)
	}
	pend := s.pending[clientID]
	s.mu.Unlock()

	if pend == nil {
		s.logger.Warn("send error for unknown message", zap.String("clientMessageId", p.ClientMessageID))
		return
	}
	s.rollback(clientID, pend, fmt.Errorf("%w: %s", ErrSendRejected, p.Message), "rejected")
}

// oldestPendingLocked picks the rollback target when the server does not
// echo a client message id.
func (s *Service) oldestPendingLocked(channelID string) string {
	var (
		best   string
		bestAt time.Time
	)
	for ch, list := range s.messages {
		if channelID != "" && ch != channelID {
			continue
		}
		for _, m := range list {
			p, ok := s.pending[m.ClientMessageID]
			if !ok || !m.Optimistic() || p.queued {
				continue
			}
			if best == "" || m.CreatedAt.Before(bestAt) {
				best, bestAt = m.ClientMessageID, m.CreatedAt
			}
			break
		}
	}
	return best
}

// rollback removes an unconfirmed message and reports the failure.
func (s *Service) rollback(clientID string, p *pending, cause error, reason string) {
	s.mu.Lock()
	if s.pending[clientID] != p {
		s.mu.Unlock()
		return
	}
	s.forgetLocked(clientID)
	list := s.messages[p.channelID]
	for i, m := range list {
		if m.Optimistic() && m.ClientMessageID == clientID {
			s.messages[p.channelID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.metrics.Rollback(reason)
	s.logger.Warn("message rolled back",
		zap.String("clientMessageId", clientID),
		zap.String("channel", p.channelID),
		zap.Error(cause),
	)

	env, err := event.New(event.MessageSendFailed, event.SendFailedPayload{
		ClientMessageID: clientID,
		ChannelID:       p.channelID,
		Reason:          cause.Error(),
	})
	if err == nil {
		s.bus.Dispatch(env)
	}
}

func (s *Service) forgetLocked(clientID string) {
	if p, ok := s.pending[clientID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, clientID)
	}
	for i, id := range s.outbox {
		if id == clientID {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			break
		}
	}
}

// LoadHistory fetches the latest page and merges it ahead of live entries.
func (s *Service) LoadHistory(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	return s.loadHistory(ctx, channelID, limit, "")
}

// LoadOlder fetches the page before the oldest confirmed message held locally.
func (s *Service) LoadOlder(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	var before string
	for _, m := range s.messages[channelID] {
		if !m.Optimistic() {
			before = m.ID
			break
		}
	}
	s.mu.Unlock()
	return s.loadHistory(ctx, channelID, limit, before)
}

func (s *Service) loadHistory(ctx context.Context, channelID string, limit int, before string) ([]chat.Message, error) {
	if channelID == "" {
		return nil, ErrChannelRequired
	}
	if s.backend == nil {
		return nil, ErrNoBackend
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}

	history, err := s.backend.FetchHistory(ctx, channelID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	list := s.messages[channelID]
	seen := make(map[string]struct{}, len(list)+len(history))
	for _, m := range list {
		seen[m.ID] = struct{}{}
	}
	fresh := make([]chat.Message, 0, len(history))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Provenance = chat.ProvenanceConfirmed
		fresh = append(fresh, m)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })
	s.messages[channelID] = append(fresh, list...)
	s.mu.Unlock()

	return s.Messages(channelID), nil
}

// Messages returns a copy of the channel's message list.
func (s *Service) Messages(channelID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[channelID]
	out := make([]chat.Message, len(list))
	copy(out, list)
	return out
}

// PendingCount returns the number of unconfirmed messages.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset drops every list and pending send.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.messages = make(map[string][]chat.Message)
	s.pending = make(map[string]*pending)
	s.outbox = nil
}
