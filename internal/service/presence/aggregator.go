// Package presence merges live presence events, administrative overrides
// and backend snapshots into one status per user.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
)

const subscriberID = "presence"

// Bus delivers inbound events.
type Bus interface {
	AddListener(subscriberID, eventName string, handler router.Handler) *router.Subscription
}

// Source is the backend presence endpoint.
type Source interface {
	FetchPresence(ctx context.Context) ([]presence.Record, error)
	PushPresence(ctx context.Context, status presence.Status) error
}

// Aggregator holds the merged presence records.
type Aggregator struct {
	source  Source
	selfID  string
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]presence.Record
}

// NewAggregator creates an empty aggregator. source may be nil.
func NewAggregator(source Source, selfID string, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		source:  source,
		selfID:  selfID,
		logger:  logging.OrNop(logger).Named("presence"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]presence.Record),
	}
}

// Register subscribes to presence events.
func (a *Aggregator) Register(bus Bus) {
	bus.AddListener(subscriberID, event.PresenceUpdate, a.handleUpdate)
	bus.AddListener(subscriberID, event.PresenceOverride, a.handleOverride)
	bus.AddListener(subscriberID, event.UserDisconnected, a.handleDisconnected)
}

// Status returns the record for userID. Unknown users are offline.
func (a *Aggregator) Status(userID string) presence.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.records[userID]; ok {
		return cloneRecord(r)
	}
	return presence.Record{UserID: userID, Raw: presence.StatusOffline}
}

// Snapshot returns every known record ordered by user id.
func (a *Aggregator) Snapshot() []presence.Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]presence.Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Resync replaces raw statuses with the backend snapshot. Overrides that
// arrived as events stay in place unless the snapshot carries its own. On
// failure the current records are kept.
func (a *Aggregator) Resync(ctx context.Context) error {
	if a.source == nil {
		return nil
	}
	records, err := a.source.FetchPresence(ctx)
	if err != nil {
		a.metrics.ResyncFailed("presence")
		a.logger.Warn("presence resync failed, keeping previous values", zap.Error(err))
		return fmt.Errorf("presence resync: %w", err)
	}

	a.mu.Lock()
	for _, r := range records {
		cur, ok := a.records[r.UserID]
		if ok && r.Override == nil {
			r.Override = cur.Override
		}
		if r.LastSeen.IsZero() {
			r.LastSeen = cur.LastSeen
		}
		a.records[r.UserID] = r
	}
	a.mu.Unlock()

	a.logger.Debug("presence resynced", zap.Int("users", len(records)))
	return nil
}

// SetOwnStatus publishes the local user's status and applies it locally.
func (a *Aggregator) SetOwnStatus(ctx context.Context, status presence.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid presence status %q", status)
	}
	if a.source != nil {
		if err := a.source.PushPresence(ctx, status); err != nil {
			return fmt.Errorf("push presence: %w", err)
		}
	}
	if a.selfID != "" {
		a.setRaw(a.selfID, status, time.Time{})
	}
	return nil
}

func (a *Aggregator) handleUpdate(env event.Envelope) {
	var p event.PresencePayload
	if err := env.Decode(&p); err != nil || p.UserID == "" {
		a.logger.Warn("ignoring presence_update", zap.Error(err))
		return
	}
	status := presence.Status(p.Status)
	if !status.Valid() {
		a.logger.Warn("unknown presence status", zap.String("user", p.UserID), zap.String("status", p.Status))
		return
	}
	a.setRaw(p.UserID, status, p.LastSeen)
}

// handleDisconnected marks the user offline but keeps the record so that
// overrides and last-seen survive.
func (a *Aggregator) handleDisconnected(env event.Envelope) {
	var p event.PresencePayload
	if err := env.Decode(&p); err != nil || p.UserID == "" {
		return
	}
	seen := p.LastSeen
	if seen.IsZero() {
		seen = a.now()
	}
	a.setRaw(p.UserID, presence.StatusOffline, seen)
}

func (a *Aggregator) handleOverride(env event.Envelope) {
	var p event.OverridePayload
	if err := env.Decode(&p); err != nil || p.UserID == "" {
		a.logger.Warn("ignoring presence_override", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[p.UserID]
	if !ok {
		r = presence.Record{UserID: p.UserID, Raw: presence.StatusOffline}
	}
	if p.Cleared {
		r.Override = nil
	} else {
		r.Override = &presence.Override{
			Kind:   presence.OverrideKind(p.Kind),
			Status: presence.Status(p.Status),
		}
	}
	a.records[p.UserID] = r
}

func (a *Aggregator) setRaw(userID string, status presence.Status, seen time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[userID]
	if !ok {
		r = presence.Record{UserID: userID}
	}
	r.Raw = status
	if !seen.IsZero() {
		r.LastSeen = seen
	} else if status != presence.StatusOffline {
		r.LastSeen = a.now()
	}
	a.records[userID] = r
}

func cloneRecord(r presence.Record) presence.Record {
	if r.Override != nil {
		o := *r.Override
		r.Override = &o
	}
	return r
}
