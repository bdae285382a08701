// Package unread keeps per-surface unread counters that follow live traffic
// and converge on the backend's authoritative counts.
package unread

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
)

// seenCapacity bounds the message ids remembered for de-duplication.
const seenCapacity = 2048

// Fetcher returns authoritative unread counts keyed by channel id.
type Fetcher interface {
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// Synchronizer is one surface's unread state.
type Synchronizer struct {
	surfaceID string
	fetcher   Fetcher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	counts map[string]int
	seen   *lru.Cache
}

// New creates a synchronizer for surfaceID. fetcher may be nil, in which case
// resyncs are no-ops.
func New(surfaceID string, fetcher Fetcher, logger *zap.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		surfaceID: surfaceID,
		fetcher:   fetcher,
		logger:    logging.OrNop(logger).Named("unread").With(zap.String("surface", surfaceID)),
		metrics:   m,
		counts:    make(map[string]int),
		seen:      lru.New(seenCapacity),
	}
}

// Increment counts one live message. A message id already counted is
// ignored so a message seen through several events counts once.
func (s *Synchronizer) Increment(channelID, messageID string) bool {
	if channelID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID != "" {
		if _, dup := s.seen.Get(messageID); dup {
			return false
		}
		s.seen.Add(messageID, struct{}{})
	}
	s.counts[channelID]++
	return true
}

// Count returns the unread count of channelID.
func (s *Synchronizer) Count(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[channelID]
}

// Counts returns a copy of every non-zero counter.
func (s *Synchronizer) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for id, n := range s.counts {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

// Total sums every counter.
func (s *Synchronizer) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}

// Clear zeroes channelID locally, e.g. when the surface displays it.
func (s *Synchronizer) Clear(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, channelID)
}

// Resync replaces the counter of channelID with the authoritative value. A
// channel absent from the backend response is read.
func (s *Synchronizer) Resync(ctx context.Context, channelID string) error {
	counts, err := s.fetch(ctx)
	if err != nil || counts == nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := counts[channelID]; n > 0 {
		s.counts[channelID] = n
	} else {
		delete(s.counts, channelID)
	}
	return nil
}

// ResyncAll replaces every counter with the authoritative values. On failure
// the local counters are left untouched.
func (s *Synchronizer) ResyncAll(ctx context.Context) error {
	counts, err := s.fetch(ctx)
	if err != nil || counts == nil {
		return err
	}

	fresh := make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			fresh[id] = n
		}
	}

	s.mu.Lock()
	s.counts = fresh
	s.mu.Unlock()

	s.logger.Debug("unread resynced", zap.Int("channels", len(fresh)))
	return nil
}

func (s *Synchronizer) fetch(ctx context.Context) (map[string]int, error) {
	if s.fetcher == nil {
		return nil, nil
	}
	counts, err := s.fetcher.UnreadCounts(ctx)
	if err != nil {
		s.metrics.ResyncFailed("unread")
		s.logger.Warn("unread resync failed, keeping local counts", zap.Error(err))
		return nil, fmt.Errorf("unread resync for %s: %w", s.surfaceID, err)
	}
	return counts, nil
}
