// Package router fans inbound transport events out to independent
// subscribers (chat widget, sidebar, message view, engine components).
//
// Delivery happens on a single goroutine started by Run, so handlers observe
// events one at a time in arrival order. Dispatch never blocks, which lets a
// handler publish follow-up events without deadlocking the loop.
package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

// ErrClosed is returned by Flush once the router has stopped.
var ErrClosed = errors.New("router closed")

// Handler receives one event.
type Handler func(env event.Envelope)

// Subscription is the handle returned by AddListener.
type Subscription struct {
	id         uint64
	subscriber string
	event      string
	handler    Handler
	active     atomic.Bool
	router     *Router
}

// Unsubscribe removes this listener only. Safe to call more than once. The
// same rule as RemoveAllListeners applies to an invocation already running.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.router == nil {
		return
	}
	s.router.remove(s)
}

// Active reports whether the listener still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Subscriber returns the owning subscriber id.
func (s *Subscription) Subscriber() string { return s.subscriber }

// Event returns the event name the listener is bound to.
func (s *Subscription) Event() string { return s.event }

type item struct {
	env     event.Envelope
	barrier chan struct{}
}

// Router is the process-wide event fan-out for one session.
type Router struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	nextID       uint64
	bySubscriber map[string]map[uint64]*Subscription
	byEvent      map[string][]*Subscription

	qmu     sync.Mutex
	queue   []item
	wake    chan struct{}
	running bool
	closed  bool
}

// New creates an idle router; call Run to start delivery.
func New(logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		logger:       logging.OrNop(logger).Named("router"),
		metrics:      m,
		bySubscriber: make(map[string]map[uint64]*Subscription),
		byEvent:      make(map[string][]*Subscription),
		wake:         make(chan struct{}, 1),
	}
}

// AddListener registers handler for eventName on behalf of subscriberID.
// Use event.Any to receive every event.
func (r *Router) AddListener(subscriberID, eventName string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		id:         r.nextID,
		subscriber: subscriberID,
		event:      eventName,
		handler:    handler,
		router:     r,
	}
	sub.active.Store(true)

	if r.bySubscriber[subscriberID] == nil {
		r.bySubscriber[subscriberID] = make(map[uint64]*Subscription)
	}
	r.bySubscriber[subscriberID][sub.id] = sub
	r.byEvent[eventName] = append(r.byEvent[eventName], sub)
	return sub
}

// RemoveAllListeners drops every listener owned by subscriberID and returns
// how many were removed. Listeners of other subscribers are untouched. Once it
// returns no removed handler is started again. A call made off the delivery
// goroutine does not wait for a handler that is already running; Flush after
// it when the caller needs that handler to have finished.
func (r *Router) RemoveAllListeners(subscriberID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySubscriber[subscriberID]
	for _, sub := range subs {
		sub.active.Store(false)
		r.byEvent[sub.event] = without(r.byEvent[sub.event], sub.id)
		if len(r.byEvent[sub.event]) == 0 {
			delete(r.byEvent, sub.event)
		}
	}
	delete(r.bySubscriber, subscriberID)
	return len(subs)
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sub.active.Swap(false) {
		return
	}
	r.byEvent[sub.event] = without(r.byEvent[sub.event], sub.id)
	if len(r.byEvent[sub.event]) == 0 {
		delete(r.byEvent, sub.event)
	}
	if owned := r.bySubscriber[sub.subscriber]; owned != nil {
		delete(owned, sub.id)
		if len(owned) == 0 {
			delete(r.bySubscriber, sub.subscriber)
		}
	}
}

func without(subs []*Subscription, id uint64) []*Subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// ListenerCount returns the number of listeners bound to eventName.
func (r *Router) ListenerCount(eventName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEvent[eventName])
}

// SubscriberCount returns the number of listeners owned by subscriberID.
func (r *Router) SubscriberCount(subscriberID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySubscriber[subscriberID])
}

// Dispatch queues env for delivery. It never blocks.
func (r *Router) Dispatch(env event.Envelope) {
	r.enqueue(item{env: env})
}

// Publish marshals payload and dispatches it as eventName.
func (r *Router) Publish(eventName string, payload any) {
	env, err := event.New(eventName, payload)
	if err != nil {
		r.logger.Error("publish marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	r.Dispatch(env)
}

func (r *Router) enqueue(it item) bool {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return false
	}
	r.queue = append(r.queue, it)
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every event queued before the call has been delivered.
func (r *Router) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !r.enqueue(item{barrier: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued events until ctx is cancelled. It must be called once.
func (r *Router) Run(ctx context.Context) error {
	r.qmu.Lock()
	if r.running || r.closed {
		r.qmu.Unlock()
		return errors.New("router already started")
	}
	r.running = true
	r.qmu.Unlock()

	defer r.shutdown()

	for {
		for {
			it, ok := r.pop()
			if !ok {
				break
			}
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			r.deliver(it.env)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		}
	}
}

func (r *Router) pop() (item, bool) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if len(r.queue) == 0 {
		return item{}, false
	}
	it := r.queue[0]
	r.queue[0] = item{}
	r.queue = r.queue[1:]
	return it, true
}

func (r *Router) shutdown() {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	r.closed = true
	for _, it := range r.queue {
		if it.barrier != nil {
			close(it.barrier)
		}
	}
	r.queue = nil
}

func (r *Router) deliver(env event.Envelope) {
	r.mu.RLock()
	targets := make([]*Subscription, 0, len(r.byEvent[env.Type])+len(r.byEvent[event.Any]))
	targets = append(targets, r.byEvent[env.Type]...)
	if env.Type != event.Any {
		targets = append(targets, r.byEvent[event.Any]...)
	}
	r.mu.RUnlock()

	r.metrics.Dispatched(env.Type)

	for _, sub := range targets {
		// removal between the snapshot and this call, from an earlier handler
		// in this pass or from another goroutine, suppresses the invocation
		if !sub.active.Load() {
			continue
		}
		r.invoke(sub, env)
	}
}

func (r *Router) invoke(sub *Subscription, env event.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked",
				zap.String("subscriber", sub.subscriber),
				zap.String("event", env.Type),
				zap.Any("panic", rec),
			)
		}
	}()
	sub.handler(env)
}
