package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/z-tavern/chatsync/internal/metrics"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

func startRouter(t *testing.T, m *metrics.Metrics) *Router {
	t.Helper()
	r := New(nil, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func flush(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) handler(tag string) Handler {
	return func(env event.Envelope) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, tag+":"+env.Type)
	}
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestDispatchFansOutInOrder(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	r.AddListener("widget", event.MessageReceived, rec.handler("widget"))
	r.AddListener("sidebar", event.MessageReceived, rec.handler("sidebar"))
	r.AddListener("sidebar", event.UserTyping, rec.handler("sidebar"))

	r.Dispatch(event.Envelope{Type: event.MessageReceived})
	r.Dispatch(event.Envelope{Type: event.UserTyping})
	flush(t, r)

	want := []string{
		"widget:" + event.MessageReceived,
		"sidebar:" + event.MessageReceived,
		"sidebar:" + event.UserTyping,
	}
	got := rec.events()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRemoveAllListenersIsScopedToSubscriber(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	r.AddListener("widget", event.MessageReceived, rec.handler("widget"))
	r.AddListener("widget", event.UserTyping, rec.handler("widget"))
	r.AddListener("sidebar", event.MessageReceived, rec.handler("sidebar"))

	if n := r.RemoveAllListeners("widget"); n != 2 {
		t.Fatalf("removed %d listeners, want 2", n)
	}
	if n := r.SubscriberCount("widget"); n != 0 {
		t.Fatalf("widget still owns %d listeners", n)
	}

	r.Dispatch(event.Envelope{Type: event.MessageReceived})
	r.Dispatch(event.Envelope{Type: event.UserTyping})
	flush(t, r)

	got := rec.events()
	if len(got) != 1 || got[0] != "sidebar:"+event.MessageReceived {
		t.Fatalf("got %v, want only sidebar delivery", got)
	}
}

func TestUnsubscribeRemovesSingleListener(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	first := r.AddListener("view", event.MessageSent, rec.handler("first"))
	r.AddListener("view", event.MessageSent, rec.handler("second"))

	first.Unsubscribe()
	first.Unsubscribe()

	if first.Active() {
		t.Fatal("subscription still active")
	}
	if n := r.ListenerCount(event.MessageSent); n != 1 {
		t.Fatalf("listener count = %d, want 1", n)
	}

	r.Dispatch(event.Envelope{Type: event.MessageSent})
	flush(t, r)

	got := rec.events()
	if len(got) != 1 || got[0] != "second:"+event.MessageSent {
		t.Fatalf("got %v", got)
	}
}

func TestRemovalDuringDeliverySkipsRemainingHandlers(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	r.AddListener("engine", event.Disconnect, func(event.Envelope) {
		r.RemoveAllListeners("widget")
	})
	r.AddListener("widget", event.Disconnect, rec.handler("widget"))

	r.Dispatch(event.Envelope{Type: event.Disconnect})
	flush(t, r)

	if got := rec.events(); len(got) != 0 {
		t.Fatalf("removed listener was invoked: %v", got)
	}
}

func TestRemovalFromAnotherGoroutine(t *testing.T) {
	r := startRouter(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls, finished := 0, 0
	r.AddListener("widget", event.MessageReceived, func(event.Envelope) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		mu.Lock()
		finished++
		mu.Unlock()
	})

	r.Dispatch(event.Envelope{Type: event.MessageReceived})
	r.Dispatch(event.Envelope{Type: event.MessageReceived})
	<-started

	// 不等待正在执行的 handler
	if n := r.RemoveAllListeners("widget"); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	close(release)
	flush(t, r)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || finished != 1 {
		t.Fatalf("calls = %d, finished = %d, want 1 and 1", calls, finished)
	}
}

func TestWildcardListener(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	r.AddListener("debug", event.Any, rec.handler("any"))
	r.Dispatch(event.Envelope{Type: event.PresenceUpdate})
	r.Dispatch(event.Envelope{Type: event.Connect})
	flush(t, r)

	if got := rec.events(); len(got) != 2 {
		t.Fatalf("wildcard got %v, want 2 events", got)
	}
}

func TestHandlerCanDispatchWithoutDeadlock(t *testing.T) {
	r := startRouter(t, nil)
	rec := &recorder{}

	r.AddListener("chain", event.Connect, func(event.Envelope) {
		r.Publish(event.Reconnecting, event.ConnectionPayload{Attempt: 1})
	})
	r.AddListener("chain", event.Reconnecting, rec.handler("chain"))

	r.Dispatch(event.Envelope{Type: event.Connect})
	flush(t, r)
	flush(t, r)

	if got := rec.events(); len(got) != 1 {
		t.Fatalf("got %v, want follow-up event", got)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	m := metrics.New()
	r := startRouter(t, m)
	rec := &recorder{}

	r.AddListener("bad", event.UserJoined, func(event.Envelope) { panic("boom") })
	r.AddListener("good", event.UserJoined, rec.handler("good"))

	r.Dispatch(event.Envelope{Type: event.UserJoined})
	flush(t, r)

	if got := rec.events(); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsDispatched.WithLabelValues(event.UserJoined)); got != 1 {
		t.Fatalf("dispatched counter = %v, want 1", got)
	}
}

func TestFlushAfterStopReturnsErrClosed(t *testing.T) {
	r := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	cancel()
	<-done

	if err := r.Flush(context.Background()); err != ErrClosed {
		t.Fatalf("flush err = %v, want ErrClosed", err)
	}
}
