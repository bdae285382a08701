package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

type sink struct {
	ch chan event.Envelope
}

func newSink() *sink { return &sink{ch: make(chan event.Envelope, 256)} }

func (s *sink) Dispatch(env event.Envelope) { s.ch <- env }

func (s *sink) waitFor(t *testing.T, eventType string) event.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.ch:
			if env.Type == eventType {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
			return event.Envelope{}
		}
	}
}

type fakeLink struct {
	in      chan []event.Envelope
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  []event.Envelope
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:      make(chan []event.Envelope, 8),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) Read(ctx context.Context) ([]event.Envelope, error) {
	select {
	case envs := <-l.in:
		return envs, nil
	case err := <-l.readErr:
		return nil, err
	case <-l.closed:
		return nil, errors.New("link closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Write(_ context.Context, env event.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.written = append(l.written, env)
	return nil
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) writes() []event.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Envelope(nil), l.written...)
}

type step struct {
	link *fakeLink
	err  error
}

type fakeDialer struct {
	mode chat.TransportMode

	mu     sync.Mutex
	script []step
	calls  int
}

func (d *fakeDialer) Mode() chat.TransportMode { return d.mode }

func (d *fakeDialer) Dial(context.Context, string) (link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if len(d.script) == 0 {
		return nil, errors.New("no script")
	}
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	s := d.script[i]
	if s.err != nil {
		return nil, s.err
	}
	return s.link, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testOptions(mode chat.TransportMode) Options {
	return Options{
		Mode:         mode,
		MaxRetries:   3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

func TestConnectRequiresToken(t *testing.T) {
	c := newConnection(testOptions(chat.TransportSocket), newSink(), nil, nil, &fakeDialer{}, &fakeDialer{})
	if _, err := c.Connect(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestConnectIsIdempotentPerIdentity(t *testing.T) {
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{link: newFakeLink()}}}
	s := newSink()
	c := newConnection(testOptions(chat.TransportSocket), s, nil, nil, socket, &fakeDialer{})
	defer c.Disconnect()

	first, err := c.Connect(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.waitFor(t, event.Connect)

	second, err := c.Connect(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("session ids differ: %s vs %s", first.ID, second.ID)
	}
	if socket.callCount() != 1 {
		t.Fatalf("dial calls = %d, want 1", socket.callCount())
	}

	if _, err := c.Connect(context.Background(), "token-b"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
}

func TestEmit(t *testing.T) {
	l := newFakeLink()
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{link: l}}}
	c := newConnection(testOptions(chat.TransportSocket), newSink(), nil, nil, socket, &fakeDialer{})

	if c.Emit(event.TypingStart, event.ChannelPayload{ChannelID: "c1"}) {
		t.Fatal("emit succeeded before connect")
	}

	if _, err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if !c.Emit(event.TypingStart, event.ChannelPayload{ChannelID: "c1"}) {
		t.Fatal("emit failed while connected")
	}

	written := l.writes()
	if len(written) != 1 || written[0].Type != event.TypingStart {
		t.Fatalf("written = %+v", written)
	}
	var payload event.ChannelPayload
	if err := written[0].Decode(&payload); err != nil || payload.ChannelID != "c1" {
		t.Fatalf("payload = %+v, err = %v", payload, err)
	}
}

func TestAutoModeFallsBackToPollingForSession(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{err: errors.New("handshake refused")}}}
	polling := &fakeDialer{mode: chat.TransportPolling, script: []step{{link: first}, {link: second}}}
	s := newSink()
	c := newConnection(testOptions(chat.TransportAuto), s, nil, nil, socket, polling)
	defer c.Disconnect()

	if _, err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	env := s.waitFor(t, event.Connect)
	var payload event.ConnectionPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Transport != chat.TransportPolling {
		t.Fatalf("transport = %s, want polling", payload.Transport)
	}

	first.readErr <- errors.New("poll failed")
	s.waitFor(t, event.Disconnect)
	s.waitFor(t, event.Connect)

	if got := socket.callCount(); got != 1 {
		t.Fatalf("socket dialed %d times, want 1", got)
	}
	if st := c.Status(); st.Transport != chat.TransportPolling || !st.Connected {
		t.Fatalf("status = %+v", st)
	}
}

func TestInboundEventsAreDispatched(t *testing.T) {
	l := newFakeLink()
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{link: l}}}
	s := newSink()
	c := newConnection(testOptions(chat.TransportSocket), s, nil, nil, socket, &fakeDialer{})
	defer c.Disconnect()

	if _, err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.in <- []event.Envelope{
		event.MustNew(event.UserJoined, event.MemberPayload{ChannelID: "c1", UserID: "u2"}),
	}
	s.waitFor(t, event.UserJoined)
}

func TestReconnectAfterDrop(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{
		{link: first},
		{err: errors.New("connection refused")},
		{link: second},
	}}
	s := newSink()
	c := newConnection(testOptions(chat.TransportSocket), s, nil, nil, socket, &fakeDialer{})
	defer c.Disconnect()

	if _, err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.waitFor(t, event.Connect)

	first.readErr <- errors.New("read: connection reset")
	s.waitFor(t, event.Disconnect)
	s.waitFor(t, event.Reconnecting)
	s.waitFor(t, event.ConnectError)
	s.waitFor(t, event.Connect)

	if !c.IsConnected() {
		t.Fatal("expected connected after reconnect")
	}
	if !c.Emit(event.TypingStop, event.ChannelPayload{ChannelID: "c1"}) {
		t.Fatal("emit failed after reconnect")
	}
	if len(second.writes()) != 1 {
		t.Fatal("emit did not use the new link")
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{err: errors.New("connection refused")}}}
	s := newSink()
	opts := testOptions(chat.TransportSocket)
	opts.MaxRetries = 2
	c := newConnection(opts, s, nil, nil, socket, &fakeDialer{})

	sess, err := c.Connect(context.Background(), "token")
	if err != nil {
		t.Fatalf("connect returned error for transport failure: %v", err)
	}
	if sess.State != chat.StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", sess.State)
	}

	s.waitFor(t, event.ConnectError)
	env := s.waitFor(t, event.Disconnect)
	var payload event.ConnectionPayload
	if err := env.Decode(&payload); err != nil || !payload.Final {
		t.Fatalf("payload = %+v, err = %v", payload, err)
	}
	if st := c.Status(); st.State != chat.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st.State)
	}
	// initial dial plus two retries
	if got := socket.callCount(); got != 3 {
		t.Fatalf("dial calls = %d, want 3", got)
	}
}

func TestUnauthorizedEndsSession(t *testing.T) {
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{err: ErrUnauthorized}}}
	s := newSink()
	c := newConnection(testOptions(chat.TransportSocket), s, nil, nil, socket, &fakeDialer{})

	if _, err := c.Connect(context.Background(), "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	s.waitFor(t, event.AuthError)

	if st := c.Status(); st.SessionID != "" {
		t.Fatalf("session kept after auth failure: %+v", st)
	}
	if socket.callCount() != 1 {
		t.Fatalf("auth failure was retried")
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	socket := &fakeDialer{mode: chat.TransportSocket, script: []step{{err: errors.New("connection refused")}}}
	s := newSink()
	opts := testOptions(chat.TransportSocket)
	opts.MaxRetries = 1000
	opts.RetryInitial = 20 * time.Millisecond
	c := newConnection(opts, s, nil, nil, socket, &fakeDialer{})

	if _, err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.waitFor(t, event.Reconnecting)

	c.Disconnect()
	calls := socket.callCount()
	time.Sleep(60 * time.Millisecond)
	if socket.callCount() != calls {
		t.Fatal("dialing continued after disconnect")
	}
	if c.IsConnected() {
		t.Fatal("still connected")
	}
}

func TestIsRetryableError(t *testing.T) {
	_, parseErr := url.Parse("http://[::1")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth rejection", fmt.Errorf("poll: %w", ErrUnauthorized), false},
		{"identity mismatch", ErrIdentityMismatch, false},
		{"canceled", context.Canceled, false},
		{"malformed url", fmt.Errorf("build poll request: %w", parseErr), false},
		{"not found", &statusError{op: "poll", code: http.StatusNotFound}, false},
		{"server down", &statusError{op: "poll", code: http.StatusServiceUnavailable}, true},
		{"throttled", &statusError{op: "poll", code: http.StatusTooManyRequests}, true},
		{"policy close", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, false},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		if got := IsRetryableError(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryableError(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestReconnectStopsOnMissingEndpoint(t *testing.T) {
	var hits atomic.Int32
	ps := &pollServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 第一次握手成功，之后接口消失
		if hits.Add(1) > 1 {
			http.NotFound(w, r)
			return
		}
		ps.ServeHTTP(w, r)
	}))
	defer srv.Close()

	opts := testOptions(chat.TransportPolling)
	opts.PollURL = srv.URL
	opts.PollTimeout = time.Second
	opts.MaxRetries = 5

	s := newSink()
	c := New(opts, s, nil, nil)
	defer c.Disconnect()

	if _, err := c.Connect(context.Background(), "secret"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for {
		var payload event.ConnectionPayload
		if err := s.waitFor(t, event.Disconnect).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Final {
			break
		}
	}
	// 首次握手 + 断线的那次 poll + 一次重连尝试
	if n := hits.Load(); n != 3 {
		t.Fatalf("server hits = %d, want 3", n)
	}
}
