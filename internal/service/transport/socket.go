package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

// socketDialer opens the persistent WebSocket transport.
type socketDialer struct {
	url  string
	opts Options
}

func (d *socketDialer) Mode() chat.TransportMode { return chat.TransportSocket }

func (d *socketDialer) Dial(ctx context.Context, token string) (link, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && isAuthStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", &statusError{op: "handshake", code: resp.StatusCode})
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	l := &socketLink{
		conn: conn,
		opts: d.opts,
		done: make(chan struct{}),
	}
	l.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		l.extendReadDeadline()
		return nil
	})

	if d.opts.PingInterval > 0 {
		go l.pingLoop()
	}
	return l, nil
}

type socketLink struct {
	conn *websocket.Conn
	opts Options

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (l *socketLink) extendReadDeadline() {
	if l.opts.ReadTimeout <= 0 {
		return
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
}

// Read blocks for the next frame. Close unblocks it.
func (l *socketLink) Read(ctx context.Context) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgType, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	l.extendReadDeadline()

	if msgType != websocket.TextMessage {
		return nil, nil
	}

	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedFrame, len(data))
	}
	return []event.Envelope{env}, nil
}

func (l *socketLink) Write(ctx context.Context, env event.Envelope) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	var deadline time.Time
	if l.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(l.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteJSON(env)
}

func (l *socketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = l.conn.Close()
	})
	return err
}

// pingLoop 定期发送 ping，保持读超时窗口
func (l *socketLink) pingLoop() {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.opts.WriteTimeout)
			if l.opts.WriteTimeout <= 0 {
				deadline = time.Now().Add(10 * time.Second)
			}
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// 读循环会随后感知断线
				return
			}
		}
	}
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
