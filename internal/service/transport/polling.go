package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
)

// pollingDialer speaks the HTTP long-polling fallback:
//
//	GET  {base}/poll?cursor=N&wait=S  -> {"events":[...], "cursor":M}
//	POST {base}/emit                  <- envelope
//
// The dialer remembers the last cursor per token so a re-dialed link resumes
// where the dropped one stopped instead of replaying the whole log.
type pollingDialer struct {
	base   string
	client *http.Client
	opts   Options

	mu     sync.Mutex
	token  string
	cursor int64
}

type pollResponse struct {
	Events []event.Envelope `json:"events"`
	Cursor int64            `json:"cursor"`
}

func (d *pollingDialer) Mode() chat.TransportMode { return chat.TransportPolling }

// Dial performs an immediate poll so that bad tokens and unreachable servers
// fail here instead of inside the read loop.
func (d *pollingDialer) Dial(ctx context.Context, token string) (link, error) {
	lctx, cancel := context.WithCancel(context.Background())
	l := &pollingLink{
		dialer: d,
		base:   strings.TrimRight(d.base, "/"),
		client: d.client,
		token:  token,
		opts:   d.opts,
		ctx:    lctx,
		cancel: cancel,
		cursor: d.resumeFrom(token),
	}

	hctx := ctx
	if d.opts.HandshakeTimeout > 0 {
		var hcancel context.CancelFunc
		hctx, hcancel = context.WithTimeout(ctx, d.opts.HandshakeTimeout)
		defer hcancel()
	}

	events, err := l.poll(hctx, 0)
	if err != nil {
		cancel()
		return nil, err
	}
	l.pending = events
	return l, nil
}

// resumeFrom returns the cursor to start from. A different token starts over.
func (d *pollingDialer) resumeFrom(token string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != token {
		d.token = token
		d.cursor = 0
	}
	return d.cursor
}

func (d *pollingDialer) advance(token string, cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token == token && cursor > d.cursor {
		d.cursor = cursor
	}
}

type pollingLink struct {
	dialer *pollingDialer
	base   string
	client *http.Client
	token  string
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cursor  int64
	pending []event.Envelope
}

func (l *pollingLink) Read(ctx context.Context) ([]event.Envelope, error) {
	l.mu.Lock()
	if len(l.pending) > 0 {
		out := l.pending
		l.pending = nil
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	for {
		events, err := l.poll(rctx, l.opts.PollTimeout)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (l *pollingLink) poll(ctx context.Context, wait time.Duration) ([]event.Envelope, error) {
	l.mu.Lock()
	cursor := l.cursor
	l.mu.Unlock()

	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("wait", strconv.Itoa(int(wait/time.Second)))

	// 长轮询请求的超时要比服务端挂起时间略长
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait+requestSlack(l.opts))
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+"/poll?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("poll", resp); err != nil {
		return nil, err
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	l.mu.Lock()
	if body.Cursor > l.cursor {
		l.cursor = body.Cursor
	}
	l.mu.Unlock()
	l.dialer.advance(l.token, body.Cursor)

	events := body.Events[:0]
	for _, env := range body.Events {
		if env.Type != "" {
			events = append(events, env)
		}
	}
	return events, nil
}

func (l *pollingLink) Write(ctx context.Context, env event.Envelope) error {
	if err := l.ctx.Err(); err != nil {
		return fmt.Errorf("emit on closed polling link: %w", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+"/emit", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build emit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("emit request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus("emit", resp)
}

func (l *pollingLink) Close() error {
	l.cancel()
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if isAuthStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %s status %d", ErrUnauthorized, op, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{op: op, code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	return nil
}

func requestSlack(opts Options) time.Duration {
	if opts.HandshakeTimeout > 0 {
		return opts.HandshakeTimeout
	}
	return 5 * time.Second
}
