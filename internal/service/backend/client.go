// Package backend is the REST client for the portal collaborators: channel
// and DM listings with unread counts, message history, attachment upload and
// the presence snapshot.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

var (
	ErrMissingToken  = errors.New("backend: missing identity token")
	ErrUnauthorized  = errors.New("backend: token rejected")
	ErrNotConfigured = errors.New("backend: base url not configured")
)

// StatusError is returned for non-2xx responses other than 401/403.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Options 配置 REST 客户端
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg config.BackendConfig) Options {
	return Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		RPS:     cfg.RPS,
		Burst:   cfg.Burst,
	}
}

// Client talks to the REST collaborators on behalf of the session identity.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client. The token is set later through SetToken.
func New(opts Options, logger *zap.Logger) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.OrNop(logger).Named("backend"),
	}
}

// SetToken binds the client to an identity; an empty token unbinds it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListChannels returns the channels visible to the identity with unread counts.
func (c *Client) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	var body struct {
		Channels []chat.Channel `json:"channels"`
	}
	if err := c.getJSON(ctx, "list channels", "/channels", nil, &body); err != nil {
		return nil, err
	}
	for i := range body.Channels {
		if body.Channels[i].Kind == "" {
			body.Channels[i].Kind = chat.ChannelChannel
		}
	}
	return body.Channels, nil
}

// ListDirectMessages returns DM threads with unread counts.
func (c *Client) ListDirectMessages(ctx context.Context) ([]chat.Channel, error) {
	var body struct {
		DirectMessages []chat.Channel `json:"directMessages"`
	}
	if err := c.getJSON(ctx, "list direct messages", "/direct-messages", nil, &body); err != nil {
		return nil, err
	}
	for i := range body.DirectMessages {
		body.DirectMessages[i].Kind = chat.ChannelDM
	}
	return body.DirectMessages, nil
}

// UnreadCounts merges channel and DM listings into channel id -> count.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	channels, err := c.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	dms, err := c.ListDirectMessages(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(channels)+len(dms))
	for _, ch := range channels {
		counts[ch.ID] = ch.UnreadCount
	}
	for _, dm := range dms {
		counts[dm.ID] = dm.UnreadCount
	}
	return counts, nil
}

// FetchHistory returns up to limit confirmed messages older than before
// (empty before means latest). limit is clamped to [1, MaxHistoryLimit].
func (c *Client) FetchHistory(ctx context.Context, channelID string, limit int, before string) ([]chat.Message, error) {
	if channelID == "" {
		return nil, errors.New("backend: channel id is required")
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(ClampLimit(limit)))
	if before != "" {
		q.Set("before", before)
	}

	var body struct {
		Messages []event.WireMessage `json:"messages"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.getJSON(ctx, "fetch history", path, q, &body); err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(body.Messages))
	for _, w := range body.Messages {
		if w.ChannelID == "" {
			w.ChannelID = channelID
		}
		out = append(out, w.ToMessage())
	}
	return out, nil
}

// ClampLimit applies the history page size bounds.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// UploadAttachment stores a file and returns its descriptor. The storage
// itself is owned by the backend.
func (c *Client) UploadAttachment(ctx context.Context, channelID, filename string, r io.Reader) (chat.Attachment, error) {
	if channelID == "" {
		return chat.Attachment{}, errors.New("backend: channel id is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return chat.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return chat.Attachment{}, fmt.Errorf("close multipart: %w", err)
	}

	var body struct {
		Attachment chat.Attachment `json:"attachment"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/attachments"
	if err := c.do(ctx, "upload attachment", http.MethodPost, path, nil, mw.FormDataContentType(), &buf, &body); err != nil {
		return chat.Attachment{}, err
	}
	if body.Attachment.Filename == "" {
		body.Attachment.Filename = filename
	}
	if body.Attachment.Category == "" {
		body.Attachment.Category = chat.MimeFile
	}
	return body.Attachment, nil
}

// FetchPresence returns the presence snapshot of every visible user.
func (c *Client) FetchPresence(ctx context.Context) ([]presence.Record, error) {
	var body struct {
		Users []struct {
			UserID   string             `json:"userId"`
			Status   presence.Status    `json:"status"`
			Override *presence.Override `json:"override,omitempty"`
			LastSeen time.Time          `json:"lastSeen"`
		} `json:"users"`
	}
	if err := c.getJSON(ctx, "fetch presence", "/presence", nil, &body); err != nil {
		return nil, err
	}

	out := make([]presence.Record, 0, len(body.Users))
	for _, u := range body.Users {
		if u.UserID == "" {
			continue
		}
		out = append(out, presence.Record{
			UserID:   u.UserID,
			Raw:      u.Status,
			Override: u.Override,
			LastSeen: u.LastSeen,
		})
	}
	return out, nil
}

// PushPresence publishes the identity's own status.
func (c *Client) PushPresence(ctx context.Context, status presence.Status) error {
	raw, err := json.Marshal(map[string]presence.Status{"status": status})
	if err != nil {
		return err
	}
	return c.do(ctx, "push presence", http.MethodPut, "/presence", nil, "application/json", bytes.NewReader(raw), nil)
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, q, "", nil, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, contentType string, body io.Reader, out any) error {
	token := c.currentToken()
	if token == "" {
		return ErrMissingToken
	}
	if c.base == "" {
		return ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}

	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("backend %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s status %d", ErrUnauthorized, op, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s: decode response: %w", op, err)
	}
	return nil
}
