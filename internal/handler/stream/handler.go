package stream

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/event"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/router"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

const (
	// DefaultHeartbeat keeps idle streams from being cut by proxies.
	DefaultHeartbeat = 15 * time.Second
	bufferSize       = 64
)

// Subscriber attaches a handler to every routed event.
type Subscriber interface {
	Subscribe(subscriberID string, h router.Handler) func()
}

// Handler streams routed events to diagnostic clients via Server-Sent Events
type Handler struct {
	events    Subscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

// New creates a new stream handler
func New(events Subscriber, heartbeat time.Duration, logger *zap.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		events:    events,
		heartbeat: heartbeat,
		logger:    logging.OrNop(logger).Named("handler.stream"),
	}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

// handleEvents 以SSE推送事件，可用 ?types=a,b 过滤
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseTypes(r.URL.Query().Get("types"))
	subscriberID := "sse:" + uuid.NewString()
	queue := make(chan event.Envelope, bufferSize)
	var dropped atomic.Int64

	// runs on the router goroutine and must never block it
	unsubscribe := h.events.Subscribe(subscriberID, func(env event.Envelope) {
		if len(filter) > 0 && !filter[env.Type] {
			return
		}
		select {
		case queue <- env:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "stream established"); err != nil {
		return
	}
	h.logger.Debug("stream opened", zap.String("subscriber", subscriberID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream closed", zap.String("subscriber", subscriberID), zap.Int64("dropped", dropped.Load()))
			return
		case env := <-queue:
			if err := utils.SendSSEEvent(w, flusher, env.Type, env); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}
