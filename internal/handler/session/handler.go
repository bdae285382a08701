// Package session exposes the connection, presence and per-surface state of
// the running sync engine.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/presence"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/backend"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/engine"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/membership"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// DefaultJoinTimeout bounds how long a join request waits for channel_joined.
const DefaultJoinTimeout = 10 * time.Second

// Engine 是会话处理器依赖的引擎能力
type Engine interface {
	Status() transport.Status
	Presence(userID string) presence.Record
	SetPresence(ctx context.Context, status presence.Status) error
	Channels() []chat.Channel
	Surfaces() []string
	JoinChannel(ctx context.Context, surfaceID, channelID string) error
	LeaveChannel(surfaceID, channelID string) error
	Unread(surfaceID string) (map[string]int, error)
	ResyncUnread(ctx context.Context, surfaceID, channelID string) error
	MarkRead(surfaceID, channelID string) error
}

// Handler 会话状态的HTTP处理器
type Handler struct {
	engine      Engine
	joinTimeout time.Duration
}

// New 创建会话处理器
func New(engine Engine, joinTimeout time.Duration) *Handler {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Handler{engine: engine, joinTimeout: joinTimeout}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/channels", h.handleListChannels)
	r.Get("/presence/{userID}", h.handleGetPresence)
	r.Put("/presence", h.handleSetPresence)

	r.Route("/surfaces", func(r chi.Router) {
		r.Get("/", h.handleListSurfaces)
		r.Get("/{surfaceID}/unread", h.handleUnread)
		r.Post("/{surfaceID}/unread/resync", h.handleResync)
		r.Post("/{surfaceID}/channels/{channelID}", h.handleJoin)
		r.Delete("/{surfaceID}/channels/{channelID}", h.handleLeave)
		r.Post("/{surfaceID}/channels/{channelID}/read", h.handleMarkRead)
	})
}

// handleStatus 返回连接状态与当前传输方式
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"channels": h.engine.Channels()})
}

// handleGetPresence 返回用户的有效在线状态
func (h *Handler) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	rec := h.engine.Presence(chi.URLParam(r, "userID"))
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"userId":   rec.UserID,
		"status":   rec.Status(),
		"raw":      rec.Raw,
		"override": rec.Override,
		"hidden":   rec.Hidden(),
		"lastSeen": rec.LastSeen,
	})
}

// handleSetPresence 设置本人在线状态
func (h *Handler) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status presence.Status `json:"status"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !payload.Status.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := h.engine.SetPresence(r.Context(), payload.Status); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSurfaces(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"surfaces": h.engine.Surfaces()})
}

// handleUnread 返回某个界面的未读计数
func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	surfaceID := chi.URLParam(r, "surfaceID")
	counts, err := h.engine.Unread(surfaceID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"surfaceId": surfaceID, "counts": counts})
}

// handleResync 用服务端计数覆盖本地计数
func (h *Handler) handleResync(w http.ResponseWriter, r *http.Request) {
	surfaceID := chi.URLParam(r, "surfaceID")
	if err := h.engine.ResyncUnread(r.Context(), surfaceID, r.URL.Query().Get("channelId")); err != nil {
		respondError(w, err)
		return
	}
	h.handleUnread(w, r)
}

// handleJoin 以某个界面的身份加入频道，等待服务端确认
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.joinTimeout)
	defer cancel()

	surfaceID, channelID := chi.URLParam(r, "surfaceID"), chi.URLParam(r, "channelID")
	if err := h.engine.JoinChannel(ctx, surfaceID, channelID); err != nil {
		respondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"surfaceId":  surfaceID,
		"channelId":  channelID,
		"membership": string(chat.MembershipJoined),
	})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.LeaveChannel(chi.URLParam(r, "surfaceID"), chi.URLParam(r, "channelID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.MarkRead(chi.URLParam(r, "surfaceID"), chi.URLParam(r, "channelID")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError 将引擎错误映射为HTTP状态码
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *backend.StatusError
	switch {
	case errors.Is(err, engine.ErrSurfaceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, membership.ErrChannelRequired):
		status = http.StatusBadRequest
	case errors.Is(err, membership.ErrJoinFailed):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, membership.ErrDisconnected), errors.Is(err, engine.ErrClosed),
		errors.Is(err, backend.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrUnauthorized), errors.Is(err, backend.ErrMissingToken):
		status = http.StatusUnauthorized
	case errors.As(err, &se):
		status = http.StatusBadGateway
	}
	utils.RespondError(w, status, err.Error())
}
