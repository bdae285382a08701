package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatsync/internal/logging"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/backend"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/typing"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// maxUploadBytes 附件上传大小上限
const maxUploadBytes = 25 << 20

// Engine 是聊天处理器依赖的引擎能力
type Engine interface {
	Messages(channelID string) []chat.Message
	Send(req chatService.SendRequest) (chat.Message, error)
	SendAttachment(ctx context.Context, channelID, filename string, r io.Reader) (chat.Message, error)
	LoadHistory(ctx context.Context, channelID string, limit int) ([]chat.Message, error)
	LoadOlder(ctx context.Context, channelID string, limit int) ([]chat.Message, error)
	NotifyTyping(channelID string)
	Typists(channelID string) []typing.Typist
	Members(channelID string) []string
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	engine Engine
	logger *zap.Logger
}

// New 创建聊天处理器
func New(engine Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logging.OrNop(logger).Named("handler.chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/channels/{channelID}", func(r chi.Router) {
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/attachments", h.handleUpload)
		r.Post("/history", h.handleLoadHistory)
		r.Get("/typing", h.handleListTypists)
		r.Post("/typing", h.handleTyping)
		r.Get("/members", h.handleListMembers)
	})
}

// handleListMessages 返回本地消息列表（含乐观消息）
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"channelId": channelID,
		"messages":  h.engine.Messages(channelID),
	})
}

// handleSendMessage 乐观发送一条消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message   string           `json:"message"`
		Type      chat.MessageType `json:"type"`
		ReplyToID string           `json:"replyToId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.engine.Send(chatService.SendRequest{
		ChannelID: chi.URLParam(r, "channelID"),
		Body:      payload.Message,
		Type:      payload.Type,
		ReplyToID: payload.ReplyToID,
	})
	if err != nil {
		h.respondSendError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

// handleUpload 上传附件并发送附件消息
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	msg, err := h.engine.SendAttachment(r.Context(), chi.URLParam(r, "channelID"), header.Filename, file)
	if err != nil {
		h.respondSendError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

// handleLoadHistory 拉取历史消息并合并到本地列表
func (h *Handler) handleLoadHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	load := h.engine.LoadHistory
	if r.URL.Query().Get("older") == "true" {
		load = h.engine.LoadOlder
	}
	messages, err := load(r.Context(), channelID, limit)
	if err != nil {
		h.respondSendError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"channelId": channelID,
		"messages":  messages,
	})
}

// handleTyping 记录一次本地输入
func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	h.engine.NotifyTyping(chi.URLParam(r, "channelID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTypists(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"typists": h.engine.Typists(chi.URLParam(r, "channelID")),
	})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"members": h.engine.Members(chi.URLParam(r, "channelID")),
	})
}

// respondSendError 将服务错误映射为HTTP状态码
func (h *Handler) respondSendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatService.ErrChannelRequired), errors.Is(err, chatService.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, chatService.ErrNoBackend), errors.Is(err, backend.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrUnauthorized), errors.Is(err, backend.ErrMissingToken):
		status = http.StatusUnauthorized
	default:
		var se *backend.StatusError
		if errors.As(err, &se) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}
