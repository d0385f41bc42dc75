package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/go-chi/chi/v5"
)

// ChatHandler exposes the messaging core over HTTP. Authentication happens
// upstream; the gateway forwards the caller's identity in X-User-ID.
type ChatHandler struct {
	Service *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{Service: svc}
}

func currentUserID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, chat.ErrInvalidReaction):
		status, code = http.StatusBadRequest, "invalid_reaction"
	case errors.Is(err, chat.ErrContentTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "content_too_large"
	case errors.Is(err, chat.ErrUnsupportedMediaType):
		status, code = http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, chat.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, chat.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrStorageUnavailable):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, chat.ErrSendFailed):
		status, code = http.StatusBadGateway, "send_failed"
	case errors.Is(err, chat.ErrPartialSendFailure):
		status, code = http.StatusInternalServerError, "partial_send_failure"
	}
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"code":    code,
		"message": err.Error(),
	})
}

func requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

type createChatRequest struct {
	OtherUserID    string   `json:"other_user_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
}

// CreateChat gets-or-creates a direct chat, or creates a group chat when
// participant_ids is given.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	ctx, cancel := requestCtx(r)
	defer cancel()

	var chatID string
	var err error
	if len(req.ParticipantIDs) > 0 {
		chatID, err = h.Service.CreateGroupChat(ctx, append([]string{userID}, req.ParticipantIDs...))
	} else {
		chatID, err = h.Service.GetOrCreateChat(ctx, userID, req.OtherUserID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "chat_id": chatID})
}

func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()
	if err := h.Service.DeleteChat(ctx, chi.URLParam(r, "chatID"), currentUserID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type sendMessageRequest struct {
	ReceiverID string                  `json:"receiver_id,omitempty"`
	Content    string                  `json:"content"`
	Type       models.MessageType      `json:"type"`
	ReplyTo    string                  `json:"reply_to,omitempty"`
	Metadata   *models.MessageMetadata `json:"metadata,omitempty"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	ctx, cancel := requestCtx(r)
	defer cancel()

	messageID, err := h.Service.SendMessage(ctx, chat.SendMessageInput{
		ChatID:     chi.URLParam(r, "chatID"),
		SenderID:   currentUserID(r),
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
		ReplyTo:    req.ReplyTo,
		Metadata:   req.Metadata,
	})
	if err != nil {
		// A partial failure still persisted the message; include its id
		// so the client can retry that specific message.
		if errors.Is(err, chat.ErrPartialSendFailure) {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success":    false,
				"code":       "partial_send_failure",
				"message_id": messageID,
				"message":    err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "message_id": messageID})
}

// GetMessages loads paginated history for a chat.
// Query params:
//
//	before (optional RFC3339 timestamp for pagination)
//	limit  (optional, 1-100, default 50)
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := int64(0)
	if lStr := r.URL.Query().Get("limit"); lStr != "" {
		if parsed, err := strconv.ParseInt(lStr, 10, 64); err == nil {
			limit = parsed
		}
	}
	var before *time.Time
	if bStr := r.URL.Query().Get("before"); bStr != "" {
		if t, err := time.Parse(time.RFC3339, bStr); err == nil {
			before = &t
		}
	}

	ctx, cancel := requestCtx(r)
	defer cancel()
	msgs, hasMore, err := h.Service.GetMessages(ctx, chi.URLParam(r, "chatID"), before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": msgs,
		"has_more": hasMore,
	})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	ctx, cancel := requestCtx(r)
	defer cancel()
	err := h.Service.EditMessage(ctx,
		chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"),
		currentUserID(r), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type updateStatusRequest struct {
	Status models.MessageStatus `json:"status"`
}

func (h *ChatHandler) UpdateMessageStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	ctx, cancel := requestCtx(r)
	defer cancel()
	err := h.Service.UpdateMessageStatus(ctx,
		chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) MarkMessagesAsRead(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()
	if err := h.Service.MarkMessagesAsRead(ctx, chi.URLParam(r, "chatID"), currentUserID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) GetTotalUnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()
	total, err := h.Service.GetTotalUnreadCount(ctx, currentUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "total_unread": total})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *ChatHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	ctx, cancel := requestCtx(r)
	defer cancel()
	err := h.Service.AddReaction(ctx,
		chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"),
		currentUserID(r), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ChatHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()
	err := h.Service.RemoveReaction(ctx,
		chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"), currentUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *ChatHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	ctx, cancel := requestCtx(r)
	defer cancel()
	if err := h.Service.SetTyping(ctx, chi.URLParam(r, "chatID"), currentUserID(r), req.IsTyping); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type presenceRequest struct {
	IsOnline bool `json:"is_online"`
}

func (h *ChatHandler) SetOnlineStatus(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrInvalidArgument)
		return
	}
	userID := currentUserID(r)
	ctx, cancel := requestCtx(r)
	defer cancel()
	if err := h.Service.SetOnlineStatus(ctx, userID, userID, req.IsOnline); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
