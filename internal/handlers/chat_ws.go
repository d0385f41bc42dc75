package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/gorilla/websocket"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

// wsClientFrame is what the frontend sends over the socket.
type wsClientFrame struct {
	Type        string                  `json:"type"`
	ChatID      string                  `json:"chat_id,omitempty"`
	ReceiverID  string                  `json:"receiver_id,omitempty"`
	Content     string                  `json:"content,omitempty"`
	ContentType models.MessageType      `json:"content_type,omitempty"`
	ReplyTo     string                  `json:"reply_to,omitempty"`
	Metadata    *models.MessageMetadata `json:"metadata,omitempty"`
	UserIDs     []string                `json:"user_ids,omitempty"`
}

// wsServerFrame is what the gateway pushes to the frontend.
type wsServerFrame struct {
	Type      string                `json:"type"`
	ChatID    string                `json:"chat_id,omitempty"`
	UserID    string                `json:"user_id,omitempty"`
	IsTyping  *bool                 `json:"is_typing,omitempty"`
	MessageID string                `json:"message_id,omitempty"`
	Messages  []models.Message      `json:"messages,omitempty"`
	Chats     []chat.PopulatedChat  `json:"chats,omitempty"`
	Presence  *models.PresenceState `json:"presence,omitempty"`
	Error     string                `json:"error,omitempty"`
	Code      string                `json:"code,omitempty"`
	Timestamp time.Time             `json:"timestamp,omitempty"`
}

// wsSession tracks one WebSocket connection and its live subscriptions.
type wsSession struct {
	userID string
	svc    *chat.Service

	outbound chan wsServerFrame

	mu   sync.Mutex
	subs map[string]store.Unsubscribe
}

// ChatWebSocket serves the realtime gateway. The caller's identity comes
// from the upstream authenticator (X-User-ID header, or user_id query
// param for browser clients).
func (h *ChatHandler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := &wsSession{
		userID:   userID,
		svc:      h.Service,
		outbound: make(chan wsServerFrame, 64),
		subs:     make(map[string]store.Unsubscribe),
	}
	defer sess.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mark user as online; offline on disconnect.
	_ = h.Service.SetOnlineStatus(ctx, userID, userID, true)
	defer func() {
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offCancel()
		_ = h.Service.SetOnlineStatus(offCtx, userID, userID, false)
	}()

	// Writer goroutine: forward frames from subscriptions to the socket.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-sess.outbound:
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		sess.handle(ctx, frame)
	}
}

func (s *wsSession) handle(ctx context.Context, frame wsClientFrame) {
	switch frame.Type {
	case "message":
		s.handleSend(ctx, frame)
	case "typing_start":
		_ = s.svc.SetTyping(ctx, frame.ChatID, s.userID, true)
	case "typing_stop":
		_ = s.svc.SetTyping(ctx, frame.ChatID, s.userID, false)
	case "read":
		if err := s.svc.MarkMessagesAsRead(ctx, frame.ChatID, s.userID); err != nil {
			s.sendError(frame.ChatID, err)
		}
	case "subscribe_messages":
		s.subscribeMessages(frame.ChatID)
	case "unsubscribe_messages":
		s.unsubscribe("messages:" + frame.ChatID)
	case "subscribe_typing":
		s.subscribeTyping(frame.ChatID)
	case "unsubscribe_typing":
		s.unsubscribe("typing:" + frame.ChatID)
	case "subscribe_chats":
		s.subscribeChats()
	case "unsubscribe_chats":
		s.unsubscribe("chats")
	case "subscribe_presence":
		s.subscribePresence(frame.UserIDs)
	case "unsubscribe_presence":
		s.unsubscribe("presence")
	case "ping":
		// Refresh presence.
		_ = s.svc.SetOnlineStatus(ctx, s.userID, s.userID, true)
	default:
		// Ignore unknown types.
	}
}

func (s *wsSession) handleSend(ctx context.Context, frame wsClientFrame) {
	msgType := frame.ContentType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	messageID, err := s.svc.SendMessage(ctx, chat.SendMessageInput{
		ChatID:     frame.ChatID,
		SenderID:   s.userID,
		ReceiverID: frame.ReceiverID,
		Content:    frame.Content,
		Type:       msgType,
		ReplyTo:    frame.ReplyTo,
		Metadata:   frame.Metadata,
	})
	if err != nil {
		s.push(wsServerFrame{
			Type:      "send_error",
			ChatID:    frame.ChatID,
			MessageID: messageID,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	// Acknowledge specifically to the sender; the message itself arrives
	// through the message subscription.
	s.push(wsServerFrame{
		Type:      "message_ack",
		ChatID:    frame.ChatID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	})
}

func (s *wsSession) subscribeMessages(chatID string) {
	key := "messages:" + chatID
	unsub, err := s.svc.SubscribeToMessages(chatID, func(msgs []models.Message) {
		s.push(wsServerFrame{Type: "messages", ChatID: chatID, Messages: msgs})
	}, func(err error) {
		s.sendStreamError(key, err)
	})
	if err != nil {
		s.sendError(chatID, err)
		return
	}
	s.track(key, unsub)
}

func (s *wsSession) subscribeTyping(chatID string) {
	key := "typing:" + chatID
	unsub, err := s.svc.SubscribeToTyping(chatID, func(userID string, isTyping bool) {
		if userID == s.userID {
			return
		}
		t := isTyping
		s.push(wsServerFrame{Type: "typing", ChatID: chatID, UserID: userID, IsTyping: &t})
	}, func(err error) {
		s.sendStreamError(key, err)
	})
	if err != nil {
		s.sendError(chatID, err)
		return
	}
	s.track(key, unsub)
}

func (s *wsSession) subscribeChats() {
	unsub, err := s.svc.SubscribeToUserChatsPopulated(s.userID, func(chats []chat.PopulatedChat) {
		s.push(wsServerFrame{Type: "chats", Chats: chats})
	}, func(err error) {
		s.sendStreamError("chats", err)
	})
	if err != nil {
		s.sendError("", err)
		return
	}
	s.track("chats", unsub)
}

func (s *wsSession) subscribePresence(userIDs []string) {
	unsub, err := s.svc.SubscribeToOnlineStatus(userIDs, func(state models.PresenceState) {
		st := state
		s.push(wsServerFrame{Type: "presence", UserID: state.UserID, Presence: &st})
	}, func(err error) {
		s.sendStreamError("presence", err)
	})
	if err != nil {
		s.sendError("", err)
		return
	}
	s.track("presence", unsub)
}

// track registers a subscription, replacing (and tearing down) any prior
// one under the same key.
func (s *wsSession) track(key string, unsub store.Unsubscribe) {
	s.mu.Lock()
	prev := s.subs[key]
	s.subs[key] = unsub
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *wsSession) unsubscribe(key string) {
	s.mu.Lock()
	unsub := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *wsSession) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]store.Unsubscribe)
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// push is a non-blocking best-effort send; a slow consumer drops frames
// rather than stalling every subscription callback.
func (s *wsSession) push(frame wsServerFrame) {
	select {
	case s.outbound <- frame:
	default:
		log.Printf("ws: dropping %s frame for slow consumer %s", frame.Type, s.userID)
	}
}

func (s *wsSession) sendError(chatID string, err error) {
	s.push(wsServerFrame{
		Type:      "error",
		ChatID:    chatID,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// sendStreamError tells the client a specific stream broke and needs to be
// re-established, distinct from a request error.
func (s *wsSession) sendStreamError(stream string, err error) {
	s.push(wsServerFrame{
		Type:      "stream_error",
		Code:      stream,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}
