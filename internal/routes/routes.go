package routes

import (
	"github.com/amoura-app/amoura-backend/internal/handlers"
	"github.com/go-chi/chi/v5"
)

func SetupRoutes(r *chi.Mux, chatHandler *handlers.ChatHandler) {
	// Chat identity
	r.Post("/api/chats", chatHandler.CreateChat)
	r.Delete("/api/chats/{chatID}", chatHandler.DeleteChat)

	// Messages
	r.Get("/api/chats/{chatID}/messages", chatHandler.GetMessages)
	r.Post("/api/chats/{chatID}/messages", chatHandler.SendMessage)
	r.Patch("/api/chats/{chatID}/messages/{messageID}", chatHandler.EditMessage)
	r.Patch("/api/chats/{chatID}/messages/{messageID}/status", chatHandler.UpdateMessageStatus)

	// Unread accounting
	r.Post("/api/chats/{chatID}/read", chatHandler.MarkMessagesAsRead)
	r.Get("/api/unread", chatHandler.GetTotalUnreadCount)

	// Reactions
	r.Post("/api/chats/{chatID}/messages/{messageID}/reactions", chatHandler.AddReaction)
	r.Delete("/api/chats/{chatID}/messages/{messageID}/reactions", chatHandler.RemoveReaction)

	// Typing & presence (HTTP fallbacks; the WebSocket is the usual path)
	r.Post("/api/chats/{chatID}/typing", chatHandler.SetTyping)
	r.Put("/api/presence", chatHandler.SetOnlineStatus)

	// Realtime gateway
	r.Get("/api/ws", chatHandler.ChatWebSocket)
}
