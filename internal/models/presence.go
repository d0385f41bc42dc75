package models

import "time"

// TypingState is ephemeral and keyed by chatId+userId. "Not typing" is
// represented by document absence, never by a false flag, so subscribers
// don't need to distinguish "never typed" from "stopped typing".
type TypingState struct {
	ChatID    string    `bson:"chatId" json:"chat_id"`
	UserID    string    `bson:"userId" json:"user_id"`
	IsTyping  bool      `bson:"isTyping" json:"is_typing"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// TypingDocID keys the typing collection.
func TypingDocID(chatID, userID string) string {
	return chatID + "_" + userID
}

// PresenceState is keyed by userId and owned exclusively by that user.
type PresenceState struct {
	UserID   string    `bson:"userId" json:"user_id"`
	IsOnline bool      `bson:"isOnline" json:"is_online"`
	LastSeen time.Time `bson:"lastSeen" json:"last_seen"`
}
