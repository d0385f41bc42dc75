package models

import (
	"sort"
	"time"
)

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// Chat is the parent document of a message stream. For direct chats the id
// is a pure function of the sorted participant pair, so two users can never
// end up with two distinct chat records.
type Chat struct {
	ID             string            `bson:"_id,omitempty" json:"id"`
	ParticipantIDs []string          `bson:"participantIds" json:"participant_ids"`
	ChatType       ChatType          `bson:"chatType" json:"chat_type"`
	LastMessage    *LastMessage      `bson:"lastMessage,omitempty" json:"last_message,omitempty"`
	LastActivity   time.Time         `bson:"lastActivity" json:"last_activity"`
	UnreadCount    map[string]int64  `bson:"unreadCount" json:"unread_count"`
	IsActive       bool              `bson:"isActive" json:"is_active"`
	CreatedAt      time.Time         `bson:"createdAt" json:"created_at"`

	// LegacyParticipants mirrors documents written before the
	// participantIds rename. Read-only; new writes never set it.
	LegacyParticipants []string `bson:"participants,omitempty" json:"-"`
}

// LastMessage is the denormalized summary shown in the chat list.
type LastMessage struct {
	PreviewText string      `bson:"previewText" json:"preview_text"`
	SenderID    string      `bson:"senderId" json:"sender_id"`
	Timestamp   time.Time   `bson:"timestamp" json:"timestamp"`
	Type        MessageType `bson:"type" json:"type"`
}

// Participants returns the participant set, falling back to the legacy
// field for pre-migration documents.
func (c *Chat) Participants() []string {
	if len(c.ParticipantIDs) > 0 {
		return c.ParticipantIDs
	}
	return c.LegacyParticipants
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, id := range c.Participants() {
		if id == userID {
			return true
		}
	}
	return false
}

// DirectChatID derives the deterministic id for a direct chat between two
// users, independent of argument order.
func DirectChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "direct_" + pair[0] + "_" + pair[1]
}
