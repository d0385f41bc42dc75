package models

import "time"

// MessageType is the content variant of a message. Binary types carry a
// reference in metadata, never the bytes themselves.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeGif      MessageType = "gif"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
	MessageTypeEmoji    MessageType = "emoji"
)

// MessageStatus is the delivery state machine:
// sending → sent → delivered → read, with the failure branch
// sending/sent → failed → retrying → sent. Transitions are monotonic; a
// message never regresses from delivered to sent.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusRetrying  MessageStatus = "retrying"
)

// statusRank orders the happy path for monotonicity checks.
var statusRank = map[MessageStatus]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanTransition reports whether moving from → to is a legal status change.
// Setting the same status again is always legal (idempotent setter).
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case MessageStatusSending:
		return to == MessageStatusSent || to == MessageStatusFailed
	case MessageStatusSent:
		return to == MessageStatusDelivered || to == MessageStatusRead || to == MessageStatusFailed
	case MessageStatusDelivered:
		return to == MessageStatusRead
	case MessageStatusFailed:
		return to == MessageStatusRetrying
	case MessageStatusRetrying:
		return to == MessageStatusSent || to == MessageStatusFailed
	}
	return false
}

// IsRegression reports whether to sits behind from on the happy path, in
// which case the setter treats the call as a no-op rather than an error.
func IsRegression(from, to MessageStatus) bool {
	fr, fok := statusRank[from]
	tr, tok := statusRank[to]
	return fok && tok && tr < fr
}

// Message is one flat document per message; a flat collection keyed by
// chatId scales better than per-chat subdocuments and keeps pagination a
// single indexed query.
type Message struct {
	ID         string            `bson:"_id,omitempty" json:"id"`
	ChatID     string            `bson:"chatId" json:"chat_id"`
	SenderID   string            `bson:"senderId" json:"sender_id"`
	ReceiverID string            `bson:"receiverId,omitempty" json:"receiver_id,omitempty"`
	Content    string            `bson:"content" json:"content"`
	Type       MessageType       `bson:"type" json:"type"`
	Timestamp  time.Time         `bson:"timestamp" json:"timestamp"`
	Status     MessageStatus     `bson:"status" json:"status"`
	Read       bool              `bson:"read" json:"read"`
	ReadBy     []string          `bson:"readBy,omitempty" json:"read_by,omitempty"`
	Edited     bool              `bson:"edited,omitempty" json:"edited,omitempty"`
	EditedAt   *time.Time        `bson:"editedAt,omitempty" json:"edited_at,omitempty"`
	ReplyTo    string            `bson:"replyTo,omitempty" json:"reply_to,omitempty"`
	Reactions  map[string]string `bson:"reactions,omitempty" json:"reactions,omitempty"`
	Metadata   *MessageMetadata  `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// MessageMetadata carries type-specific attributes. Every field is
// optional and omitted from the persisted document when absent.
type MessageMetadata struct {
	FileName  string   `bson:"fileName,omitempty" json:"file_name,omitempty"`
	FileSize  int64    `bson:"fileSize,omitempty" json:"file_size,omitempty"`
	FileType  string   `bson:"fileType,omitempty" json:"file_type,omitempty"`
	Duration  float64  `bson:"duration,omitempty" json:"duration,omitempty"`
	Latitude  *float64 `bson:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude *float64 `bson:"longitude,omitempty" json:"longitude,omitempty"`
	Thumbnail string   `bson:"thumbnail,omitempty" json:"thumbnail,omitempty"`
}

const previewMaxRunes = 60

// Preview returns the short chat-list summary for a message. Non-text
// types get a type-appropriate label instead of their content.
func Preview(msgType MessageType, content string) string {
	switch msgType {
	case MessageTypeImage:
		return "📷 Imagen"
	case MessageTypeGif:
		return "GIF"
	case MessageTypeAudio:
		return "🎵 Audio"
	case MessageTypeFile:
		return "📎 Archivo"
	case MessageTypeLocation:
		return "📍 Ubicación"
	default:
		runes := []rune(content)
		if len(runes) > previewMaxRunes {
			return string(runes[:previewMaxRunes]) + "…"
		}
		return content
	}
}
