package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/notify"
	"github.com/amoura-app/amoura-backend/internal/store"
)

const (
	// maxTextBytes bounds inline content (text / emoji messages).
	maxTextBytes = 10 * 1024
	// maxFileBytes bounds the declared size of referenced binary content.
	maxFileBytes = 50 * 1024 * 1024

	defaultPageSize = 50
	maxPageSize     = 100
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

var allowedAudioTypes = map[string]struct{}{
	"audio/mpeg": {},
	"audio/mp4":  {},
	"audio/aac":  {},
	"audio/ogg":  {},
	"audio/webm": {},
	"audio/wav":  {},
}

// SendMessageInput is everything the pipeline needs to create a message.
// ReceiverID is required for direct chats; group messages broadcast to all
// other participants.
type SendMessageInput struct {
	ChatID     string
	SenderID   string
	ReceiverID string
	Content    string
	Type       models.MessageType
	ReplyTo    string
	Metadata   *models.MessageMetadata
}

// SendMessage validates, persists and tracks the delivery state of a new
// message. On success the message is stored with status "sent", the parent
// chat summary and unread counters are updated, the sender's typing signal
// is cleared, and a notification request is triggered best-effort.
//
// The message append and the bookkeeping are deliberately NOT one
// transaction: for a high-fan-out chat that would serialize every send on
// the chat document. If bookkeeping fails after the append, the message is
// flagged failed rather than lost, and ErrPartialSendFailure tells the
// caller to offer a retry.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (string, error) {
	if err := validateSend(in); err != nil {
		return "", err
	}

	chat, err := s.loadChat(ctx, in.ChatID)
	if err != nil {
		return "", err
	}
	if !chat.HasParticipant(in.SenderID) {
		return "", ErrUnauthorized
	}
	recipients, err := resolveRecipients(chat, in)
	if err != nil {
		return "", err
	}

	msg := models.Message{
		ChatID:     in.ChatID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Type:       in.Type,
		Timestamp:  time.Now().UTC(),
		Status:     models.MessageStatusSending,
		ReplyTo:    in.ReplyTo,
		Metadata:   in.Metadata,
	}

	messageID, err := s.store.Add(ctx, colMessages, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := s.finishSend(ctx, chat, messageID, msg, recipients); err != nil {
		// The body must survive even if bookkeeping did not: flag the
		// stored message failed so the client can retry it.
		if ferr := s.store.Update(ctx, colMessages, messageID, store.Fields{
			"status": models.MessageStatusFailed,
		}); ferr != nil {
			log.Printf("chat: failed-status fallback write for message %s: %v", messageID, ferr)
		}
		return messageID, fmt.Errorf("%w: %v", ErrPartialSendFailure, err)
	}
	return messageID, nil
}

// finishSend runs the post-append bookkeeping in order: chat summary +
// unread increments, typing clear, status flip, notification trigger.
func (s *Service) finishSend(ctx context.Context, chat models.Chat, messageID string, msg models.Message, recipients []string) error {
	fields := store.Fields{
		"lastMessage": models.LastMessage{
			PreviewText: models.Preview(msg.Type, msg.Content),
			SenderID:    msg.SenderID,
			Timestamp:   msg.Timestamp,
			Type:        msg.Type,
		},
		"lastActivity": msg.Timestamp,
	}
	// Atomic per-recipient increments commute across concurrent senders;
	// a read-modify-write here would lose updates.
	for _, r := range recipients {
		fields["unreadCount."+r] = store.Increment(1)
	}
	if err := s.store.Update(ctx, colChats, chat.ID, fields); err != nil {
		return err
	}

	// Typing and "just sent" are mutually exclusive signals.
	if err := s.SetTyping(ctx, chat.ID, msg.SenderID, false); err != nil {
		return err
	}

	if err := s.store.Update(ctx, colMessages, messageID, store.Fields{
		"status": models.MessageStatusSent,
	}); err != nil {
		return err
	}

	s.triggerNotifications(ctx, chat.ID, msg, recipients)
	return nil
}

// triggerNotifications is fire-and-forget: a notification failure is never
// a send failure.
func (s *Service) triggerNotifications(ctx context.Context, chatID string, msg models.Message, recipients []string) {
	senderName := msg.SenderID
	if prof, err := s.users.GetUser(ctx, msg.SenderID); err == nil {
		senderName = prof.Name()
	}
	preview := models.Preview(msg.Type, msg.Content)
	for _, r := range recipients {
		err := s.notifier.CreateMessageNotification(ctx, notify.MessageNotification{
			RecipientID: r,
			SenderID:    msg.SenderID,
			SenderName:  senderName,
			PreviewText: preview,
			ChatID:      chatID,
			Timestamp:   msg.Timestamp,
		})
		if err != nil {
			log.Printf("chat: notification trigger for %s failed: %v", r, err)
		}
	}
}

func validateSend(in SendMessageInput) error {
	if in.ChatID == "" || in.SenderID == "" {
		return ErrInvalidArgument
	}
	if in.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}
	switch in.Type {
	case models.MessageTypeText, models.MessageTypeEmoji:
		if len(in.Content) > maxTextBytes {
			return ErrContentTooLarge
		}
	case models.MessageTypeImage, models.MessageTypeGif, models.MessageTypeAudio,
		models.MessageTypeFile, models.MessageTypeLocation:
		// Binary types carry a reference; the reference itself stays small.
		if len(in.Content) > maxTextBytes {
			return ErrContentTooLarge
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidArgument, in.Type)
	}
	return validateMetadata(in.Type, in.Metadata)
}

func validateMetadata(msgType models.MessageType, md *models.MessageMetadata) error {
	if md == nil {
		return nil
	}
	switch msgType {
	case models.MessageTypeImage, models.MessageTypeAudio, models.MessageTypeFile:
	default:
		return nil
	}
	if md.FileSize > maxFileBytes {
		return ErrUnsupportedMediaType
	}
	if md.FileType != "" {
		switch msgType {
		case models.MessageTypeImage:
			if _, ok := allowedImageTypes[md.FileType]; !ok {
				return ErrUnsupportedMediaType
			}
		case models.MessageTypeAudio:
			if _, ok := allowedAudioTypes[md.FileType]; !ok {
				return ErrUnsupportedMediaType
			}
		}
		// File attachments are unrestricted by type, only by size.
	}
	return nil
}

func resolveRecipients(chat models.Chat, in SendMessageInput) ([]string, error) {
	if chat.ChatType == models.ChatTypeDirect {
		if in.ReceiverID == "" || in.ReceiverID == in.SenderID || !chat.HasParticipant(in.ReceiverID) {
			return nil, ErrInvalidArgument
		}
		return []string{in.ReceiverID}, nil
	}
	var out []string
	for _, id := range chat.Participants() {
		if id != in.SenderID {
			out = append(out, id)
		}
	}
	return out, nil
}

// EditMessage replaces the content of a sender's own text message.
func (s *Service) EditMessage(ctx context.Context, chatID, messageID, userID, content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}
	if len(content) > maxTextBytes {
		return ErrContentTooLarge
	}
	msg, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return ErrUnauthorized
	}
	if msg.Type != models.MessageTypeText && msg.Type != models.MessageTypeEmoji {
		return fmt.Errorf("%w: only text messages can be edited", ErrInvalidArgument)
	}
	now := time.Now().UTC()
	return storageErr(s.store.Update(ctx, colMessages, messageID, store.Fields{
		"content":  content,
		"edited":   true,
		"editedAt": now,
	}))
}

// UpdateMessageStatus is the idempotent status setter callers drive the
// retry branch with (failed → retrying → sent). A regression along the
// happy path is a no-op; an illegal transition is rejected.
func (s *Service) UpdateMessageStatus(ctx context.Context, chatID, messageID string, status models.MessageStatus) error {
	msg, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.Status == status || models.IsRegression(msg.Status, status) {
		return nil
	}
	if !models.CanTransition(msg.Status, status) {
		return fmt.Errorf("%w: status %s → %s", ErrInvalidArgument, msg.Status, status)
	}
	return storageErr(s.store.Update(ctx, colMessages, messageID, store.Fields{
		"status": status,
	}))
}

// GetMessages returns one page of history, oldest-first. The store query
// runs newest-first for index locality and the page is reversed before it
// is returned.
func (s *Service) GetMessages(ctx context.Context, chatID string, before *time.Time, limit int64) ([]models.Message, bool, error) {
	if chatID == "" {
		return nil, false, ErrInvalidArgument
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	q := store.Query{OrderBy: "timestamp", Desc: true, Limit: limit + 1}.
		Where("chatId", store.OpEq, chatID)
	if before != nil {
		q = q.Where("timestamp", store.OpLess, before.UTC())
	}

	var msgs []models.Message
	if err := s.store.Query(ctx, colMessages, q, &msgs); err != nil {
		return nil, false, storageErr(err)
	}

	hasMore := int64(len(msgs)) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// SubscribeToMessages streams the chat's message list in ascending
// timestamp order, re-emitted on every change.
func (s *Service) SubscribeToMessages(chatID string, fn func([]models.Message), onError func(error)) (store.Unsubscribe, error) {
	if chatID == "" {
		return nil, ErrInvalidArgument
	}
	q := store.Query{OrderBy: "timestamp"}.Where("chatId", store.OpEq, chatID)
	return s.store.Subscribe(colMessages, q, func(snap store.Snapshot) {
		msgs := make([]models.Message, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var m models.Message
			if err := doc.Decode(&m); err != nil {
				onError(err)
				return
			}
			msgs = append(msgs, m)
		}
		fn(msgs)
	}, onError)
}

func (s *Service) loadMessage(ctx context.Context, chatID, messageID string) (models.Message, error) {
	if chatID == "" || messageID == "" {
		return models.Message{}, ErrInvalidArgument
	}
	var msg models.Message
	if err := s.store.Get(ctx, colMessages, messageID, &msg); err != nil {
		return models.Message{}, storageErr(err)
	}
	if msg.ChatID != chatID {
		return models.Message{}, ErrNotFound
	}
	msg.ID = messageID
	return msg, nil
}
