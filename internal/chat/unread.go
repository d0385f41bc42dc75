package chat

import (
	"context"

	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/store"
)

// MarkMessagesAsRead marks every unread message addressed to userID as
// read and resets the user's unread counter. The per-message updates and
// the counter reset are not one transaction; the reset is only issued
// after the message updates so a concurrent send is never swallowed by a
// reset racing ahead of it.
func (s *Service) MarkMessagesAsRead(ctx context.Context, chatID, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return ErrUnauthorized
	}

	q := store.Query{}.
		Where("chatId", store.OpEq, chatID).
		Where("read", store.OpEq, false)
	var msgs []models.Message
	if err := s.store.Query(ctx, colMessages, q, &msgs); err != nil {
		return storageErr(err)
	}

	for _, msg := range msgs {
		if !addressedTo(msg, userID) {
			continue
		}
		if err := s.store.Update(ctx, colMessages, msg.ID, store.Fields{
			"read":   true,
			"readBy": store.ArrayUnion(userID),
		}); err != nil {
			// Leave the counter alone: resetting it while messages are
			// still unread would hide them.
			return storageErr(err)
		}
	}

	return storageErr(s.store.Update(ctx, colChats, chatID, store.Fields{
		"unreadCount." + userID: 0,
	}))
}

// addressedTo reports whether userID is a recipient of the message: the
// explicit receiver for direct messages, everyone but the sender for
// group messages.
func addressedTo(msg models.Message, userID string) bool {
	if msg.ReceiverID != "" {
		return msg.ReceiverID == userID
	}
	return msg.SenderID != userID
}

// GetTotalUnreadCount sums the user's unread counters across all active
// chats they participate in.
func (s *Service) GetTotalUnreadCount(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidArgument
	}
	q := store.Query{}.
		Where("participantIds", store.OpArrayContains, userID).
		Where("isActive", store.OpNotEq, false)
	var chats []models.Chat
	if err := s.store.Query(ctx, colChats, q, &chats); err != nil {
		return 0, storageErr(err)
	}
	var total int64
	for _, c := range chats {
		total += c.UnreadCount[userID]
	}
	return total, nil
}
