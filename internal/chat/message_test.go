package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendText(t *testing.T, env *testEnv, chatID, sender, receiver, content string) string {
	t.Helper()
	id, err := env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID:     chatID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Type:       models.MessageTypeText,
	})
	require.NoError(t, err)
	return id
}

func TestSendMessageHappyPath(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	msgID := sendText(t, env, chatID, "u1", "u2", "hola")

	var msg models.Message
	require.NoError(t, env.store.Get(context.Background(), "messages", msgID, &msg))
	assert.Equal(t, chatID, msg.ChatID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "u2", msg.ReceiverID)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.False(t, msg.Read)
	assert.False(t, msg.Timestamp.IsZero())

	c, err := env.svc.GetChat(context.Background(), chatID, "u1")
	require.NoError(t, err)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "hola", c.LastMessage.PreviewText)
	assert.Equal(t, "u1", c.LastMessage.SenderID)
	assert.Equal(t, int64(1), c.UnreadCount["u2"])
	assert.Equal(t, int64(0), c.UnreadCount["u1"])

	sent := env.notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "u2", sent[0].RecipientID)
	assert.Equal(t, "User u1", sent[0].SenderName)
	assert.Equal(t, "hola", sent[0].PreviewText)
}

func TestSendMessageClearsSenderTyping(t *testing.T) {
	env := newTestEnv(t, chat.WithTypingTTL(time.Minute))
	chatID := env.mustChat(t, "u1", "u2")

	require.NoError(t, env.svc.SetTyping(context.Background(), chatID, "u1", true))
	sendText(t, env, chatID, "u1", "u2", "ya llegué")

	var ts models.TypingState
	err := env.store.Get(context.Background(), "typing", models.TypingDocID(chatID, "u1"), &ts)
	assert.ErrorIs(t, err, store.ErrNoDocument, "typing doc should be deleted by the send")
}

func TestSendMessageContentSizeBoundary(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	// Exactly at the limit succeeds.
	sendText(t, env, chatID, "u1", "u2", strings.Repeat("a", 10240))

	// One byte over fails before any write.
	_, err := env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID:     chatID,
		SenderID:   "u1",
		ReceiverID: "u2",
		Content:    strings.Repeat("a", 10241),
		Type:       models.MessageTypeText,
	})
	assert.ErrorIs(t, err, chat.ErrContentTooLarge)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")
	ctx := context.Background()

	_, err := env.svc.SendMessage(ctx, chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u2", Type: models.MessageTypeText,
	})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument, "empty content")

	_, err = env.svc.SendMessage(ctx, chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u2", Content: "x", Type: "carrier-pigeon",
	})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument, "unknown type")

	_, err = env.svc.SendMessage(ctx, chat.SendMessageInput{
		ChatID: chatID, SenderID: "u3", ReceiverID: "u1", Content: "x", Type: models.MessageTypeText,
	})
	assert.ErrorIs(t, err, chat.ErrUnauthorized, "non-participant sender")

	_, err = env.svc.SendMessage(ctx, chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u3", Content: "x", Type: models.MessageTypeText,
	})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument, "receiver not a participant")
}

func TestSendMessageMediaMetadata(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")
	ctx := context.Background()

	send := func(msgType models.MessageType, md *models.MessageMetadata) error {
		_, err := env.svc.SendMessage(ctx, chat.SendMessageInput{
			ChatID: chatID, SenderID: "u1", ReceiverID: "u2",
			Content: "ref://object", Type: msgType, Metadata: md,
		})
		return err
	}

	assert.NoError(t, send(models.MessageTypeImage, &models.MessageMetadata{
		FileType: "image/png", FileSize: 1 << 20,
	}))
	assert.ErrorIs(t, send(models.MessageTypeImage, &models.MessageMetadata{
		FileType: "image/tiff",
	}), chat.ErrUnsupportedMediaType)
	assert.ErrorIs(t, send(models.MessageTypeAudio, &models.MessageMetadata{
		FileType: "video/mp4",
	}), chat.ErrUnsupportedMediaType)
	assert.ErrorIs(t, send(models.MessageTypeFile, &models.MessageMetadata{
		FileSize: 50<<20 + 1,
	}), chat.ErrUnsupportedMediaType)
	// Generic files are unrestricted by declared type, only by size.
	assert.NoError(t, send(models.MessageTypeFile, &models.MessageMetadata{
		FileType: "application/zip", FileSize: 50 << 20,
	}))
}

func TestSendMessagePartialFailureKeepsBody(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	// Fail the chat bookkeeping update; the message append and the
	// failed-status fallback write must still go through.
	env.store.Intercept = func(op, collection, id string) error {
		if op == "update" && collection == "chats" {
			return store.ErrUnavailable
		}
		return nil
	}
	defer func() { env.store.Intercept = nil }()

	msgID, err := env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u2",
		Content: "no te pierdas", Type: models.MessageTypeText,
	})
	require.ErrorIs(t, err, chat.ErrPartialSendFailure)
	require.NotEmpty(t, msgID, "caller needs the id to retry this message")

	var msg models.Message
	require.NoError(t, env.store.Get(context.Background(), "messages", msgID, &msg))
	assert.Equal(t, "no te pierdas", msg.Content, "body must survive bookkeeping failure")
	assert.Equal(t, models.MessageStatusFailed, msg.Status)
}

func TestSendMessageAppendFailureIsSendFailed(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	env.store.Intercept = func(op, collection, id string) error {
		if op == "add" && collection == "messages" {
			return store.ErrUnavailable
		}
		return nil
	}
	defer func() { env.store.Intercept = nil }()

	_, err := env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u2",
		Content: "x", Type: models.MessageTypeText,
	})
	assert.ErrorIs(t, err, chat.ErrSendFailed)
}

func TestSendMessageNotifierFailureDoesNotFailSend(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("push service down")
	chatID := env.mustChat(t, "u1", "u2")

	sendText(t, env, chatID, "u1", "u2", "sigue en pie")
}

func TestGroupSendBroadcastsToAllOthers(t *testing.T) {
	env := newTestEnv(t)
	chatID, err := env.svc.CreateGroupChat(context.Background(), []string{"u1", "u2", "u3"})
	require.NoError(t, err)

	_, err = env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID: chatID, SenderID: "u2", Content: "hola a todos", Type: models.MessageTypeText,
	})
	require.NoError(t, err)

	c, err := env.svc.GetChat(context.Background(), chatID, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.UnreadCount["u1"])
	assert.Equal(t, int64(0), c.UnreadCount["u2"])
	assert.Equal(t, int64(1), c.UnreadCount["u3"])

	recipients := make(map[string]bool)
	for _, n := range env.notifier.notifications() {
		recipients[n.RecipientID] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "u3": true}, recipients)
}

func TestUpdateMessageStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")
	msgID := sendText(t, env, chatID, "u1", "u2", "estado")
	ctx := context.Background()

	status := func() models.MessageStatus {
		var msg models.Message
		require.NoError(t, env.store.Get(ctx, "messages", msgID, &msg))
		return msg.Status
	}

	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusDelivered))
	assert.Equal(t, models.MessageStatusDelivered, status())

	// Regression along the happy path is a silent no-op.
	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusSent))
	assert.Equal(t, models.MessageStatusDelivered, status())

	// Idempotent.
	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusDelivered))
	assert.Equal(t, models.MessageStatusDelivered, status())

	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusRead))
	assert.Equal(t, models.MessageStatusRead, status())

	// Illegal branch transitions are rejected.
	err := env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusRetrying)
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestRetryBranch(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	env.store.Intercept = func(op, collection, id string) error {
		if op == "update" && collection == "chats" {
			return store.ErrUnavailable
		}
		return nil
	}
	msgID, err := env.svc.SendMessage(context.Background(), chat.SendMessageInput{
		ChatID: chatID, SenderID: "u1", ReceiverID: "u2",
		Content: "reintento", Type: models.MessageTypeText,
	})
	require.ErrorIs(t, err, chat.ErrPartialSendFailure)
	env.store.Intercept = nil

	ctx := context.Background()
	// Caller-driven retry: failed → retrying → sent.
	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusRetrying))
	require.NoError(t, env.svc.UpdateMessageStatus(ctx, chatID, msgID, models.MessageStatusSent))

	var msg models.Message
	require.NoError(t, env.store.Get(ctx, "messages", msgID, &msg))
	assert.Equal(t, models.MessageStatusSent, msg.Status)
}

func TestEditMessage(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")
	msgID := sendText(t, env, chatID, "u1", "u2", "tyop")
	ctx := context.Background()

	require.NoError(t, env.svc.EditMessage(ctx, chatID, msgID, "u1", "typo"))

	var msg models.Message
	require.NoError(t, env.store.Get(ctx, "messages", msgID, &msg))
	assert.Equal(t, "typo", msg.Content)
	assert.True(t, msg.Edited)
	require.NotNil(t, msg.EditedAt)

	assert.ErrorIs(t, env.svc.EditMessage(ctx, chatID, msgID, "u2", "hacked"), chat.ErrUnauthorized)
	assert.ErrorIs(t, env.svc.EditMessage(ctx, chatID, "nope", "u1", "x"), chat.ErrNotFound)
}

func TestGetMessagesPagination(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		sendText(t, env, chatID, "u1", "u2", "m"+string(rune('0'+i)))
		time.Sleep(2 * time.Millisecond) // distinct timestamps
	}

	page1, hasMore, err := env.svc.GetMessages(ctx, chatID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.True(t, hasMore)
	// Oldest-first within the page, page holds the newest messages.
	assert.Equal(t, "m4", page1[0].Content)
	assert.Equal(t, "m6", page1[2].Content)

	before := page1[0].Timestamp
	page2, hasMore, err := env.svc.GetMessages(ctx, chatID, &before, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.True(t, hasMore)
	assert.Equal(t, "m1", page2[0].Content)
	assert.Equal(t, "m3", page2[2].Content)

	before = page2[0].Timestamp
	page3, hasMore, err := env.svc.GetMessages(ctx, chatID, &before, 3)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.False(t, hasMore)
	assert.Equal(t, "m0", page3[0].Content)
}

func TestSubscribeToMessages(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	snapshots := make(chan []models.Message, 16)
	unsub, err := env.svc.SubscribeToMessages(chatID, func(msgs []models.Message) {
		snapshots <- msgs
	}, func(err error) { t.Errorf("unexpected stream error: %v", err) })
	require.NoError(t, err)
	defer unsub()

	initial := waitFor(t, snapshots, "initial snapshot")
	assert.Empty(t, initial)

	sendText(t, env, chatID, "u1", "u2", "primero")

	// The send mutates the message twice (append, then status flip);
	// drain until the snapshot settles on status "sent".
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msgs := <-snapshots:
			if len(msgs) == 1 && msgs[0].Status == models.MessageStatusSent {
				assert.Equal(t, "primero", msgs[0].Content)
				return
			}
		case <-deadline:
			t.Fatal("never observed the sent message in the stream")
		}
	}
}
