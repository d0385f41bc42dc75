// Package chat is the real-time messaging core: chat identity, the message
// pipeline, unread accounting, typing/presence signaling, reactions and the
// populated chat-list projection. All state lives in the document store;
// the only in-process state is advisory (typing timers, presence cache).
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/notify"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/amoura-app/amoura-backend/internal/users"
	"github.com/google/uuid"
)

const (
	colChats    = "chats"
	colMessages = "messages"
	colTyping   = "typing"
	colPresence = "presence"
)

// DefaultTypingTTL is how long a typing signal lives without refresh.
const DefaultTypingTTL = 3 * time.Second

// Service is the messaging core, constructed once per process and passed
// by reference to whatever needs it.
type Service struct {
	store    store.Store
	users    users.Store
	notifier notify.Dispatcher

	typingTTL time.Duration

	mu           sync.Mutex
	typingTimers map[string]*time.Timer

	presenceMu sync.RWMutex
	presence   map[string]models.PresenceState
}

type Option func(*Service)

// WithTypingTTL overrides the typing auto-expiry window.
func WithTypingTTL(d time.Duration) Option {
	return func(s *Service) { s.typingTTL = d }
}

func New(st store.Store, us users.Store, n notify.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:        st,
		users:        us,
		notifier:     n,
		typingTTL:    DefaultTypingTTL,
		typingTimers: make(map[string]*time.Timer),
		presence:     make(map[string]models.PresenceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateChat derives the deterministic direct-chat id for the pair and
// creates the chat record if it does not exist yet. Safe under concurrent
// first contact from both sides: the check-then-create runs inside a store
// transaction, so N concurrent callers converge on exactly one record.
func (s *Service) GetOrCreateChat(ctx context.Context, userA, userB string) (string, error) {
	if userA == "" || userB == "" || userA == userB {
		return "", ErrInvalidArgument
	}
	chatID := models.DirectChatID(userA, userB)

	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var existing models.Chat
		err := tx.Get(colChats, chatID, &existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNoDocument) {
			return err
		}
		now := time.Now().UTC()
		chat := models.Chat{
			ParticipantIDs: []string{userA, userB},
			ChatType:       models.ChatTypeDirect,
			LastActivity:   now,
			UnreadCount:    map[string]int64{userA: 0, userB: 0},
			IsActive:       true,
			CreatedAt:      now,
		}
		return tx.Set(colChats, chatID, chat)
	})
	if err != nil {
		return "", storageErr(err)
	}
	return chatID, nil
}

// CreateGroupChat creates a group chat with a fresh id.
func (s *Service) CreateGroupChat(ctx context.Context, participantIDs []string) (string, error) {
	if len(participantIDs) < 2 {
		return "", ErrInvalidArgument
	}
	seen := make(map[string]struct{}, len(participantIDs))
	unread := make(map[string]int64, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			return "", ErrInvalidArgument
		}
		if _, dup := seen[id]; dup {
			return "", ErrInvalidArgument
		}
		seen[id] = struct{}{}
		unread[id] = 0
	}

	chatID := "group_" + uuid.New().String()
	now := time.Now().UTC()
	chat := models.Chat{
		ParticipantIDs: participantIDs,
		ChatType:       models.ChatTypeGroup,
		LastActivity:   now,
		UnreadCount:    unread,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := s.store.Set(ctx, colChats, chatID, chat); err != nil {
		return "", storageErr(err)
	}
	return chatID, nil
}

// GetChat loads a chat the user participates in.
func (s *Service) GetChat(ctx context.Context, chatID, userID string) (models.Chat, error) {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, ErrUnauthorized
	}
	return chat, nil
}

// DeleteChat soft-deletes: isActive is flipped off, the record and its
// messages stay.
func (s *Service) DeleteChat(ctx context.Context, chatID, userID string) error {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return ErrUnauthorized
	}
	return storageErr(s.store.Update(ctx, colChats, chatID, store.Fields{"isActive": false}))
}

func (s *Service) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, ErrInvalidArgument
	}
	var chat models.Chat
	if err := s.store.Get(ctx, colChats, chatID, &chat); err != nil {
		return models.Chat{}, storageErr(err)
	}
	chat.ID = chatID
	return chat, nil
}
