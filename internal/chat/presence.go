package chat

import (
	"context"
	"strings"
	"time"

	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/store"
)

// SetTyping publishes or clears the user's typing signal for a chat.
// A true upsert arms (or re-arms) the auto-clear timer; a false deletes
// the document outright — absence is the "not typing" representation.
func (s *Service) SetTyping(ctx context.Context, chatID, userID string, isTyping bool) error {
	if chatID == "" || userID == "" {
		return ErrInvalidArgument
	}
	key := models.TypingDocID(chatID, userID)

	if isTyping {
		state := models.TypingState{
			ChatID:    chatID,
			UserID:    userID,
			IsTyping:  true,
			Timestamp: time.Now().UTC(),
		}
		if err := s.store.Set(ctx, colTyping, key, state); err != nil {
			return storageErr(err)
		}
		s.armTypingClear(key)
		return nil
	}

	s.disarmTypingClear(key)
	return storageErr(s.store.DeleteDoc(ctx, colTyping, key))
}

// armTypingClear schedules the auto-expiry, cancelling any pending clear
// for the same key. The timer is advisory; the delete it fires is what
// subscribers observe.
func (s *Service) armTypingClear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
	}
	s.typingTimers[key] = time.AfterFunc(s.typingTTL, func() {
		s.mu.Lock()
		delete(s.typingTimers, key)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.store.DeleteDoc(ctx, colTyping, key)
	})
}

func (s *Service) disarmTypingClear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
		delete(s.typingTimers, key)
	}
}

// SubscribeToTyping delivers discrete (userID, isTyping) events for one
// chat. Document removal — explicit clear or auto-expiry — surfaces as a
// synthetic isTyping=false, so consumers never poll or guess the timeout.
func (s *Service) SubscribeToTyping(chatID string, fn func(userID string, isTyping bool), onError func(error)) (store.Unsubscribe, error) {
	if chatID == "" {
		return nil, ErrInvalidArgument
	}
	q := store.Query{}.Where("chatId", store.OpEq, chatID)
	return s.store.Subscribe(colTyping, q, func(snap store.Snapshot) {
		for _, ch := range snap.Changes {
			switch ch.Kind {
			case store.ChangeAdded, store.ChangeModified:
				var state models.TypingState
				if err := ch.Decode(&state); err != nil {
					onError(err)
					continue
				}
				fn(state.UserID, state.IsTyping)
			case store.ChangeRemoved:
				fn(strings.TrimPrefix(ch.ID, chatID+"_"), false)
			}
		}
	}, onError)
}

// SetOnlineStatus upserts the subject's presence. Presence is owned
// exclusively by its subject; the store access layer enforces that, and we
// assert it again here before issuing the call.
func (s *Service) SetOnlineStatus(ctx context.Context, actorID, userID string, isOnline bool) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if actorID != userID {
		return ErrUnauthorized
	}
	state := models.PresenceState{
		UserID:   userID,
		IsOnline: isOnline,
		LastSeen: time.Now().UTC(),
	}
	if err := s.store.Set(ctx, colPresence, userID, state); err != nil {
		return storageErr(err)
	}
	s.cachePresence(state)
	return nil
}

// SubscribeToOnlineStatus watches presence for a set of users. Each id gets
// an independent subscription; the returned teardown releases all of them.
func (s *Service) SubscribeToOnlineStatus(userIDs []string, fn func(models.PresenceState), onError func(error)) (store.Unsubscribe, error) {
	if len(userIDs) == 0 {
		return nil, ErrInvalidArgument
	}
	subs := make([]store.Unsubscribe, 0, len(userIDs))
	teardown := func() {
		for _, unsub := range subs {
			unsub()
		}
	}

	for _, userID := range userIDs {
		uid := userID
		q := store.Query{}.Where("_id", store.OpEq, uid)
		unsub, err := s.store.Subscribe(colPresence, q, func(snap store.Snapshot) {
			for _, ch := range snap.Changes {
				switch ch.Kind {
				case store.ChangeAdded, store.ChangeModified:
					var state models.PresenceState
					if err := ch.Decode(&state); err != nil {
						onError(err)
						continue
					}
					s.cachePresence(state)
					fn(state)
				case store.ChangeRemoved:
					state := models.PresenceState{UserID: uid}
					if cached, ok := s.CachedPresence(uid); ok {
						state.LastSeen = cached.LastSeen
					}
					s.cachePresence(state)
					fn(state)
				}
			}
		}, onError)
		if err != nil {
			teardown()
			return nil, storageErr(err)
		}
		subs = append(subs, unsub)
	}
	return teardown, nil
}

// cachePresence keeps the advisory in-process copy; the store stays the
// source of truth.
func (s *Service) cachePresence(state models.PresenceState) {
	s.presenceMu.Lock()
	s.presence[state.UserID] = state
	s.presenceMu.Unlock()
}

// CachedPresence returns the last observed presence for a user, if any.
func (s *Service) CachedPresence(userID string) (models.PresenceState, bool) {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	state, ok := s.presence[userID]
	return state, ok
}
