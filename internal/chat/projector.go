package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/amoura-app/amoura-backend/internal/users"
)

// hydrationTimeout bounds the profile lookups done per chat-list emission.
const hydrationTimeout = 10 * time.Second

// PopulatedChat is a chat whose participant ids have been resolved to full
// profiles for display.
type PopulatedChat struct {
	models.Chat
	Profiles []users.Profile `json:"profiles"`
}

// SubscribeToUserChats streams the user's active chats ordered by last
// activity, newest first. The query races the current schema
// (participantIds) against the pre-migration field name (participants):
// the fallback only starts if the primary fails with a permission-class
// error before yielding data, and whichever side yields data first cancels
// the other. This tolerates a schema migration in flight without a
// backfill.
func (s *Service) SubscribeToUserChats(userID string, fn func([]models.Chat), onError func(error)) (store.Unsubscribe, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	onSnapshot := func(snap store.Snapshot) {
		chats := make([]models.Chat, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var c models.Chat
			if err := doc.Decode(&c); err != nil {
				onError(err)
				return
			}
			chats = append(chats, c)
		}
		fn(chats)
	}
	return raceSubscriptions(
		s.userChatsSubscriber("participantIds", userID),
		s.userChatsSubscriber("participants", userID),
		onSnapshot,
		onError,
	)
}

func (s *Service) userChatsSubscriber(participantField, userID string) subscribeFunc {
	q := store.Query{OrderBy: "lastActivity", Desc: true}.
		Where(participantField, store.OpArrayContains, userID).
		Where("isActive", store.OpNotEq, false)
	return func(onSnapshot func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
		return s.store.Subscribe(colChats, q, onSnapshot, onError)
	}
}

// SubscribeToUserChatsPopulated is SubscribeToUserChats with participant
// profiles hydrated. A chat is only emitted once all of its participants
// resolved; partially-hydrated chats are dropped from that emission and
// reappear when hydration succeeds on a later event.
func (s *Service) SubscribeToUserChatsPopulated(userID string, fn func([]PopulatedChat), onError func(error)) (store.Unsubscribe, error) {
	return s.SubscribeToUserChats(userID, func(chats []models.Chat) {
		ctx, cancel := context.WithTimeout(context.Background(), hydrationTimeout)
		defer cancel()
		fn(s.hydrateChats(ctx, chats))
	}, onError)
}

// hydrateChats resolves the union of participant ids across the visible
// chats in bounded batches and assembles the populated view.
func (s *Service) hydrateChats(ctx context.Context, chats []models.Chat) []PopulatedChat {
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range chats {
		for _, id := range c.Participants() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	profiles := s.resolveProfiles(ctx, ids)

	out := make([]PopulatedChat, 0, len(chats))
	for _, c := range chats {
		populated := PopulatedChat{Chat: c}
		complete := true
		for _, id := range c.Participants() {
			prof, ok := profiles[id]
			if !ok {
				complete = false
				break
			}
			populated.Profiles = append(populated.Profiles, prof)
		}
		if complete {
			out = append(out, populated)
		}
	}
	return out
}

// resolveProfiles fetches profiles in batches of at most the store's
// multi-key lookup limit. A failed batch falls back to per-id fetches for
// just that batch rather than failing the whole projection.
func (s *Service) resolveProfiles(ctx context.Context, ids []string) map[string]users.Profile {
	out := make(map[string]users.Profile, len(ids))
	for start := 0; start < len(ids); start += store.BatchLimit {
		end := start + store.BatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		found, err := s.users.GetUsers(ctx, batch)
		if err == nil {
			for id, prof := range found {
				out[id] = prof
			}
			continue
		}
		log.Printf("chat: profile batch lookup failed, retrying individually: %v", err)
		for _, id := range batch {
			prof, err := s.users.GetUser(ctx, id)
			if err != nil {
				if !errors.Is(err, users.ErrNotFound) {
					log.Printf("chat: profile lookup for %s failed: %v", id, err)
				}
				continue
			}
			out[id] = prof
		}
	}
	return out
}

// subscribeFunc abstracts one side of a subscription race.
type subscribeFunc func(onSnapshot func(store.Snapshot), onError func(error)) (store.Unsubscribe, error)

// raceSubscriptions starts primary and, should it fail with a
// permission-class error before any data arrived, starts fallback.
// Whichever subscription first yields data becomes the winner and the
// loser is torn down immediately. The returned teardown is idempotent and
// releases both sides.
func raceSubscriptions(primary, fallback subscribeFunc, onSnapshot func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
	r := &subscriptionRace{onSnapshot: onSnapshot, onError: onError, fallback: fallback}

	unsub, err := primary(r.primarySnapshot, r.primaryError)
	if err != nil {
		if !errors.Is(err, store.ErrPermissionDenied) {
			return nil, err
		}
		if err := r.startFallback(); err != nil {
			return nil, err
		}
	} else {
		r.mu.Lock()
		r.primaryUnsub = unsub
		// The race may already be over if the primary delivered its
		// first snapshot synchronously.
		if r.closed || r.winner == sideFallback {
			unsub()
		}
		r.mu.Unlock()
	}
	return r.teardown, nil
}

const (
	sideNone = iota
	sidePrimary
	sideFallback
)

type subscriptionRace struct {
	onSnapshot func(store.Snapshot)
	onError    func(error)
	fallback   subscribeFunc

	mu              sync.Mutex
	winner          int
	closed          bool
	fallbackStarted bool
	primaryUnsub    store.Unsubscribe
	fallbackUnsub   store.Unsubscribe
}

func (r *subscriptionRace) primarySnapshot(snap store.Snapshot) {
	r.deliver(sidePrimary, snap)
}

func (r *subscriptionRace) fallbackSnapshot(snap store.Snapshot) {
	r.deliver(sideFallback, snap)
}

func (r *subscriptionRace) deliver(side int, snap store.Snapshot) {
	r.mu.Lock()
	if r.closed || (r.winner != sideNone && r.winner != side) {
		r.mu.Unlock()
		return
	}
	first := r.winner == sideNone
	r.winner = side
	var loser store.Unsubscribe
	if first {
		if side == sidePrimary {
			loser = r.fallbackUnsub
			r.fallbackUnsub = nil
		} else {
			loser = r.primaryUnsub
			r.primaryUnsub = nil
		}
	}
	r.mu.Unlock()

	if loser != nil {
		loser()
	}
	r.onSnapshot(snap)
}

func (r *subscriptionRace) primaryError(err error) {
	r.mu.Lock()
	startFallback := r.winner == sideNone && !r.fallbackStarted &&
		!r.closed && errors.Is(err, store.ErrPermissionDenied)
	r.mu.Unlock()

	if !startFallback {
		r.forwardError(sidePrimary, err)
		return
	}
	if ferr := r.startFallback(); ferr != nil {
		r.onError(ferr)
	}
}

func (r *subscriptionRace) fallbackError(err error) {
	r.forwardError(sideFallback, err)
}

// forwardError surfaces an error unless the other side already won, in
// which case the loser's failure is irrelevant.
func (r *subscriptionRace) forwardError(side int, err error) {
	r.mu.Lock()
	suppressed := r.closed || (r.winner != sideNone && r.winner != side)
	r.mu.Unlock()
	if !suppressed {
		r.onError(err)
	}
}

func (r *subscriptionRace) startFallback() error {
	r.mu.Lock()
	if r.fallbackStarted || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.fallbackStarted = true
	r.mu.Unlock()

	unsub, err := r.fallback(r.fallbackSnapshot, r.fallbackError)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.fallbackUnsub = unsub
	if r.closed || r.winner == sidePrimary {
		unsub()
	}
	r.mu.Unlock()
	return nil
}

func (r *subscriptionRace) teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	p, f := r.primaryUnsub, r.fallbackUnsub
	r.primaryUnsub, r.fallbackUnsub = nil, nil
	r.mu.Unlock()

	if p != nil {
		p()
	}
	if f != nil {
		f()
	}
}
