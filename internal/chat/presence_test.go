package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingEvent struct {
	userID   string
	isTyping bool
}

func subscribeTyping(t *testing.T, env *testEnv, chatID string) (<-chan typingEvent, func()) {
	t.Helper()
	events := make(chan typingEvent, 16)
	unsub, err := env.svc.SubscribeToTyping(chatID, func(userID string, isTyping bool) {
		events <- typingEvent{userID, isTyping}
	}, func(err error) { t.Errorf("typing stream error: %v", err) })
	require.NoError(t, err)
	return events, unsub
}

func TestTypingStartAndStop(t *testing.T) {
	env := newTestEnv(t, chat.WithTypingTTL(time.Minute))
	chatID := env.mustChat(t, "u1", "u2")
	events, unsub := subscribeTyping(t, env, chatID)
	defer unsub()

	require.NoError(t, env.svc.SetTyping(context.Background(), chatID, "u1", true))
	assert.Equal(t, typingEvent{"u1", true}, waitFor(t, events, "typing start"))

	require.NoError(t, env.svc.SetTyping(context.Background(), chatID, "u1", false))
	assert.Equal(t, typingEvent{"u1", false}, waitFor(t, events, "typing stop"))
}

func TestTypingAutoExpires(t *testing.T) {
	env := newTestEnv(t, chat.WithTypingTTL(50*time.Millisecond))
	chatID := env.mustChat(t, "u1", "u2")
	events, unsub := subscribeTyping(t, env, chatID)
	defer unsub()

	require.NoError(t, env.svc.SetTyping(context.Background(), chatID, "u1", true))
	assert.Equal(t, typingEvent{"u1", true}, waitFor(t, events, "typing start"))

	// No explicit stop: the timer clears the document and the subscriber
	// still observes isTyping=false.
	assert.Equal(t, typingEvent{"u1", false}, waitFor(t, events, "auto expiry"))
}

func TestTypingRestartRearmsTimer(t *testing.T) {
	env := newTestEnv(t, chat.WithTypingTTL(80*time.Millisecond))
	chatID := env.mustChat(t, "u1", "u2")
	events, unsub := subscribeTyping(t, env, chatID)
	defer unsub()

	ctx := context.Background()
	require.NoError(t, env.svc.SetTyping(ctx, chatID, "u1", true))
	assert.Equal(t, typingEvent{"u1", true}, waitFor(t, events, "first start"))

	// Re-signal halfway through the window; the expiry restarts from now.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, env.svc.SetTyping(ctx, chatID, "u1", true))
	assert.Equal(t, typingEvent{"u1", true}, waitFor(t, events, "restart"))

	select {
	case ev := <-events:
		t.Fatalf("typing expired too early: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, typingEvent{"u1", false}, waitFor(t, events, "expiry after re-arm"))
}

func TestTypingScopedToChat(t *testing.T) {
	env := newTestEnv(t, chat.WithTypingTTL(time.Minute))
	chatA := env.mustChat(t, "u1", "u2")
	chatB := env.mustChat(t, "u1", "u3")
	events, unsub := subscribeTyping(t, env, chatA)
	defer unsub()

	ctx := context.Background()
	require.NoError(t, env.svc.SetTyping(ctx, chatB, "u1", true))
	require.NoError(t, env.svc.SetTyping(ctx, chatA, "u2", true))

	assert.Equal(t, typingEvent{"u2", true}, waitFor(t, events, "same-chat event"),
		"subscriber must only see its own chat's typing")
}

func TestSetTypingValidation(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.svc.SetTyping(context.Background(), "", "u1", true), chat.ErrInvalidArgument)
	assert.ErrorIs(t, env.svc.SetTyping(context.Background(), "c", "", true), chat.ErrInvalidArgument)
}

func TestSetOnlineStatusSelfOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.SetOnlineStatus(ctx, "u1", "u2", true), chat.ErrUnauthorized)
	require.NoError(t, env.svc.SetOnlineStatus(ctx, "u1", "u1", true))

	state, ok := env.svc.CachedPresence("u1")
	require.True(t, ok)
	assert.True(t, state.IsOnline)
	assert.False(t, state.LastSeen.IsZero())
}

func TestSubscribeToOnlineStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.SetOnlineStatus(ctx, "u2", "u2", true))

	events := make(chan models.PresenceState, 16)
	unsub, err := env.svc.SubscribeToOnlineStatus([]string{"u2", "u3"}, func(state models.PresenceState) {
		events <- state
	}, func(err error) { t.Errorf("presence stream error: %v", err) })
	require.NoError(t, err)

	// Existing presence arrives with the initial snapshot.
	first := waitFor(t, events, "initial presence")
	assert.Equal(t, "u2", first.UserID)
	assert.True(t, first.IsOnline)

	require.NoError(t, env.svc.SetOnlineStatus(ctx, "u3", "u3", true))
	ev := waitFor(t, events, "u3 online")
	assert.Equal(t, "u3", ev.UserID)
	assert.True(t, ev.IsOnline)

	require.NoError(t, env.svc.SetOnlineStatus(ctx, "u2", "u2", false))
	ev = waitFor(t, events, "u2 offline")
	assert.Equal(t, "u2", ev.UserID)
	assert.False(t, ev.IsOnline)

	unsub()
	unsub() // teardown is safe to call twice

	require.NoError(t, env.svc.SetOnlineStatus(ctx, "u3", "u3", false))
	select {
	case ev := <-events:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeToOnlineStatusValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SubscribeToOnlineStatus(nil, func(models.PresenceState) {}, func(error) {})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}
