package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amoura-app/amoura-backend/internal/chat"
	"github.com/amoura-app/amoura-backend/internal/models"
	"github.com/amoura-app/amoura-backend/internal/notify"
	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/amoura-app/amoura-backend/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUsers is a functional in-memory profile store with injectable
// failures for batch and per-id lookups.
type fakeUsers struct {
	mu         sync.Mutex
	profiles   map[string]users.Profile
	failBatch  func(ids []string) error
	failUser   map[string]error
	batchCalls [][]string
}

func newFakeUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{profiles: make(map[string]users.Profile), failUser: make(map[string]error)}
	for _, id := range ids {
		f.profiles[id] = users.Profile{ID: id, Username: id, DisplayName: "User " + id}
	}
	return f
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (users.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failUser[id]; ok {
		return users.Profile{}, err
	}
	prof, ok := f.profiles[id]
	if !ok {
		return users.Profile{}, users.ErrNotFound
	}
	return prof, nil
}

func (f *fakeUsers) GetUsers(ctx context.Context, ids []string) (map[string]users.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, append([]string(nil), ids...))
	if f.failBatch != nil {
		if err := f.failBatch(ids); err != nil {
			return nil, err
		}
	}
	out := make(map[string]users.Profile)
	for _, id := range ids {
		if prof, ok := f.profiles[id]; ok {
			out[id] = prof
		}
	}
	return out, nil
}

// captureNotifier records notification triggers.
type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.MessageNotification
	err  error
}

func (c *captureNotifier) CreateMessageNotification(ctx context.Context, n notify.MessageNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) notifications() []notify.MessageNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.MessageNotification(nil), c.sent...)
}

type testEnv struct {
	svc      *chat.Service
	store    *store.Memory
	users    *fakeUsers
	notifier *captureNotifier
}

func newTestEnv(t *testing.T, opts ...chat.Option) *testEnv {
	t.Helper()
	st := store.NewMemory()
	us := newFakeUsers("u1", "u2", "u3")
	n := &captureNotifier{}
	return &testEnv{
		svc:      chat.New(st, us, n, opts...),
		store:    st,
		users:    us,
		notifier: n,
	}
}

func (e *testEnv) mustChat(t *testing.T, userA, userB string) string {
	t.Helper()
	chatID, err := e.svc.GetOrCreateChat(context.Background(), userA, userB)
	require.NoError(t, err)
	return chatID
}

func TestGetOrCreateChatDeterministicID(t *testing.T) {
	env := newTestEnv(t)

	id1, err := env.svc.GetOrCreateChat(context.Background(), "u1", "u2")
	require.NoError(t, err)
	id2, err := env.svc.GetOrCreateChat(context.Background(), "u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, "direct_u1_u2", id1, "id must be lexicographic regardless of argument order")
	assert.Equal(t, id1, id2)
}

func TestGetOrCreateChatInitialState(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u2", "u1")

	c, err := env.svc.GetChat(context.Background(), chatID, "u1")
	require.NoError(t, err)

	assert.Equal(t, models.ChatTypeDirect, c.ChatType)
	assert.ElementsMatch(t, []string{"u1", "u2"}, c.ParticipantIDs)
	assert.Equal(t, int64(0), c.UnreadCount["u1"])
	assert.Equal(t, int64(0), c.UnreadCount["u2"])
	assert.True(t, c.IsActive)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestGetOrCreateChatConcurrentFirstContact(t *testing.T) {
	env := newTestEnv(t)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			id, err := env.svc.GetOrCreateChat(context.Background(), a, b)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "direct_u1_u2", id)
	}

	// Exactly one chat record exists and its counters were not clobbered.
	var chats []models.Chat
	err := env.store.Query(context.Background(), "chats", store.Query{}, &chats)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestGetOrCreateChatRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetOrCreateChat(context.Background(), "", "u2")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
	_, err = env.svc.GetOrCreateChat(context.Background(), "u1", "u1")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestCreateGroupChat(t *testing.T) {
	env := newTestEnv(t)

	chatID, err := env.svc.CreateGroupChat(context.Background(), []string{"u1", "u2", "u3"})
	require.NoError(t, err)

	c, err := env.svc.GetChat(context.Background(), chatID, "u3")
	require.NoError(t, err)
	assert.Equal(t, models.ChatTypeGroup, c.ChatType)
	assert.Len(t, c.UnreadCount, 3)

	_, err = env.svc.CreateGroupChat(context.Background(), []string{"u1"})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
	_, err = env.svc.CreateGroupChat(context.Background(), []string{"u1", "u1"})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestDeleteChatIsSoft(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	require.NoError(t, env.svc.DeleteChat(context.Background(), chatID, "u1"))

	// Record still exists; it is only flagged inactive.
	var c models.Chat
	require.NoError(t, env.store.Get(context.Background(), "chats", chatID, &c))
	assert.False(t, c.IsActive)
}

func TestDeleteChatRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	chatID := env.mustChat(t, "u1", "u2")

	err := env.svc.DeleteChat(context.Background(), chatID, "u3")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestGetChatUnknownID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetChat(context.Background(), "direct_x_y", "x")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

// waitFor pulls one value from ch or fails the test.
func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
