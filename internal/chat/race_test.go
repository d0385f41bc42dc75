package chat

import (
	"errors"
	"testing"

	"github.com/amoura-app/amoura-backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// fakeSide is one hand-driven half of a subscription race.
type fakeSide struct {
	subscribeErr error
	onSnapshot   func(store.Snapshot)
	onError      func(error)
	subscribed   bool
	unsubCalls   int
}

func (f *fakeSide) fn() subscribeFunc {
	return func(onSnapshot func(store.Snapshot), onError func(error)) (store.Unsubscribe, error) {
		if f.subscribeErr != nil {
			return nil, f.subscribeErr
		}
		f.subscribed = true
		f.onSnapshot = onSnapshot
		f.onError = onError
		return func() { f.unsubCalls++ }, nil
	}
}

func (f *fakeSide) emit(id string) {
	f.onSnapshot(store.Snapshot{Docs: []store.Change{{Kind: store.ChangeAdded, ID: id, Data: bson.M{"_id": id}}}})
}

type raceRecorder struct {
	snaps []store.Snapshot
	errs  []error
}

func (r *raceRecorder) onSnapshot(snap store.Snapshot) { r.snaps = append(r.snaps, snap) }
func (r *raceRecorder) onError(err error)              { r.errs = append(r.errs, err) }

func TestRacePrimaryWins(t *testing.T) {
	primary, fallback := &fakeSide{}, &fakeSide{}
	rec := &raceRecorder{}

	unsub, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	assert.False(t, fallback.subscribed, "fallback stays cold while primary is healthy")

	primary.emit("a")
	primary.emit("b")
	require.Len(t, rec.snaps, 2)

	unsub()
	unsub()
	assert.Equal(t, 1, primary.unsubCalls, "teardown is idempotent")
}

func TestRaceSynchronousPermissionError(t *testing.T) {
	primary := &fakeSide{subscribeErr: store.ErrPermissionDenied}
	fallback := &fakeSide{}
	rec := &raceRecorder{}

	unsub, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	require.True(t, fallback.subscribed)

	fallback.emit("legacy")
	require.Len(t, rec.snaps, 1)
	assert.Equal(t, "legacy", rec.snaps[0].Docs[0].ID)

	unsub()
	assert.Equal(t, 1, fallback.unsubCalls)
}

func TestRaceAsyncPermissionErrorStartsFallback(t *testing.T) {
	primary, fallback := &fakeSide{}, &fakeSide{}
	rec := &raceRecorder{}

	unsub, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	assert.False(t, fallback.subscribed)

	// A permission failure before any data triggers the fallback instead
	// of surfacing.
	primary.onError(store.ErrPermissionDenied)
	require.True(t, fallback.subscribed)
	assert.Empty(t, rec.errs)

	fallback.emit("legacy")
	require.Len(t, rec.snaps, 1)
	assert.Equal(t, 1, primary.unsubCalls, "loser torn down once fallback yields data")

	// Later primary noise is suppressed.
	primary.onError(errors.New("stream closed"))
	primary.emit("stale")
	assert.Empty(t, rec.errs)
	assert.Len(t, rec.snaps, 1)

	unsub()
}

func TestRaceFirstDataWinsCancelsFallback(t *testing.T) {
	primary, fallback := &fakeSide{}, &fakeSide{}
	rec := &raceRecorder{}

	_, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	primary.onError(store.ErrPermissionDenied)
	require.True(t, fallback.subscribed)

	// Primary recovers and yields first; it wins and the fallback is cut.
	primary.emit("fresh")
	require.Len(t, rec.snaps, 1)
	assert.Equal(t, "fresh", rec.snaps[0].Docs[0].ID)
	assert.Equal(t, 1, fallback.unsubCalls)

	fallback.emit("legacy")
	assert.Len(t, rec.snaps, 1, "loser's data is discarded")
	fallback.onError(errors.New("cancelled"))
	assert.Empty(t, rec.errs, "loser's errors are suppressed")
}

func TestRaceNonPermissionErrorsSurface(t *testing.T) {
	primary, fallback := &fakeSide{}, &fakeSide{}
	rec := &raceRecorder{}

	_, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	streamErr := errors.New("connection reset")
	primary.onError(streamErr)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, streamErr, rec.errs[0])
	assert.False(t, fallback.subscribed, "only permission errors start the fallback")
}

func TestRaceSynchronousHardErrorPropagates(t *testing.T) {
	primary := &fakeSide{subscribeErr: store.ErrUnavailable}
	fallback := &fakeSide{}

	_, err := raceSubscriptions(primary.fn(), fallback.fn(), func(store.Snapshot) {}, func(error) {})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.False(t, fallback.subscribed)
}

func TestRaceTeardownBeforeData(t *testing.T) {
	primary, fallback := &fakeSide{}, &fakeSide{}
	rec := &raceRecorder{}

	unsub, err := raceSubscriptions(primary.fn(), fallback.fn(), rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	unsub()
	assert.Equal(t, 1, primary.unsubCalls)

	// Deliveries after teardown are dropped.
	primary.emit("late")
	assert.Empty(t, rec.snaps)
}
