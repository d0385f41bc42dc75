package chat

import (
	"errors"
	"fmt"

	"github.com/amoura-app/amoura-backend/internal/store"
)

var (
	// ErrInvalidArgument covers empty ids, malformed input and illegal
	// status transitions.
	ErrInvalidArgument = errors.New("chat: invalid argument")
	// ErrUnauthorized means the actor is not a chat participant or tried
	// to mutate state owned by another user.
	ErrUnauthorized = errors.New("chat: unauthorized")
	// ErrNotFound means the chat or message does not exist.
	ErrNotFound = errors.New("chat: not found")
	// ErrContentTooLarge means the content exceeds the type's size limit.
	ErrContentTooLarge = errors.New("chat: content too large")
	// ErrUnsupportedMediaType means the declared metadata fails the
	// media allow-list or size limit.
	ErrUnsupportedMediaType = errors.New("chat: unsupported media type")
	// ErrInvalidReaction means the reaction is not a single emoji.
	ErrInvalidReaction = errors.New("chat: invalid reaction")
	// ErrStorageUnavailable is transient; callers retry with backoff.
	ErrStorageUnavailable = errors.New("chat: storage unavailable")
	// ErrSendFailed means nothing was persisted.
	ErrSendFailed = errors.New("chat: send failed")
	// ErrPartialSendFailure means the message body was persisted but the
	// bookkeeping was not; retryable and non-destructive.
	ErrPartialSendFailure = errors.New("chat: partial send failure")
)

// storageErr translates store-level failures into the error kinds exposed
// to callers.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNoDocument) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
