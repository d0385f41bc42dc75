package chat

import (
	"context"
	"unicode/utf8"

	"github.com/amoura-app/amoura-backend/internal/store"
)

// maxReactionBytes bounds a single emoji grapheme including ZWJ sequences
// and skin-tone modifiers.
const maxReactionBytes = 32

// AddReaction sets the acting user's reaction on a message; last write
// wins, so a user holds at most one reaction per message.
func (s *Service) AddReaction(ctx context.Context, chatID, messageID, userID, emoji string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if !isSingleEmoji(emoji) {
		return ErrInvalidReaction
	}
	if _, err := s.loadMessage(ctx, chatID, messageID); err != nil {
		return err
	}
	return storageErr(s.store.Update(ctx, colMessages, messageID, store.Fields{
		"reactions." + userID: emoji,
	}))
}

// RemoveReaction deletes the user's key from the reactions map entirely —
// field deletion, not null assignment — so `key in reactions` existence
// checks stay correct.
func (s *Service) RemoveReaction(ctx context.Context, chatID, messageID, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if _, err := s.loadMessage(ctx, chatID, messageID); err != nil {
		return err
	}
	return storageErr(s.store.Update(ctx, colMessages, messageID, store.Fields{
		"reactions." + userID: store.Delete,
	}))
}

// isSingleEmoji accepts one emoji grapheme: a base emoji rune optionally
// followed by variation selectors, skin-tone modifiers and ZWJ-joined
// continuations. Plain text is rejected.
func isSingleEmoji(s string) bool {
	if s == "" || len(s) > maxReactionBytes || !utf8.ValidString(s) {
		return false
	}
	sawBase := false
	expectJoined := false
	regionalRun := 0
	for _, r := range s {
		regional := r >= 0x1F1E6 && r <= 0x1F1FF
		switch {
		case r == 0x200D: // zero-width joiner
			if !sawBase {
				return false
			}
			expectJoined = true
			regionalRun = 0
		case r == 0xFE0F || r == 0xFE0E: // variation selectors
			if !sawBase {
				return false
			}
			regionalRun = 0
		case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
			if !sawBase {
				return false
			}
			regionalRun = 0
		case isEmojiBase(r):
			// A flag is exactly two regional indicators; a longer run is a
			// second emoji.
			if regional {
				regionalRun++
			} else {
				regionalRun = 0
			}
			if sawBase && !expectJoined && !(regional && regionalRun == 2) {
				return false
			}
			sawBase = true
			expectJoined = false
		default:
			return false
		}
	}
	return sawBase && !expectJoined
}

func isEmojiBase(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0x2B50 || r == 0x2B55: // star, hollow circle
		return true
	}
	return false
}
