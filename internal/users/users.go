// Package users is the read-side of the profile system: the messaging core
// only resolves ids to display profiles, for chat-list hydration and for
// notification sender names. Profiles live in PostgreSQL while the chat
// documents live in the document store.
package users

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a profile does not exist or is inactive.
var ErrNotFound = errors.New("users: profile not found")

// Profile is the public display shape of a user.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Name returns the best display string for the profile.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Store resolves user ids to profiles.
type Store interface {
	// GetUser returns a single profile, or ErrNotFound.
	GetUser(ctx context.Context, id string) (Profile, error)
	// GetUsers resolves a batch of ids. Missing ids are absent from the
	// result map, not errors.
	GetUsers(ctx context.Context, ids []string) (map[string]Profile, error)
}

// Postgres implements Store over the users table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) GetUser(ctx context.Context, id string) (Profile, error) {
	var prof Profile
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, avatar_url
		FROM users WHERE id = $1 AND is_active = TRUE
	`, id).Scan(&prof.ID, &prof.Username, &prof.DisplayName, &prof.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return prof, nil
}

func (p *Postgres) GetUsers(ctx context.Context, ids []string) (map[string]Profile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, username, display_name, avatar_url
		FROM users WHERE id = ANY($1) AND is_active = TRUE
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Profile, len(ids))
	for rows.Next() {
		var prof Profile
		if err := rows.Scan(&prof.ID, &prof.Username, &prof.DisplayName, &prof.AvatarURL); err != nil {
			return nil, err
		}
		out[prof.ID] = prof
	}
	return out, rows.Err()
}
