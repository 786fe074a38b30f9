package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertUser mirrors an externally-authenticated identity into the local
// users table. Called on every websocket connect with the token claims.
func (s *Store) UpsertUser(ctx context.Context, id, email, name, avatarURL string) error {
	now := nanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		id, email, name, avatarURL, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", id, err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, avatar_url, bio, last_seen_at, created_at, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// TouchLastSeen records the moment a user was last connected. Written when
// the presence grace period expires, not on every disconnect.
func (s *Store) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = ?, updated_at = ? WHERE id = ?`,
		nanos(at), nanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update last seen for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		lastSeen  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Bio, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.LastSeenAt = timePtr(lastSeen)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	return &u, nil
}
