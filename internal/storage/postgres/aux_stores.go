package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pricehound/internal/watch"
)

// UserStore reads registered watchers. Registration itself is owned by the
// web front end; the core only ever looks users up.
type UserStore struct {
	db    DB
	clock watch.Clock
}

// GetByID loads one user.
func (s *UserStore) GetByID(ctx context.Context, id int64) (watch.User, error) {
	var u watch.User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, created FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email, &u.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.User{}, watch.ErrNotFound
		}
		return watch.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Create inserts a user record.
func (s *UserStore) Create(ctx context.Context, email string) (watch.User, error) {
	now := s.clock.Now()
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (email, created) VALUES ($1, $2) RETURNING id`, email, now).Scan(&id)
	if err != nil {
		return watch.User{}, fmt.Errorf("insert user: %w", err)
	}
	return watch.User{ID: id, Email: email, Created: now}, nil
}

// TokenStore mints and resolves opaque access tokens.
type TokenStore struct {
	db    DB
	clock watch.Clock
}

// Create mints a token with a random value.
func (s *TokenStore) Create(ctx context.Context, userID int64, purpose watch.TokenPurpose, expires time.Time) (watch.Token, error) {
	now := s.clock.Now()
	value := uuid.NewString()

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO tokens (user_id, purpose, value, expires, created)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		userID, purpose, value, expires, now).Scan(&id)
	if err != nil {
		return watch.Token{}, fmt.Errorf("insert token: %w", err)
	}
	return watch.Token{ID: id, UserID: userID, Purpose: purpose, Value: value, Expires: expires, Created: now}, nil
}

// GetByID loads one token.
func (s *TokenStore) GetByID(ctx context.Context, id int64) (watch.Token, error) {
	var t watch.Token
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, purpose, value, expires, created FROM tokens WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.Purpose, &t.Value, &t.Expires, &t.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.Token{}, watch.ErrNotFound
		}
		return watch.Token{}, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// EmailStore records sent mail and answers the daily-quota query.
type EmailStore struct {
	db    DB
	clock watch.Clock
}

// Record appends one sent email.
func (s *EmailStore) Record(ctx context.Context, recipient, subject, body string) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO emails (recipient, subject, body, created)
		VALUES ($1, $2, $3, $4)`,
		recipient, subject, body, s.clock.Now()); err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// SentToday counts emails sent since midnight UTC of the given time.
func (s *EmailStore) SentToday(ctx context.Context, now time.Time) (int, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var count int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM emails WHERE created >= $1`, midnight).Scan(&count); err != nil {
		return 0, fmt.Errorf("count today's emails: %w", err)
	}
	return count, nil
}
