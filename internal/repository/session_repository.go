package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dittorahmat/sentinel/internal/metrics"
)

// Session repository errors.
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for session data access.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, lastUsedAt time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID, exceptID string) (int64, error)
	CountForUser(ctx context.Context, userID uuid.UUID) (int, error)
	DeleteOldestExcess(ctx context.Context, userID uuid.UUID, exceptID string, excess int) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL.
type sessionRepository struct {
	db Querier
}

// NewSessionRepository creates a new SessionRepository instance.
func NewSessionRepository(db Querier) SessionRepository {
	return &sessionRepository{db: db}
}

// Create inserts a new session row.
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	defer metrics.TimeQuery("session_create")()
	query := `
		INSERT INTO sessions (id, user_id, created_at, last_used_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.CreatedAt,
		session.LastUsedAt,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
	)
	return err
}

// GetByID retrieves a session by its opaque identifier. Lookup is exact
// match only; the identifier is never matched by prefix or pattern.
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	defer metrics.TimeQuery("session_get_by_id")()
	query := `
		SELECT id, user_id, created_at, last_used_at, expires_at, ip_address, user_agent
		FROM sessions
		WHERE id = $1
	`

	session := &Session{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.UserID,
		&session.CreatedAt,
		&session.LastUsedAt,
		&session.ExpiresAt,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// Touch bumps last_used_at. The session row is never otherwise mutated.
func (r *sessionRepository) Touch(ctx context.Context, id string, lastUsedAt time.Time) error {
	defer metrics.TimeQuery("session_touch")()
	query := `UPDATE sessions SET last_used_at = $2 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, lastUsedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete removes a session. Deleting an absent session is not an error.
func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// DeleteAllForUser bulk-deletes a user's sessions, optionally sparing one.
func (r *sessionRepository) DeleteAllForUser(ctx context.Context, userID uuid.UUID, exceptID string) (int64, error) {
	if exceptID != "" {
		result, err := r.db.Exec(ctx,
			`DELETE FROM sessions WHERE user_id = $1 AND id <> $2`, userID, exceptID)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected(), nil
	}

	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CountForUser counts a user's live session rows.
func (r *sessionRepository) CountForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOldestExcess removes the least-recently-used excess sessions,
// ordered by (last_used_at, created_at) ascending, never touching exceptID.
func (r *sessionRepository) DeleteOldestExcess(ctx context.Context, userID uuid.UUID, exceptID string, excess int) error {
	if excess <= 0 {
		return nil
	}

	query := `
		DELETE FROM sessions
		WHERE id IN (
			SELECT id FROM sessions
			WHERE user_id = $1 AND id <> $2
			ORDER BY last_used_at ASC, created_at ASC
			LIMIT $3
		)
	`

	_, err := r.db.Exec(ctx, query, userID, exceptID, excess)
	return err
}

// DeleteExpired removes sessions past their absolute expiry.
func (r *sessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer metrics.TimeQuery("session_delete_expired")()
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
