package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dittorahmat/sentinel/internal/metrics"
)

// AttemptRepository defines the interface for the unowned attempt and
// reset-request logs. Both tables are append-only; rows leave only via
// retention pruning.
type AttemptRepository interface {
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	CountLoginAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountLoginAttemptsByUsername(ctx context.Context, usernameKey string, since time.Time) (int, error)
	RecordResetRequest(ctx context.Context, ip string, at time.Time) error
	CountResetRequestsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error)
	PruneResetRequests(ctx context.Context, before time.Time) (int64, error)
}

// attemptRepository implements AttemptRepository over sqlx.
type attemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository creates a new AttemptRepository instance.
func NewAttemptRepository(db *sqlx.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

// RecordLoginAttempt appends a log row. This runs for allowed and denied
// attempts alike, so denials also count toward future windows.
func (r *attemptRepository) RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	defer metrics.TimeQuery("login_attempt_record")()
	query := `
		INSERT INTO login_attempts (ip_address, username_key, success, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.IPAddress,
		attempt.UsernameKey,
		attempt.Success,
		attempt.CreatedAt,
	)
	return err
}

// CountLoginAttemptsByIP counts attempts from one IP inside the trailing
// window (inclusive lower bound).
func (r *attemptRepository) CountLoginAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	defer metrics.TimeQuery("login_attempt_count_by_ip")()
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM login_attempts WHERE ip_address = $1 AND created_at >= $2`,
		ip, since)
	return count, err
}

// CountLoginAttemptsByUsername counts attempts against one username key
// inside the trailing window.
func (r *attemptRepository) CountLoginAttemptsByUsername(ctx context.Context, usernameKey string, since time.Time) (int, error) {
	defer metrics.TimeQuery("login_attempt_count_by_username")()
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM login_attempts WHERE username_key = $1 AND created_at >= $2`,
		usernameKey, since)
	return count, err
}

// RecordResetRequest appends a per-IP reset-request row, independent of
// whether any account matched.
func (r *attemptRepository) RecordResetRequest(ctx context.Context, ip string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO password_reset_requests (ip_address, created_at) VALUES ($1, $2)`,
		ip, at)
	return err
}

// CountResetRequestsByIP counts reset requests from one IP inside the
// trailing window.
func (r *attemptRepository) CountResetRequestsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM password_reset_requests WHERE ip_address = $1 AND created_at >= $2`,
		ip, since)
	return count, err
}

// PruneLoginAttempts removes attempt rows older than the retention window.
func (r *attemptRepository) PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneResetRequests removes reset-request rows older than the retention
// window.
func (r *attemptRepository) PruneResetRequests(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM password_reset_requests WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
