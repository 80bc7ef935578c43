package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dittorahmat/sentinel/internal/metrics"
)

// Token repository errors.
var (
	// ErrTokenNotConsumable covers unknown, expired, and already-used
	// tokens alike; callers must not distinguish the three.
	ErrTokenNotConsumable = errors.New("reset token not consumable")
)

// TokenRepository defines the interface for password-reset token access.
type TokenRepository interface {
	Create(ctx context.Context, token *PasswordResetToken) error
	CountRecentForUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error)
	PruneExpiredOrUsed(ctx context.Context, now time.Time) (int64, error)
	WithTx(tx pgx.Tx) TokenRepository
}

// tokenRepository implements TokenRepository using PostgreSQL.
type tokenRepository struct {
	db Querier
}

// NewTokenRepository creates a new TokenRepository instance.
func NewTokenRepository(db Querier) TokenRepository {
	return &tokenRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *tokenRepository) WithTx(tx pgx.Tx) TokenRepository {
	return &tokenRepository{db: tx}
}

// Create persists a token hash. The raw token never reaches this layer.
func (r *tokenRepository) Create(ctx context.Context, token *PasswordResetToken) error {
	defer metrics.TimeQuery("reset_token_create")()
	query := `
		INSERT INTO password_reset_tokens (token_hash, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query,
		token.TokenHash,
		token.UserID,
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

// CountRecentForUser counts tokens created for a user within the trailing
// window; this doubles as the per-user reset-request counter.
func (r *tokenRepository) CountRecentForUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Consume atomically marks a token used. The predicate is evaluated by
// the database at update time, so two concurrent consumers cannot both
// succeed: one sees a row change, the other sees zero rows and gets
// ErrTokenNotConsumable.
func (r *tokenRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	defer metrics.TimeQuery("reset_token_consume")()
	query := `
		UPDATE password_reset_tokens
		SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at >= $2
		RETURNING user_id
	`

	var userID uuid.UUID
	err := r.db.QueryRow(ctx, query, tokenHash, now).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTokenNotConsumable
		}
		return uuid.Nil, err
	}
	return userID, nil
}

// PruneExpiredOrUsed removes tokens that can never be consumed again.
func (r *tokenRepository) PruneExpiredOrUsed(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at < $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
