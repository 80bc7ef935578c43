package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dittorahmat/sentinel/internal/metrics"
)

// User repository errors.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

// UserRepository defines the interface for user data access.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, digest string, now time.Time) error
	IncrementFailedLogins(ctx context.Context, id uuid.UUID, now time.Time) (count int, applied bool, err error)
	LockAccount(ctx context.Context, id uuid.UUID, until time.Time, now time.Time) (bool, error)
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, now time.Time) error
	WithTx(tx pgx.Tx) UserRepository
}

// userRepository implements UserRepository using PostgreSQL.
type userRepository struct {
	db Querier
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(db Querier) UserRepository {
	return &userRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *userRepository) WithTx(tx pgx.Tx) UserRepository {
	return &userRepository{db: tx}
}

const userColumns = `id, username, email, password_hash, is_active, failed_login_count,
	locked_until, last_login_at, password_updated_at, created_at, updated_at`

// Create inserts a new user. Usernames are stored case-normalized.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	defer metrics.TimeQuery("user_create")()
	query := `
		INSERT INTO users (username, email, password_hash, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, password_updated_at, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		strings.ToLower(user.Username),
		user.Email,
		user.PasswordHash,
		user.IsActive,
	).Scan(&user.ID, &user.PasswordUpdatedAt, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_users_username") {
			return ErrUsernameTaken
		}
		if strings.Contains(err.Error(), "idx_users_email") {
			return ErrEmailTaken
		}
		return err
	}

	return nil
}

func (r *userRepository) scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.IsActive,
		&user.FailedLoginCount,
		&user.LockedUntil,
		&user.LastLoginAt,
		&user.PasswordUpdatedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetByID retrieves a user by their ID.
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRow(ctx, query, id))
}

// GetByUsername retrieves a user by their case-normalized username.
func (r *userRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	defer metrics.TimeQuery("user_get_by_username")()
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return r.scanUser(r.db.QueryRow(ctx, query, strings.ToLower(username)))
}

// GetByEmail retrieves a user matching the email exactly or its
// lower-cased form, tolerating input casing.
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer metrics.TimeQuery("user_get_by_email")()
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 OR email = $2 LIMIT 1`
	return r.scanUser(r.db.QueryRow(ctx, query, email, strings.ToLower(email)))
}

// UpdatePassword writes a new password digest and clears any residual
// lock state, so a rotated credential always starts from a clean slate.
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, digest string, now time.Time) error {
	defer metrics.TimeQuery("user_update_password")()
	query := `
		UPDATE users
		SET password_hash = $2,
		    password_updated_at = $3,
		    failed_login_count = 0,
		    locked_until = NULL,
		    updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id, digest, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// IncrementFailedLogins bumps the failure counter only while no lock is
// active. The predicate runs inside the UPDATE itself, so two concurrent
// failed logins cannot both observe "not locked" and lose an increment.
// applied is false when the guard rejected the update (lock active or
// user missing).
func (r *userRepository) IncrementFailedLogins(ctx context.Context, id uuid.UUID, now time.Time) (int, bool, error) {
	defer metrics.TimeQuery("user_increment_failed_logins")()
	query := `
		UPDATE users
		SET failed_login_count = failed_login_count + 1,
		    updated_at = $2
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING failed_login_count
	`

	var count int
	err := r.db.QueryRow(ctx, query, id, now).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return count, true, nil
}

// LockAccount sets the lock expiry and resets the counter to zero, but
// only if no other request installed a lock first. Returns whether this
// call won the race.
func (r *userRepository) LockAccount(ctx context.Context, id uuid.UUID, until time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET locked_until = $2,
		    failed_login_count = 0,
		    updated_at = $3
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $3)
	`

	result, err := r.db.Exec(ctx, query, id, until, now)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// RecordLoginSuccess clears counter and lock and stamps last_login_at.
func (r *userRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_count = 0,
		    locked_until = NULL,
		    last_login_at = $2,
		    updated_at = $2
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
