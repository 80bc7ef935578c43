package repository

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user account in the database.
type User struct {
	ID                uuid.UUID  `db:"id"`
	Username          string     `db:"username"`
	Email             *string    `db:"email"`
	PasswordHash      string     `db:"password_hash"`
	IsActive          bool       `db:"is_active"`
	FailedLoginCount  int        `db:"failed_login_count"`
	LockedUntil       *time.Time `db:"locked_until"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	PasswordUpdatedAt time.Time  `db:"password_updated_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Session represents an authentication session. The identifier is an
// opaque capability: possession of the exact value is the only way to
// authenticate against it.
type Session struct {
	ID         string    `db:"id"`
	UserID     uuid.UUID `db:"user_id"`
	CreatedAt  time.Time `db:"created_at"`
	LastUsedAt time.Time `db:"last_used_at"`
	ExpiresAt  time.Time `db:"expires_at"`
	IPAddress  *string   `db:"ip_address"`
	UserAgent  *string   `db:"user_agent"`
}

// LoginAttempt is an append-only log row used as a sliding-window count
// source. It carries raw client attributes rather than foreign keys so
// rows survive account churn.
type LoginAttempt struct {
	ID          int64     `db:"id"`
	IPAddress   *string   `db:"ip_address"`
	UsernameKey *string   `db:"username_key"`
	Success     bool      `db:"success"`
	CreatedAt   time.Time `db:"created_at"`
}

// PasswordResetToken stores only the one-way hash of a reset token. The
// raw token is never persisted. UsedAt transitions from NULL to a value
// exactly once.
type PasswordResetToken struct {
	TokenHash string     `db:"token_hash"`
	UserID    uuid.UUID  `db:"user_id"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
}

// PasswordResetRequest is an append-only per-IP log row used for
// account-agnostic reset-request throttling.
type PasswordResetRequest struct {
	ID        int64     `db:"id"`
	IPAddress string    `db:"ip_address"`
	CreatedAt time.Time `db:"created_at"`
}
