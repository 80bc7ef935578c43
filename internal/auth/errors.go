package auth

import (
	"errors"
	"fmt"
	"time"
)

// Auth service errors. Credential and token failures are deliberately
// coarse: distinct true causes (wrong password, unknown user, inactive
// account, consumed token, expired token) collapse into one externally
// visible error so responses carry no enumeration signal.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrWrongPassword      = errors.New("current password is incorrect")
)

// Error codes for API responses.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeConflict           = "CONFLICT"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeCSRF               = "CSRF_TOKEN_INVALID"
	CodeInternalError      = "INTERNAL_ERROR"
)

// LockedError is returned when a login hits a locked account, including
// the attempt that installs the lock. The response body stays the
// generic credential failure; only the Retry-After header carries the
// remaining lock time, so the lock's existence is disclosed without
// confirming the password was correct.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

// Unwrap lets callers treat a locked login as a credential failure.
func (e *LockedError) Unwrap() error { return ErrInvalidCredentials }

// RateLimitError is returned when a login or reset request trips a
// windowed counter. RetryAfter is a hint for the Retry-After header.
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
}
