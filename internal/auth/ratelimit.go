package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/repository"
)

// Limit dimensions reported in LimitDecision.Reason.
const (
	LimitReasonIP       = "ip"
	LimitReasonUsername = "username"
)

// LimitDecision is the outcome of a windowed rate-limit check.
type LimitDecision struct {
	Allowed       bool
	Reason        string
	IPCount       int
	UsernameCount int
}

// RateLimiter computes sliding-window counts from the durable attempt and
// request logs on every check. There are no in-process decay timers, so
// the decision is correct across restarts and across concurrently running
// server instances.
type RateLimiter struct {
	attempts repository.AttemptRepository
	tokens   repository.TokenRepository
	login    config.RateLimitConfig
	reset    config.ResetConfig
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the durable logs.
func NewRateLimiter(
	attempts repository.AttemptRepository,
	tokens repository.TokenRepository,
	login config.RateLimitConfig,
	reset config.ResetConfig,
) *RateLimiter {
	return &RateLimiter{
		attempts: attempts,
		tokens:   tokens,
		login:    login,
		reset:    reset,
		now:      time.Now,
	}
}

// CheckLoginRateLimit counts attempts inside the trailing window for the
// IP and username dimensions independently. A missing dimension is
// skipped and never denies. The IP dimension is checked first.
func (l *RateLimiter) CheckLoginRateLimit(ctx context.Context, ip, usernameKey string) (LimitDecision, error) {
	since := l.now().Add(-l.login.LoginWindow)
	decision := LimitDecision{Allowed: true}

	if ip != "" {
		count, err := l.attempts.CountLoginAttemptsByIP(ctx, ip, since)
		if err != nil {
			return decision, err
		}
		decision.IPCount = count
		if count >= l.login.LoginMaxPerIP {
			decision.Allowed = false
			decision.Reason = LimitReasonIP
			return decision, nil
		}
	}

	if usernameKey != "" {
		count, err := l.attempts.CountLoginAttemptsByUsername(ctx, usernameKey, since)
		if err != nil {
			return decision, err
		}
		decision.UsernameCount = count
		if count >= l.login.LoginMaxPerUsername {
			decision.Allowed = false
			decision.Reason = LimitReasonUsername
			return decision, nil
		}
	}

	return decision, nil
}

// RecordLoginAttempt appends one row to the attempt log. This is the only
// writer to the log and runs for allowed and denied attempts alike.
func (l *RateLimiter) RecordLoginAttempt(ctx context.Context, ip, usernameKey string, success bool) error {
	attempt := &repository.LoginAttempt{
		Success:   success,
		CreatedAt: l.now(),
	}
	if ip != "" {
		attempt.IPAddress = &ip
	}
	if usernameKey != "" {
		attempt.UsernameKey = &usernameKey
	}
	return l.attempts.RecordLoginAttempt(ctx, attempt)
}

// CheckResetIPLimit reports whether another reset request from this IP is
// allowed. The check is account-agnostic and evaluated before any account
// lookup.
func (l *RateLimiter) CheckResetIPLimit(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return true, nil
	}
	since := l.now().Add(-l.reset.IPWindow)
	count, err := l.attempts.CountResetRequestsByIP(ctx, ip, since)
	if err != nil {
		return false, err
	}
	return count < l.reset.MaxPerIP, nil
}

// CheckResetUserLimit reports whether another reset token may be created
// for this user, counted from token creation timestamps.
func (l *RateLimiter) CheckResetUserLimit(ctx context.Context, userID uuid.UUID) (bool, error) {
	since := l.now().Add(-l.reset.UserWindow)
	count, err := l.tokens.CountRecentForUser(ctx, userID, since)
	if err != nil {
		return false, err
	}
	return count < l.reset.MaxPerUser, nil
}

// LoginRetryAfter is the Retry-After hint for denied login attempts: the
// full window is an upper bound on when the earliest counted attempt
// leaves the window.
func (l *RateLimiter) LoginRetryAfter() time.Duration {
	return l.login.LoginWindow
}
