package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/metrics"
	"github.com/dittorahmat/sentinel/internal/repository"
)

// LockoutStatus reports whether an account is currently locked and how
// long the lock has left to run.
type LockoutStatus struct {
	Locked    bool
	Remaining time.Duration
}

// IsLocked is a pure function of the stored lock expiry versus now.
// Remaining clamps to zero once the lock has expired.
func IsLocked(lockedUntil *time.Time, now time.Time) LockoutStatus {
	if lockedUntil == nil {
		return LockoutStatus{}
	}
	remaining := lockedUntil.Sub(now)
	if remaining > 0 {
		return LockoutStatus{Locked: true, Remaining: remaining}
	}
	return LockoutStatus{}
}

// LockoutGuard applies the failed-attempt counter and lock-window policy.
// The counter and the lock are mutually exclusive states: while a lock is
// active the counter is neither read nor written, so probing a locked
// account can never extend the lock.
type LockoutGuard struct {
	users  repository.UserRepository
	cfg    config.LockoutConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLockoutGuard creates a LockoutGuard.
func NewLockoutGuard(users repository.UserRepository, cfg config.LockoutConfig, logger *slog.Logger) *LockoutGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutGuard{
		users:  users,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RecordFailedLogin registers one failed attempt. An already-locked
// account is returned unchanged. When the incremented count reaches the
// threshold the lock is installed and the counter reset to zero, so a
// freshly unlocked account starts counting from scratch.
func (g *LockoutGuard) RecordFailedLogin(ctx context.Context, user *repository.User) (LockoutStatus, error) {
	now := g.now()

	if status := IsLocked(user.LockedUntil, now); status.Locked {
		return status, nil
	}

	count, applied, err := g.users.IncrementFailedLogins(ctx, user.ID, now)
	if err != nil {
		return LockoutStatus{}, err
	}
	if !applied {
		// A concurrent failure installed a lock between our read and the
		// guarded increment. Report the lock that won.
		fresh, err := g.users.GetByID(ctx, user.ID)
		if err != nil {
			return LockoutStatus{}, err
		}
		return IsLocked(fresh.LockedUntil, now), nil
	}

	if count >= g.cfg.Threshold {
		won, err := g.users.LockAccount(ctx, user.ID, now.Add(g.cfg.Duration), now)
		if err != nil {
			return LockoutStatus{}, err
		}
		if won {
			metrics.AccountLockoutsTotal.Inc()
			g.logger.Warn("account locked after repeated failed logins",
				"user_id", user.ID,
				"failed_count", count,
				"lock_duration", g.cfg.Duration,
			)
		}
		return LockoutStatus{Locked: true, Remaining: g.cfg.Duration}, nil
	}

	return LockoutStatus{}, nil
}

// RecordSuccessfulLogin unconditionally clears counter and lock and
// stamps last_login_at.
func (g *LockoutGuard) RecordSuccessfulLogin(ctx context.Context, userID uuid.UUID) error {
	return g.users.RecordLoginSuccess(ctx, userID, g.now())
}
