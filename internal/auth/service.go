package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dittorahmat/sentinel/internal/metrics"
	"github.com/dittorahmat/sentinel/internal/password"
	"github.com/dittorahmat/sentinel/internal/repository"
)

// AuthService implements registration, login, logout and credential
// rotation on top of the session, lockout and rate-limit components.
type AuthService struct {
	users    repository.UserRepository
	hasher   *password.Hasher
	sessions *SessionManager
	lockout  *LockoutGuard
	limiter  *RateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthService wires an AuthService.
func NewAuthService(
	users repository.UserRepository,
	hasher *password.Hasher,
	sessions *SessionManager,
	lockout *LockoutGuard,
	limiter *RateLimiter,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:    users,
		hasher:   hasher,
		sessions: sessions,
		lockout:  lockout,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates an account. The caller has already normalized and
// validated the username and checked password strength.
func (s *AuthService) Register(ctx context.Context, username string, email *string, plaintext string) (*repository.User, error) {
	digest, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		Username:     username,
		Email:        email,
		PasswordHash: digest,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrUsernameTaken):
			return nil, ErrUsernameTaken
		case errors.Is(err, repository.ErrEmailTaken):
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login authenticates a username/password pair and mints a session.
// Ordering matters: the rate limit is checked before any account state
// is read, and every failure is recorded in the durable attempt log.
func (s *AuthService) Login(ctx context.Context, username, plaintext string, client ClientInfo) (*repository.User, *repository.Session, error) {
	username = NormalizeUsername(username)

	decision, err := s.limiter.CheckLoginRateLimit(ctx, client.IP, username)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		// Denied attempts count toward the window like any other failure.
		s.recordAttempt(ctx, client.IP, username, false)
		metrics.LoginAttemptsTotal.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitDenialsTotal.WithLabelValues(decision.Reason).Inc()
		return nil, nil, &RateLimitError{
			Reason:     decision.Reason,
			RetryAfter: s.limiter.LoginRetryAfter(),
		}
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.recordAttempt(ctx, client.IP, username, false)
			metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if !user.IsActive {
		s.recordAttempt(ctx, client.IP, username, false)
		metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, nil, ErrInvalidCredentials
	}

	// A locked account answers with the same generic body as a wrong
	// password; the lock surfaces only as a Retry-After hint, before the
	// password is ever checked.
	if status := IsLocked(user.LockedUntil, s.now()); status.Locked {
		s.recordAttempt(ctx, client.IP, username, false)
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, nil, &LockedError{RetryAfter: status.Remaining}
	}

	valid, needsRehash, err := s.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !valid {
		s.recordAttempt(ctx, client.IP, username, false)
		status, err := s.lockout.RecordFailedLogin(ctx, user)
		if err != nil {
			s.logger.Warn("failed-login bookkeeping failed", "user_id", user.ID, "error", err)
		}
		if status.Locked {
			metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
			return nil, nil, &LockedError{RetryAfter: status.Remaining}
		}
		metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, nil, ErrInvalidCredentials
	}

	if needsRehash {
		// Transparent cost upgrade while the plaintext is in hand.
		if digest, err := s.hasher.Hash(plaintext); err == nil {
			if err := s.users.UpdatePassword(ctx, user.ID, digest, s.now()); err != nil {
				s.logger.Warn("password rehash failed", "user_id", user.ID, "error", err)
			}
		}
	}

	if err := s.lockout.RecordSuccessfulLogin(ctx, user.ID); err != nil {
		s.logger.Warn("login success bookkeeping failed", "user_id", user.ID, "error", err)
	}

	session, err := s.sessions.CreateSession(ctx, user.ID, client)
	if err != nil {
		return nil, nil, err
	}

	s.recordAttempt(ctx, client.IP, username, true)
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, session, nil
}

// recordAttempt writes to the durable attempt log. The log is advisory
// input to the rate limiter; a write failure never fails the login.
func (s *AuthService) recordAttempt(ctx context.Context, ip, usernameKey string, success bool) {
	if err := s.limiter.RecordLoginAttempt(ctx, ip, usernameKey, success); err != nil {
		s.logger.Warn("login attempt log write failed", "error", err)
	}
}

// Logout revokes the presented session. Idempotent.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, sessionID)
}

// ChangePassword verifies the current password, installs the new digest
// and revokes every other session of the user. The session performing
// the change survives.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, currentSessionID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	valid, _, err := s.hasher.Verify(current, user.PasswordHash)
	if err != nil {
		return err
	}
	if !valid {
		return ErrWrongPassword
	}

	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, digest, s.now()); err != nil {
		return err
	}

	if err := s.sessions.RevokeAllUserSessions(ctx, userID, currentSessionID); err != nil {
		s.logger.Warn("post-change session revocation failed", "user_id", userID, "error", err)
	}

	s.logger.Info("password changed", "user_id", userID)
	return nil
}
