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

// ClientInfo carries the request attributes captured at session creation
// and compared on later use. Empty strings mean unknown.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// SessionStatus is the closed set of terminal reasons a session
// validation can end with. Callers switch over every case.
type SessionStatus int

const (
	// StatusMissing: no credential was presented.
	StatusMissing SessionStatus = iota
	// StatusNotFound: the identifier is not in storage (deleted or forged).
	StatusNotFound
	// StatusExpired: past absolute expiry; the row has been deleted.
	StatusExpired
	// StatusIdleTimeout: unused for longer than the idle timeout; deleted.
	StatusIdleTimeout
	// StatusInactive: the owning account is deactivated.
	StatusInactive
	// StatusLocked: the owning account is currently locked out.
	StatusLocked
	// StatusValid: the session passed every check and was touched.
	StatusValid
	// StatusRotated: valid, but the identifier was replaced; the caller
	// must swap the client's credential atomically with the response.
	StatusRotated
)

// String returns the wire name of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusNotFound:
		return "not_found"
	case StatusExpired:
		return "expired"
	case StatusIdleTimeout:
		return "idle_timeout"
	case StatusInactive:
		return "inactive"
	case StatusLocked:
		return "locked"
	case StatusValid:
		return "valid"
	case StatusRotated:
		return "rotated"
	}
	return "unknown"
}

// Authenticated reports whether the status represents a live session.
func (s SessionStatus) Authenticated() bool {
	return s == StatusValid || s == StatusRotated
}

// ValidationResult is the outcome of ValidateAndTouch. Session and User
// are set only when Status is Valid or Rotated; RotatedFrom carries the
// replaced identifier on rotation.
type ValidationResult struct {
	Status      SessionStatus
	Session     *repository.Session
	User        *repository.User
	RotatedFrom string
}

// SessionManager owns the session lifecycle: creation, validation with
// idle/absolute expiry, identifier rotation, revocation, and the per-user
// concurrency cap.
type SessionManager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	cfg      config.SessionConfig
	rotation config.RotationConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	cfg config.SessionConfig,
	rotation config.RotationConfig,
	logger *slog.Logger,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: sessions,
		users:    users,
		cfg:      cfg,
		rotation: rotation,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateSession mints an opaque identifier, persists the row with
// absolute expiry now + max age, then enforces the per-user concurrency
// cap by evicting the least-recently-used excess. Eviction is best-effort
// and never fails the creation.
func (m *SessionManager) CreateSession(ctx context.Context, userID uuid.UUID, client ClientInfo) (*repository.Session, error) {
	id, err := NewOpaqueToken(SessionIDBytes)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &repository.Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(m.cfg.MaxAge),
	}
	if client.IP != "" {
		session.IPAddress = &client.IP
	}
	if client.UserAgent != "" {
		session.UserAgent = &client.UserAgent
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	metrics.SessionsCreatedTotal.Inc()

	m.evictExcess(ctx, userID, id)

	return session, nil
}

// evictExcess trims the user's session count down to the configured cap,
// excluding the just-created row. Failures are swallowed.
func (m *SessionManager) evictExcess(ctx context.Context, userID uuid.UUID, exceptID string) {
	count, err := m.sessions.CountForUser(ctx, userID)
	if err != nil {
		m.logger.Warn("session cap check failed", "user_id", userID, "error", err)
		return
	}
	excess := count - m.cfg.MaxSessionsPerUser
	if excess <= 0 {
		return
	}
	if err := m.sessions.DeleteOldestExcess(ctx, userID, exceptID, excess); err != nil {
		m.logger.Warn("session eviction failed", "user_id", userID, "error", err)
		return
	}
	metrics.SessionsRevokedTotal.WithLabelValues("evicted").Add(float64(excess))
}

// ValidateAndTouch checks a presented session identifier. The checks run
// in a fixed order and the first matching terminal condition wins:
// missing, not found, expired (row deleted), idle timeout (row deleted),
// inactive account, locked account. Only then is rotation considered;
// if no rotation trigger holds, last_used_at is bumped. No state is
// mutated before a terminal negative outcome.
func (m *SessionManager) ValidateAndTouch(ctx context.Context, sessionID string, client ClientInfo) (ValidationResult, error) {
	if sessionID == "" {
		return ValidationResult{Status: StatusMissing}, nil
	}

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if err == repository.ErrSessionNotFound {
			return ValidationResult{Status: StatusNotFound}, nil
		}
		return ValidationResult{}, err
	}

	now := m.now()

	if now.After(session.ExpiresAt) {
		if err := m.sessions.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("expired session cleanup failed", "error", err)
		}
		metrics.SessionsRevokedTotal.WithLabelValues("expired").Inc()
		return ValidationResult{Status: StatusExpired}, nil
	}

	if now.Sub(session.LastUsedAt) > m.cfg.IdleTimeout {
		if err := m.sessions.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("idle session cleanup failed", "error", err)
		}
		metrics.SessionsRevokedTotal.WithLabelValues("idle").Inc()
		return ValidationResult{Status: StatusIdleTimeout}, nil
	}

	user, err := m.users.GetByID(ctx, session.UserID)
	if err != nil {
		if err == repository.ErrUserNotFound {
			return ValidationResult{Status: StatusNotFound}, nil
		}
		return ValidationResult{}, err
	}

	if !user.IsActive {
		return ValidationResult{Status: StatusInactive}, nil
	}

	if IsLocked(user.LockedUntil, now).Locked {
		return ValidationResult{Status: StatusLocked}, nil
	}

	if trigger := m.rotationTrigger(session, client, now); trigger != "" {
		rotated, err := m.CreateSession(ctx, session.UserID, client)
		if err != nil {
			return ValidationResult{}, err
		}
		if err := m.sessions.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("rotated session cleanup failed", "error", err)
		}
		metrics.SessionRotationsTotal.WithLabelValues(trigger).Inc()
		return ValidationResult{
			Status:      StatusRotated,
			Session:     rotated,
			User:        user,
			RotatedFrom: sessionID,
		}, nil
	}

	if err := m.sessions.Touch(ctx, sessionID, now); err != nil && err != repository.ErrSessionNotFound {
		return ValidationResult{}, err
	}
	session.LastUsedAt = now

	return ValidationResult{Status: StatusValid, Session: session, User: user}, nil
}

// rotationTrigger applies the rotation triggers and names the first one
// that holds: session age past the rotation interval always rotates; IP
// and user-agent drift rotate only when the corresponding policy flag is
// enabled. The triggers are applied exactly as configured, never
// broadened or narrowed. Returns "" when no trigger holds.
func (m *SessionManager) rotationTrigger(session *repository.Session, client ClientInfo, now time.Time) string {
	if now.Sub(session.CreatedAt) >= m.cfg.RotationInterval {
		return "age"
	}
	if m.rotation.OnUserAgentChange && derefOrEmpty(session.UserAgent) != client.UserAgent {
		return "user_agent_change"
	}
	if m.rotation.OnIPChange && derefOrEmpty(session.IPAddress) != client.IP {
		return "ip_change"
	}
	return ""
}

// RevokeSession deletes a session. Absence is not an error.
func (m *SessionManager) RevokeSession(ctx context.Context, id string) error {
	if err := m.sessions.Delete(ctx, id); err != nil {
		return err
	}
	metrics.SessionsRevokedTotal.WithLabelValues("logout").Inc()
	return nil
}

// RevokeAllUserSessions bulk-deletes a user's sessions, optionally
// sparing one so a user rotating their own credential stays logged in on
// the session performing the change.
func (m *SessionManager) RevokeAllUserSessions(ctx context.Context, userID uuid.UUID, exceptID string) error {
	deleted, err := m.sessions.DeleteAllForUser(ctx, userID, exceptID)
	if err != nil {
		return err
	}
	if deleted > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("credential_change").Add(float64(deleted))
		m.logger.Info("sessions revoked", "user_id", userID, "count", deleted)
	}
	return nil
}

// PruneExpired removes sessions past their absolute expiry.
func (m *SessionManager) PruneExpired(ctx context.Context) (int64, error) {
	deleted, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("expired").Add(float64(deleted))
	}
	return deleted, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
