package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/metrics"
	"github.com/dittorahmat/sentinel/internal/password"
	"github.com/dittorahmat/sentinel/internal/repository"
)

// ResetRequestResult is the outcome of a reset request. The HTTP layer
// always returns the same response regardless of Issued; DevLink is
// populated only when the development link shortcut is enabled.
type ResetRequestResult struct {
	Issued  bool
	DevLink string
}

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PasswordResetWorkflow implements the two-step password reset:
// account-agnostic token issuance and single-use consumption.
type PasswordResetWorkflow struct {
	pool     TxBeginner
	users    repository.UserRepository
	tokens   repository.TokenRepository
	attempts repository.AttemptRepository
	sessions *SessionManager
	hasher   *password.Hasher
	limiter  *RateLimiter
	cfg      config.ResetConfig

	// devLinkEnabled surfaces the raw token in the issuance result so
	// development setups without outbound email still work. It is forced
	// off in production regardless of configuration.
	devLinkEnabled bool

	logger *slog.Logger
	now    func() time.Time
}

// NewPasswordResetWorkflow wires the reset workflow. devLinkEnabled
// should already account for the environment (see config.Config).
func NewPasswordResetWorkflow(
	pool TxBeginner,
	users repository.UserRepository,
	tokens repository.TokenRepository,
	attempts repository.AttemptRepository,
	sessions *SessionManager,
	hasher *password.Hasher,
	limiter *RateLimiter,
	cfg config.ResetConfig,
	devLinkEnabled bool,
	logger *slog.Logger,
) *PasswordResetWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordResetWorkflow{
		pool:           pool,
		users:          users,
		tokens:         tokens,
		attempts:       attempts,
		sessions:       sessions,
		hasher:         hasher,
		limiter:        limiter,
		cfg:            cfg,
		devLinkEnabled: devLinkEnabled,
		logger:         logger,
		now:            time.Now,
	}
}

// RequestReset handles a reset request for a username or email. Every path
// returns a nil error with Issued=false except actual token issuance;
// infrastructure failures are the only error returns. The caller must
// present an identical response for all of them so the endpoint reveals
// nothing about account existence.
func (w *PasswordResetWorkflow) RequestReset(ctx context.Context, identifier, ip string) (ResetRequestResult, error) {
	now := w.now()

	allowed, err := w.limiter.CheckResetIPLimit(ctx, ip)
	if err != nil {
		return ResetRequestResult{}, err
	}
	if !allowed {
		// Over the IP limit: do not record, do not issue.
		w.logger.Info("reset request throttled by ip", "ip", ip)
		return ResetRequestResult{}, nil
	}

	user, err := w.lookupAccount(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			w.recordRequest(ctx, ip, now)
			return ResetRequestResult{}, nil
		}
		return ResetRequestResult{}, err
	}
	if !user.IsActive {
		w.recordRequest(ctx, ip, now)
		return ResetRequestResult{}, nil
	}

	allowed, err = w.limiter.CheckResetUserLimit(ctx, user.ID)
	if err != nil {
		return ResetRequestResult{}, err
	}
	if !allowed {
		w.recordRequest(ctx, ip, now)
		w.logger.Info("reset request throttled for user", "user_id", user.ID)
		return ResetRequestResult{}, nil
	}

	raw, hash, err := GenerateResetToken(ResetTokenBytes)
	if err != nil {
		return ResetRequestResult{}, err
	}
	token := &repository.PasswordResetToken{
		TokenHash: hash,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(w.cfg.TokenTTL),
	}
	if err := w.tokens.Create(ctx, token); err != nil {
		return ResetRequestResult{}, err
	}

	w.recordRequest(ctx, ip, now)
	metrics.ResetTokensIssuedTotal.Inc()
	w.logger.Info("reset token issued", "user_id", user.ID, "expires_at", token.ExpiresAt)

	result := ResetRequestResult{Issued: true}
	if w.devLinkEnabled {
		result.DevLink = raw
	}
	return result, nil
}

// lookupAccount resolves a reset identifier. Anything shaped like a
// username goes through the username lookup; everything else is treated
// as an email, matched raw or lower-cased.
func (w *PasswordResetWorkflow) lookupAccount(ctx context.Context, identifier string) (*repository.User, error) {
	if normalized := NormalizeUsername(identifier); ValidUsername(normalized) {
		return w.users.GetByUsername(ctx, normalized)
	}
	return w.users.GetByEmail(ctx, identifier)
}

// recordRequest appends to the per-IP request log. The log feeds the
// throttle only, so a write failure must not surface to the caller.
func (w *PasswordResetWorkflow) recordRequest(ctx context.Context, ip string, at time.Time) {
	if err := w.attempts.RecordResetRequest(ctx, ip, at); err != nil {
		w.logger.Warn("reset request log write failed", "error", err)
	}
}

// ResetPassword consumes a raw reset token and installs a new password.
// Consumption and the password write share one transaction so a token is
// spent if and only if the password changed. All failure causes collapse
// into ErrInvalidToken. On success every session of the user is revoked.
func (w *PasswordResetWorkflow) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	// Hash outside the transaction; argon2id is deliberately slow.
	digest, err := w.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	now := w.now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	userID, err := w.tokens.WithTx(tx).Consume(ctx, HashToken(rawToken), now)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotConsumable) {
			return ErrInvalidToken
		}
		return err
	}

	txUsers := w.users.WithTx(tx)
	user, err := txUsers.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if !user.IsActive {
		// Roll back so the token stays unused should the account be
		// reactivated before the token expires.
		return ErrInvalidToken
	}

	if err := txUsers.UpdatePassword(ctx, userID, digest, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.ResetTokensConsumedTotal.Inc()

	if err := w.sessions.RevokeAllUserSessions(ctx, userID, ""); err != nil {
		w.logger.Warn("post-reset session revocation failed", "user_id", userID, "error", err)
	}

	w.logger.Info("password reset completed", "user_id", userID)
	return nil
}

// PruneTokens removes expired and consumed reset tokens.
func (w *PasswordResetWorkflow) PruneTokens(ctx context.Context) (int64, error) {
	return w.tokens.PruneExpiredOrUsed(ctx, w.now())
}
