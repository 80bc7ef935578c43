package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dittorahmat/sentinel/internal/repository"
)

// In-memory repository fakes shared by the tests in this package. They
// mirror the SQL implementations closely enough for behavioral tests,
// including the conditional-update semantics of the lockout and token
// paths.

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User

	updatePasswordErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*repository.User)}
}

func (r *fakeUserRepo) add(u *repository.User) *repository.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	r.users[u.ID] = &cp
	return u
}

func (r *fakeUserRepo) Create(ctx context.Context, user *repository.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == user.Username {
			return repository.ErrUsernameTaken
		}
		if user.Email != nil && existing.Email != nil && *existing.Email == *user.Email {
			return repository.ErrEmailTaken
		}
	}
	user.ID = uuid.New()
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.PasswordUpdatedAt = now
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email != nil && (*u.Email == email || *u.Email == strings.ToLower(email)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, digest string, now time.Time) error {
	if r.updatePasswordErr != nil {
		return r.updatePasswordErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = digest
	u.PasswordUpdatedAt = now
	u.FailedLoginCount = 0
	u.LockedUntil = nil
	return nil
}

func (r *fakeUserRepo) IncrementFailedLogins(ctx context.Context, id uuid.UUID, now time.Time) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return 0, false, repository.ErrUserNotFound
	}
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		return 0, false, nil
	}
	u.FailedLoginCount++
	return u.FailedLoginCount, true, nil
}

func (r *fakeUserRepo) LockAccount(ctx context.Context, id uuid.UUID, until time.Time, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, repository.ErrUserNotFound
	}
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		return false, nil
	}
	u.LockedUntil = &until
	u.FailedLoginCount = 0
	return true, nil
}

func (r *fakeUserRepo) RecordLoginSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.FailedLoginCount = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (r *fakeUserRepo) WithTx(tx pgx.Tx) repository.UserRepository { return r }

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*repository.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*repository.Session)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, s *repository.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id string) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) Touch(ctx context.Context, id string, lastUsedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	s.LastUsedAt = lastUsedAt
	return nil
}

func (r *fakeSessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID, exceptID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.UserID == userID && id != exceptID {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) CountForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) DeleteOldestExcess(ctx context.Context, userID uuid.UUID, exceptID string, excess int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*repository.Session
	for id, s := range r.sessions {
		if s.UserID == userID && id != exceptID {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	for i := 0; i < excess && i < len(candidates); i++ {
		delete(r.sessions, candidates[i].ID)
	}
	return nil
}

func (r *fakeSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*repository.PasswordResetToken
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]*repository.PasswordResetToken)}
}

func (r *fakeTokenRepo) Create(ctx context.Context, t *repository.PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tokens[t.TokenHash] = &cp
	return nil
}

func (r *fakeTokenRepo) CountRecentForUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tokens {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenHash]
	if !ok || t.UsedAt != nil || t.ExpiresAt.Before(now) {
		return uuid.Nil, repository.ErrTokenNotConsumable
	}
	used := now
	t.UsedAt = &used
	return t.UserID, nil
}

func (r *fakeTokenRepo) PruneExpiredOrUsed(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, t := range r.tokens {
		if t.UsedAt != nil || t.ExpiresAt.Before(now) {
			delete(r.tokens, hash)
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) WithTx(tx pgx.Tx) repository.TokenRepository { return r }

type attemptRow struct {
	ip       string
	username string
	success  bool
	at       time.Time
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []attemptRow
	requests []attemptRow

	recordErr error
}

func newFakeAttemptRepo() *fakeAttemptRepo { return &fakeAttemptRepo{} }

func (r *fakeAttemptRepo) RecordLoginAttempt(ctx context.Context, a *repository.LoginAttempt) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row := attemptRow{success: a.Success, at: a.CreatedAt}
	if a.IPAddress != nil {
		row.ip = *a.IPAddress
	}
	if a.UsernameKey != nil {
		row.username = *a.UsernameKey
	}
	r.attempts = append(r.attempts, row)
	return nil
}

func (r *fakeAttemptRepo) CountLoginAttemptsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.ip == ip && !a.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) CountLoginAttemptsByUsername(ctx context.Context, usernameKey string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.username == usernameKey && !a.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) RecordResetRequest(ctx context.Context, ip string, at time.Time) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, attemptRow{ip: ip, at: at})
	return nil
}

func (r *fakeAttemptRepo) CountResetRequestsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.requests {
		if a.ip == ip && !a.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.attempts[:0]
	var n int64
	for _, a := range r.attempts {
		if a.at.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	return n, nil
}

func (r *fakeAttemptRepo) PruneResetRequests(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.requests[:0]
	var n int64
	for _, a := range r.requests {
		if a.at.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.requests = kept
	return n, nil
}

// fakeTx is a no-op transaction for workflow tests; the fake repos
// ignore the binding entirely.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakeBeginner struct {
	lastTx *fakeTx
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	b.lastTx = &fakeTx{}
	return b.lastTx, nil
}
