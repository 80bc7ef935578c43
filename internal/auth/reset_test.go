package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/password"
	"github.com/dittorahmat/sentinel/internal/repository"
)

func testHasher(t *testing.T) *password.Hasher {
	t.Helper()
	h, err := password.NewHasher(password.Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

type resetFixture struct {
	workflow *PasswordResetWorkflow
	users    *fakeUserRepo
	tokens   *fakeTokenRepo
	attempts *fakeAttemptRepo
	sessions *fakeSessionRepo
	beginner *fakeBeginner
}

func newResetFixture(t *testing.T, devLink bool) *resetFixture {
	t.Helper()
	users := newFakeUserRepo()
	tokens := newFakeTokenRepo()
	attempts := newFakeAttemptRepo()
	sessionRepo := newFakeSessionRepo()
	beginner := &fakeBeginner{}

	sessions := NewSessionManager(sessionRepo, users, testSessionConfig(), config.RotationConfig{}, nil)
	limiter := NewRateLimiter(attempts, tokens, testRateLimitConfig(), testResetConfig())
	workflow := NewPasswordResetWorkflow(
		beginner, users, tokens, attempts, sessions,
		testHasher(t), limiter, testResetConfig(), devLink, nil,
	)
	return &resetFixture{
		workflow: workflow,
		users:    users,
		tokens:   tokens,
		attempts: attempts,
		sessions: sessionRepo,
		beginner: beginner,
	}
}

func addResetUser(f *resetFixture, email string) *repository.User {
	return f.users.add(&repository.User{
		Username: "alice",
		Email:    &email,
		IsActive: true,
	})
}

func TestRequestResetUnknownEmailIsSilent(t *testing.T) {
	f := newResetFixture(t, true)

	result, err := f.workflow.RequestReset(context.Background(), "nobody@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Issued {
		t.Error("no token may be issued for an unknown email")
	}
	if result.DevLink != "" {
		t.Error("no link may leak for an unknown email")
	}
	// The request still counts toward the IP throttle.
	if n, _ := f.attempts.CountResetRequestsByIP(context.Background(), "10.0.0.1", time.Time{}); n != 1 {
		t.Errorf("expected 1 recorded request, got %d", n)
	}
}

func TestRequestResetInactiveAccountIsSilent(t *testing.T) {
	f := newResetFixture(t, true)
	user := addResetUser(f, "alice@example.com")
	f.users.users[user.ID].IsActive = false

	result, err := f.workflow.RequestReset(context.Background(), "alice@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Issued {
		t.Error("deactivated accounts must not receive tokens")
	}
}

func TestRequestResetIssuesToken(t *testing.T) {
	f := newResetFixture(t, true)
	user := addResetUser(f, "alice@example.com")

	result, err := f.workflow.RequestReset(context.Background(), "alice@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Issued {
		t.Fatal("expected a token for a known active account")
	}
	if result.DevLink == "" {
		t.Fatal("dev link enabled, expected the raw token")
	}

	// Only the hash is stored.
	if _, ok := f.tokens.tokens[result.DevLink]; ok {
		t.Error("raw token must never be persisted")
	}
	if _, ok := f.tokens.tokens[HashToken(result.DevLink)]; !ok {
		t.Error("token hash not stored")
	}
	if n, _ := f.tokens.CountRecentForUser(context.Background(), user.ID, time.Time{}); n != 1 {
		t.Errorf("expected 1 token, got %d", n)
	}
}

func TestRequestResetResolvesIdentifier(t *testing.T) {
	f := newResetFixture(t, true)
	user := addResetUser(f, "alice@example.com")
	ctx := context.Background()

	// Username, mixed-case username, and mixed-case email all reach the
	// same account.
	for _, identifier := range []string{"alice", "  ALICE ", "Alice@Example.com"} {
		result, err := f.workflow.RequestReset(ctx, identifier, "10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Issued {
			t.Errorf("identifier %q did not resolve", identifier)
		}
	}
	if n, _ := f.tokens.CountRecentForUser(ctx, user.ID, time.Time{}); n != 3 {
		t.Errorf("expected 3 tokens, got %d", n)
	}
}

func TestRequestResetDevLinkSuppressed(t *testing.T) {
	f := newResetFixture(t, false)
	addResetUser(f, "alice@example.com")

	result, err := f.workflow.RequestReset(context.Background(), "alice@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Issued {
		t.Fatal("expected issuance")
	}
	if result.DevLink != "" {
		t.Error("raw token must not surface when the dev link is disabled")
	}
}

func TestRequestResetIPThrottleShortCircuits(t *testing.T) {
	f := newResetFixture(t, true)
	addResetUser(f, "alice@example.com")

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 10; i++ {
		if err := f.attempts.RecordResetRequest(ctx, "10.0.0.1", now); err != nil {
			t.Fatal(err)
		}
	}

	result, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Issued {
		t.Error("over the IP limit nothing may be issued")
	}
	// Over-limit requests are not recorded, so the throttle cannot be
	// extended indefinitely by hammering.
	if n, _ := f.attempts.CountResetRequestsByIP(ctx, "10.0.0.1", time.Time{}); n != 10 {
		t.Errorf("expected request count to stay at 10, got %d", n)
	}
}

func TestRequestResetPerUserThrottle(t *testing.T) {
	f := newResetFixture(t, true)
	addResetUser(f, "alice@example.com")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Issued {
			t.Fatalf("request %d should issue", i+1)
		}
	}

	result, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Issued {
		t.Error("fourth token inside the window must be refused")
	}
}

func TestResetPasswordHappyPath(t *testing.T) {
	f := newResetFixture(t, true)
	user := addResetUser(f, "alice@example.com")

	ctx := context.Background()
	issued, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil || !issued.Issued {
		t.Fatalf("issuance failed: %v", err)
	}

	// Two live sessions that must both die on reset.
	sm := NewSessionManager(f.sessions, f.users, testSessionConfig(), config.RotationConfig{}, nil)
	for i := 0; i < 2; i++ {
		if _, err := sm.CreateSession(ctx, user.ID, ClientInfo{}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.workflow.ResetPassword(ctx, issued.DevLink, "correct-Horse-7-battery"); err != nil {
		t.Fatal(err)
	}

	fresh, _ := f.users.GetByID(ctx, user.ID)
	valid, _, err := f.workflow.hasher.Verify("correct-Horse-7-battery", fresh.PasswordHash)
	if err != nil || !valid {
		t.Error("new password not installed")
	}
	if count, _ := f.sessions.CountForUser(ctx, user.ID); count != 0 {
		t.Errorf("expected all sessions revoked, got %d", count)
	}
	if !f.beginner.lastTx.committed {
		t.Error("consumption and password write must commit together")
	}
}

func TestResetTokenIsSingleUse(t *testing.T) {
	f := newResetFixture(t, true)
	addResetUser(f, "alice@example.com")

	ctx := context.Background()
	issued, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil || !issued.Issued {
		t.Fatalf("issuance failed: %v", err)
	}

	if err := f.workflow.ResetPassword(ctx, issued.DevLink, "correct-Horse-7-battery"); err != nil {
		t.Fatal(err)
	}
	err = f.workflow.ResetPassword(ctx, issued.DevLink, "another-Valid-Pass-9")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second consumption must fail with ErrInvalidToken, got %v", err)
	}
}

func TestResetTokenSingleUseUnderRace(t *testing.T) {
	f := newResetFixture(t, true)
	addResetUser(f, "alice@example.com")

	ctx := context.Background()
	issued, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil || !issued.Issued {
		t.Fatalf("issuance failed: %v", err)
	}

	// Two racing consumers of the same token. Consumption is a single
	// conditional update, so exactly one may win no matter the
	// interleaving.
	var release sync.WaitGroup
	release.Add(1)
	errs := make(chan error, 2)
	for _, pw := range []string{"correct-Horse-7-battery", "another-Valid-Pass-9"} {
		go func(pw string) {
			release.Wait()
			errs <- f.workflow.ResetPassword(ctx, issued.DevLink, pw)
		}(pw)
	}
	release.Done()

	var wins, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidToken):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || rejected != 1 {
		t.Fatalf("want one winner and one invalid-token, got %d and %d", wins, rejected)
	}
}

func TestResetRejectsExpiredToken(t *testing.T) {
	f := newResetFixture(t, true)
	addResetUser(f, "alice@example.com")

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.workflow.now = func() time.Time { return base }

	issued, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil || !issued.Issued {
		t.Fatalf("issuance failed: %v", err)
	}

	f.workflow.now = func() time.Time { return base.Add(2 * time.Hour) }
	err = f.workflow.ResetPassword(ctx, issued.DevLink, "correct-Horse-7-battery")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must fail with ErrInvalidToken, got %v", err)
	}
}

func TestResetRejectsGarbageToken(t *testing.T) {
	f := newResetFixture(t, true)

	err := f.workflow.ResetPassword(context.Background(), "not-a-real-token", "correct-Horse-7-battery")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestResetInactiveAccountRollsBack(t *testing.T) {
	f := newResetFixture(t, true)
	user := addResetUser(f, "alice@example.com")

	ctx := context.Background()
	issued, err := f.workflow.RequestReset(ctx, "alice@example.com", "10.0.0.1")
	if err != nil || !issued.Issued {
		t.Fatalf("issuance failed: %v", err)
	}

	f.users.users[user.ID].IsActive = false
	err = f.workflow.ResetPassword(ctx, issued.DevLink, "correct-Horse-7-battery")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if f.beginner.lastTx.committed {
		t.Error("the transaction must roll back for a deactivated account")
	}
}
