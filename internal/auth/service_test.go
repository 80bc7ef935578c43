package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dittorahmat/sentinel/internal/config"
	"github.com/dittorahmat/sentinel/internal/password"
	"github.com/dittorahmat/sentinel/internal/repository"
)

type serviceFixture struct {
	service  *AuthService
	users    *fakeUserRepo
	sessions *fakeSessionRepo
	attempts *fakeAttemptRepo
	hasher   *password.Hasher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	users := newFakeUserRepo()
	sessionRepo := newFakeSessionRepo()
	attempts := newFakeAttemptRepo()
	hasher := testHasher(t)

	sessions := NewSessionManager(sessionRepo, users, testSessionConfig(), config.RotationConfig{}, nil)
	lockout := NewLockoutGuard(users, testLockoutConfig(), nil)
	limiter := NewRateLimiter(attempts, newFakeTokenRepo(), testRateLimitConfig(), testResetConfig())

	return &serviceFixture{
		service:  NewAuthService(users, hasher, sessions, lockout, limiter, nil),
		users:    users,
		sessions: sessionRepo,
		attempts: attempts,
		hasher:   hasher,
	}
}

func (f *serviceFixture) addUser(t *testing.T, username, plaintext string) *repository.User {
	t.Helper()
	digest, err := f.hasher.Hash(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return f.users.add(&repository.User{
		Username:     username,
		PasswordHash: digest,
		IsActive:     true,
	})
}

func TestRegisterAndLogin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	user, err := f.service.Register(ctx, "alice", nil, "correct-Horse-7-battery")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID.String() == "" {
		t.Fatal("expected an assigned user ID")
	}

	loggedIn, session, err := f.service.Login(ctx, "alice", "correct-Horse-7-battery", ClientInfo{IP: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if loggedIn.ID != user.ID {
		t.Error("login returned the wrong account")
	}
	if session == nil || session.ID == "" {
		t.Fatal("login must mint a session")
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.Register(ctx, "alice", nil, "correct-Horse-7-battery"); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.Register(ctx, "alice", nil, "another-Valid-Pass-9")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	f.addUser(t, "alice", "correct-Horse-7-battery")
	ctx := context.Background()

	_, _, errUnknown := f.service.Login(ctx, "nobody", "whatever-Pass-1!", ClientInfo{IP: "10.0.0.1"})
	_, _, errWrongPw := f.service.Login(ctx, "alice", "wrong-Password-1!", ClientInfo{IP: "10.0.0.1"})

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("both failures must collapse to ErrInvalidCredentials, got %v / %v", errUnknown, errWrongPw)
	}
}

func TestLoginNormalizesUsername(t *testing.T) {
	f := newServiceFixture(t)
	f.addUser(t, "alice", "correct-Horse-7-battery")

	_, session, err := f.service.Login(context.Background(), "  ALICE ", "correct-Horse-7-battery", ClientInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if session == nil {
		t.Fatal("case and whitespace variants must reach the same account")
	}
}

func TestFiveFailuresLockTheAccount(t *testing.T) {
	f := newServiceFixture(t)
	f.addUser(t, "alice", "correct-Horse-7-battery")
	ctx := context.Background()

	client := ClientInfo{IP: "10.0.0.1"}
	for i := 0; i < 4; i++ {
		_, _, err := f.service.Login(ctx, "alice", "wrong-Password-1!", client)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// The fifth failure installs the lock. It still unwraps to the
	// generic credential error, but now carries the retry hint.
	_, _, err := f.service.Login(ctx, "alice", "wrong-Password-1!", client)
	var le *LockedError
	if !errors.As(err, &le) {
		t.Fatalf("fifth failure must return LockedError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("LockedError must unwrap to ErrInvalidCredentials")
	}
	if le.RetryAfter <= 0 || le.RetryAfter > testLockoutConfig().Duration {
		t.Fatalf("retry hint out of range: %s", le.RetryAfter)
	}
	user, getErr := f.users.GetByUsername(ctx, "alice")
	if getErr != nil {
		t.Fatal(getErr)
	}
	if status := IsLocked(user.LockedUntil, time.Now()); !status.Locked {
		t.Fatal("fifth failure must set the lock")
	}

	// The correct password is refused while the lock runs, with the
	// remaining lock time as the hint.
	_, _, err = f.service.Login(ctx, "alice", "correct-Horse-7-battery", client)
	le = nil
	if !errors.As(err, &le) || le.RetryAfter <= 0 {
		t.Fatalf("locked account must refuse even the right password with a hint, got %v", err)
	}
}

func TestEleventhAttemptRateLimited(t *testing.T) {
	f := newServiceFixture(t)
	f.addUser(t, "alice", "correct-Horse-7-battery")
	ctx := context.Background()

	// Spread across usernames so only the IP dimension fills.
	for i := 0; i < 10; i++ {
		if err := f.service.limiter.RecordLoginAttempt(ctx, "10.0.0.1", "", false); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err := f.service.Login(ctx, "alice", "correct-Horse-7-battery", ClientInfo{IP: "10.0.0.1"})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Reason != LimitReasonIP {
		t.Errorf("expected ip reason, got %q", rle.Reason)
	}
	if rle.RetryAfter != time.Minute {
		t.Errorf("expected the window as the retry hint, got %s", rle.RetryAfter)
	}

	// The denied attempt itself lands in the log.
	if n, _ := f.attempts.CountLoginAttemptsByIP(ctx, "10.0.0.1", time.Time{}); n != 11 {
		t.Errorf("expected denied attempt to be recorded, count = %d", n)
	}
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "alice", "correct-Horse-7-battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.service.Login(ctx, "alice", "wrong-Password-1!", ClientInfo{IP: "10.0.0.1"})
	}
	if _, _, err := f.service.Login(ctx, "alice", "correct-Horse-7-battery", ClientInfo{IP: "10.0.0.1"}); err != nil {
		t.Fatal(err)
	}

	fresh, _ := f.users.GetByID(ctx, user.ID)
	if fresh.FailedLoginCount != 0 {
		t.Errorf("success must zero the failure counter, got %d", fresh.FailedLoginCount)
	}
}

func TestLoginRehashesWeakDigest(t *testing.T) {
	f := newServiceFixture(t)

	// Digest minted with a weaker profile than the fixture hasher.
	weak, err := password.NewHasher(password.Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatal(err)
	}
	digest, err := weak.Hash("correct-Horse-7-battery")
	if err != nil {
		t.Fatal(err)
	}
	user := f.users.add(&repository.User{Username: "alice", PasswordHash: digest, IsActive: true})

	if _, _, err := f.service.Login(context.Background(), "alice", "correct-Horse-7-battery", ClientInfo{}); err != nil {
		t.Fatal(err)
	}

	fresh, _ := f.users.GetByID(context.Background(), user.ID)
	if fresh.PasswordHash == digest {
		t.Error("login with the current password must upgrade an outdated digest")
	}
	if valid, _, _ := f.hasher.Verify("correct-Horse-7-battery", fresh.PasswordHash); !valid {
		t.Error("upgraded digest must still verify")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "alice", "correct-Horse-7-battery")
	f.users.users[user.ID].IsActive = false

	_, _, err := f.service.Login(context.Background(), "alice", "correct-Horse-7-battery", ClientInfo{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("deactivated account must look like bad credentials, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "alice", "correct-Horse-7-battery")
	ctx := context.Background()

	sm := NewSessionManager(f.sessions, f.users, testSessionConfig(), config.RotationConfig{}, nil)
	current, err := sm.CreateSession(ctx, user.ID, ClientInfo{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := sm.CreateSession(ctx, user.ID, ClientInfo{})
	if err != nil {
		t.Fatal(err)
	}

	err = f.service.ChangePassword(ctx, user.ID, current.ID, "correct-Horse-7-battery", "brand-New-Secret-42")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.sessions.GetByID(ctx, current.ID); err != nil {
		t.Error("the acting session must survive the change")
	}
	if _, err := f.sessions.GetByID(ctx, other.ID); err != repository.ErrSessionNotFound {
		t.Error("all other sessions must be revoked")
	}

	fresh, _ := f.users.GetByID(ctx, user.ID)
	if valid, _, _ := f.hasher.Verify("brand-New-Secret-42", fresh.PasswordHash); !valid {
		t.Error("new password not installed")
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "alice", "correct-Horse-7-battery")

	err := f.service.ChangePassword(context.Background(), user.ID, "sess", "wrong-Password-1!", "brand-New-Secret-42")
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.service.Logout(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.service.Logout(ctx, "never-existed"); err != nil {
		t.Fatal(err)
	}
}

func TestAttemptLogFailureDoesNotFailLogin(t *testing.T) {
	f := newServiceFixture(t)
	f.addUser(t, "alice", "correct-Horse-7-battery")
	f.attempts.recordErr = errors.New("disk full")

	_, session, err := f.service.Login(context.Background(), "alice", "correct-Horse-7-battery", ClientInfo{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("best-effort logging must not fail the login: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session despite the log failure")
	}
}
