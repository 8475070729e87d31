package authkit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type recordedNotice struct {
	Email string
	Token string
}

type recordingMailer struct {
	mutex   sync.Mutex
	notices []recordedNotice
	fail    error
}

func (mailer *recordingMailer) SendPasswordResetNotice(ctx context.Context, email string, resetToken string) error {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	mailer.notices = append(mailer.notices, recordedNotice{Email: email, Token: resetToken})
	return mailer.fail
}

func (mailer *recordingMailer) sent() []recordedNotice {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	return append([]recordedNotice(nil), mailer.notices...)
}

type authorityFixture struct {
	authority *SessionAuthority
	directory *MemoryUserDirectory
	tokens    *MemoryTokenStore
	mailer    *recordingMailer
	clock     *controllableClock
	metrics   *CounterMetrics
}

func newAuthorityFixture(t *testing.T, mutate func(configuration *ServerConfig)) *authorityFixture {
	t.Helper()

	configuration := ServerConfig{
		AccessSigningKey:  []byte("access-signing-key-0123456789abcdef"),
		RefreshSigningKey: []byte("refresh-signing-key-0123456789abcdef"),
		Issuer:            "entauth-test",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		ResetTTL:          time.Hour,
		BcryptCost:        12,
	}
	if mutate != nil {
		mutate(&configuration)
	}

	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	tokens := NewMemoryTokenStore()
	tokens.now = clock.Now
	directory := NewMemoryUserDirectory()
	mailer := &recordingMailer{}
	metrics := NewCounterMetrics()

	authority, err := NewSessionAuthority(configuration, directory, tokens, mailer, clock, zaptest.NewLogger(t), metrics)
	if err != nil {
		t.Fatalf("failed to build authority: %v", err)
	}
	return &authorityFixture{
		authority: authority,
		directory: directory,
		tokens:    tokens,
		mailer:    mailer,
		clock:     clock,
		metrics:   metrics,
	}
}

func (fixture *authorityFixture) register(t *testing.T, email string, password string) Session {
	t.Helper()
	session, err := fixture.authority.Register(context.Background(), RegisterInput{
		Email:        email,
		Password:     password,
		EnterpriseID: "ent-1",
		Role:         "admin",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return session
}

// liveTokenCount drains the store with a far-future sweep. Only call it as the
// final assertion of a test.
func (fixture *authorityFixture) liveTokenCount(t *testing.T) int64 {
	t.Helper()
	removed, err := fixture.tokens.SweepExpired(context.Background(), fixture.clock.Now().Add(100*365*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	return removed
}

func TestRegisterIssuesDecodableSession(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)

	session := fixture.register(t, "alice@example.com", "correct horse battery")
	if session.Principal.Email != "alice@example.com" || session.Principal.EnterpriseID != "ent-1" || session.Principal.Role != "admin" {
		t.Fatalf("unexpected principal: %+v", session.Principal)
	}

	decoded, parseErr := fixture.authority.Codec().ParseAccessToken(session.AccessToken)
	if parseErr != nil {
		t.Fatalf("minted access token failed to parse: %v", parseErr)
	}
	if decoded != session.Principal {
		t.Fatalf("decoded principal %+v does not match issued %+v", decoded, session.Principal)
	}

	stored, storeErr := fixture.tokens.GetByValue(context.Background(), session.RefreshToken, KindRefresh)
	if storeErr != nil {
		t.Fatalf("refresh token was not persisted: %v", storeErr)
	}
	if stored.UserID != session.Principal.UserID {
		t.Fatalf("stored refresh token belongs to %q, want %q", stored.UserID, session.Principal.UserID)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)

	fixture.register(t, "alice@example.com", "password one")
	_, err := fixture.authority.Register(context.Background(), RegisterInput{
		Email:        "Alice@example.com",
		Password:     "password two",
		EnterpriseID: "ent-1",
	})
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
}

func TestRegisterDefaultsRole(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)

	session, err := fixture.authority.Register(context.Background(), RegisterInput{
		Email:        "bob@example.com",
		Password:     "a fine password",
		EnterpriseID: "ent-1",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if session.Principal.Role != DefaultUserRole {
		t.Fatalf("expected default role %q, got %q", DefaultUserRole, session.Principal.Role)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	fixture.register(t, "alice@example.com", "correct horse battery")
	priorSuccesses := fixture.metrics.Count(MetricLoginSuccess)

	_, unknownErr := fixture.authority.Login(context.Background(), "nobody@example.com", "whatever")
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", unknownErr)
	}
	_, wrongErr := fixture.authority.Login(context.Background(), "alice@example.com", "incorrect password")
	if !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("failure modes must be indistinguishable: %q vs %q", unknownErr, wrongErr)
	}
	if fixture.metrics.Count(MetricLoginSuccess) != priorSuccesses {
		t.Fatalf("failed logins must not count as successes")
	}
}

func TestLoginIsAdditiveAcrossDevices(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	first := fixture.register(t, "alice@example.com", "correct horse battery")
	second, loginErr := fixture.authority.Login(ctx, "alice@example.com", "correct horse battery")
	if loginErr != nil {
		t.Fatalf("second login failed: %v", loginErr)
	}
	if first.RefreshToken == second.RefreshToken {
		t.Fatalf("each session must carry a distinct refresh token")
	}

	// Ending one session leaves the other intact.
	if err := fixture.authority.Logout(ctx, first.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := fixture.authority.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked session to reject refresh, got %v", err)
	}
	if _, err := fixture.authority.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("surviving session failed to refresh: %v", err)
	}
}

func TestRefreshMintsAccessWithoutRotation(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	session := fixture.register(t, "alice@example.com", "correct horse battery")
	grant, refreshErr := fixture.authority.Refresh(ctx, session.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh failed: %v", refreshErr)
	}
	if grant.Principal != session.Principal {
		t.Fatalf("refresh principal %+v does not match session %+v", grant.Principal, session.Principal)
	}
	if _, err := fixture.authority.Codec().ParseAccessToken(grant.AccessToken); err != nil {
		t.Fatalf("refreshed access token failed to parse: %v", err)
	}

	// The presented refresh token stays valid for the next exchange.
	if _, err := fixture.authority.Refresh(ctx, session.RefreshToken); err != nil {
		t.Fatalf("repeated refresh failed: %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)

	session := fixture.register(t, "alice@example.com", "correct horse battery")
	if _, err := fixture.authority.Refresh(context.Background(), session.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected access token to be rejected on the refresh path, got %v", err)
	}
}

func TestLogoutEverywhereRevokesAllSessions(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	first := fixture.register(t, "alice@example.com", "correct horse battery")
	second, loginErr := fixture.authority.Login(ctx, "alice@example.com", "correct horse battery")
	if loginErr != nil {
		t.Fatalf("second login failed: %v", loginErr)
	}

	if err := fixture.authority.LogoutEverywhere(ctx, first.Principal.UserID); err != nil {
		t.Fatalf("logout everywhere failed: %v", err)
	}
	if _, err := fixture.authority.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected first session revoked, got %v", err)
	}
	if _, err := fixture.authority.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected second session revoked, got %v", err)
	}
}

func TestForgotPasswordUnknownEmailHasNoSideEffects(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)

	if err := fixture.authority.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected silent success for unknown email, got %v", err)
	}
	if notices := fixture.mailer.sent(); len(notices) != 0 {
		t.Fatalf("expected no notices, got %d", len(notices))
	}
	if count := fixture.liveTokenCount(t); count != 0 {
		t.Fatalf("expected no stored tokens, got %d", count)
	}
}

func TestForgotAndResetPasswordFlow(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	fixture.register(t, "alice@example.com", "old password here")
	if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}

	notices := fixture.mailer.sent()
	if len(notices) != 1 {
		t.Fatalf("expected exactly one notice, got %d", len(notices))
	}
	if notices[0].Email != "alice@example.com" || notices[0].Token == "" {
		t.Fatalf("unexpected notice: %+v", notices[0])
	}

	if err := fixture.authority.ResetPassword(ctx, notices[0].Token, "new password here"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	if _, err := fixture.authority.Login(ctx, "alice@example.com", "new password here"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if _, err := fixture.authority.Login(ctx, "alice@example.com", "old password here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}

	// Single use: the consumed token never works again.
	if err := fixture.authority.ResetPassword(ctx, notices[0].Token, "another password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected reused token to fail, got %v", err)
	}
}

func TestResetPasswordRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	fixture.register(t, "alice@example.com", "old password here")
	if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}
	resetToken := fixture.mailer.sent()[0].Token

	fixture.clock.Advance(2 * time.Hour)
	if err := fixture.authority.ResetPassword(ctx, resetToken, "new password here"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestResetPasswordRevokesSessionsWhenConfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()
		fixture := newAuthorityFixture(t, func(configuration *ServerConfig) {
			configuration.RevokeSessionsOnReset = true
		})
		session := fixture.register(t, "alice@example.com", "old password here")
		if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
			t.Fatalf("forgot password failed: %v", err)
		}
		if err := fixture.authority.ResetPassword(ctx, fixture.mailer.sent()[0].Token, "new password here"); err != nil {
			t.Fatalf("reset failed: %v", err)
		}
		if _, err := fixture.authority.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected sessions revoked after reset, got %v", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		fixture := newAuthorityFixture(t, nil)
		session := fixture.register(t, "alice@example.com", "old password here")
		if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
			t.Fatalf("forgot password failed: %v", err)
		}
		if err := fixture.authority.ResetPassword(ctx, fixture.mailer.sent()[0].Token, "new password here"); err != nil {
			t.Fatalf("reset failed: %v", err)
		}
		if _, err := fixture.authority.Refresh(ctx, session.RefreshToken); err != nil {
			t.Fatalf("expected sessions to survive reset by default, got %v", err)
		}
	})
}

func TestForgotPasswordToleratesMailerFailure(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	fixture.mailer.fail = errors.New("smtp unreachable")
	ctx := context.Background()

	fixture.register(t, "alice@example.com", "old password here")
	if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("expected mailer failure to be swallowed, got %v", err)
	}

	// The token was persisted before dispatch and stays usable.
	resetToken := fixture.mailer.sent()[0].Token
	if err := fixture.authority.ResetPassword(ctx, resetToken, "new password here"); err != nil {
		t.Fatalf("reset with persisted token failed: %v", err)
	}
}

type faultingDirectory struct {
	*MemoryUserDirectory
	updateFaults int
}

func (directory *faultingDirectory) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	if directory.updateFaults > 0 {
		directory.updateFaults--
		return errors.New("storage briefly offline")
	}
	return directory.MemoryUserDirectory.UpdatePasswordHash(ctx, userID, passwordHash)
}

func TestResetPasswordKeepsTokenWhenHashingFails(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	fixture.register(t, "alice@example.com", "old password here")
	if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}
	resetToken := fixture.mailer.sent()[0].Token

	// bcrypt rejects inputs over 72 bytes; the token must survive the failure.
	oversized := strings.Repeat("p", 80)
	if err := fixture.authority.ResetPassword(ctx, resetToken, oversized); err == nil {
		t.Fatalf("expected oversized password to fail hashing")
	}

	if err := fixture.authority.ResetPassword(ctx, resetToken, "new password here"); err != nil {
		t.Fatalf("retry after failed reset must succeed: %v", err)
	}
	if _, err := fixture.authority.Login(ctx, "alice@example.com", "new password here"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func TestResetPasswordRestoresTokenOnUpdateFault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	configuration := ServerConfig{
		AccessSigningKey:  []byte("access-signing-key-0123456789abcdef"),
		RefreshSigningKey: []byte("refresh-signing-key-0123456789abcdef"),
		Issuer:            "entauth-test",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		ResetTTL:          time.Hour,
		BcryptCost:        12,
	}
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	tokens := NewMemoryTokenStore()
	tokens.now = clock.Now
	directory := &faultingDirectory{MemoryUserDirectory: NewMemoryUserDirectory(), updateFaults: 1}
	dispatch := &recordingMailer{}

	authority, buildErr := NewSessionAuthority(configuration, directory, tokens, dispatch, clock, zaptest.NewLogger(t), NewCounterMetrics())
	if buildErr != nil {
		t.Fatalf("failed to build authority: %v", buildErr)
	}

	if _, err := authority.Register(ctx, RegisterInput{
		Email:        "alice@example.com",
		Password:     "old password here",
		EnterpriseID: "ent-1",
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}
	resetToken := dispatch.sent()[0].Token

	if err := authority.ResetPassword(ctx, resetToken, "new password here"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage fault on first attempt, got %v", err)
	}

	// The faulted attempt put the token back, so the caller can retry.
	if err := authority.ResetPassword(ctx, resetToken, "new password here"); err != nil {
		t.Fatalf("retry after storage fault must succeed: %v", err)
	}
	if _, err := authority.Login(ctx, "alice@example.com", "new password here"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	session := fixture.register(t, "alice@example.com", "old password here")
	userID := session.Principal.UserID

	if err := fixture.authority.ChangePassword(ctx, userID, "incorrect password", "new password here"); !errors.Is(err, ErrIncorrectCurrentPassword) {
		t.Fatalf("expected ErrIncorrectCurrentPassword, got %v", err)
	}
	if err := fixture.authority.ChangePassword(ctx, userID, "old password here", "new password here"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if _, err := fixture.authority.Login(ctx, "alice@example.com", "new password here"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if err := fixture.authority.ChangePassword(ctx, "missing-user", "whatever", "new password"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown user, got %v", err)
	}
}

func TestDeleteAccountDeactivatesAndPurgesTokens(t *testing.T) {
	t.Parallel()
	fixture := newAuthorityFixture(t, nil)
	ctx := context.Background()

	session := fixture.register(t, "alice@example.com", "correct horse battery")
	if err := fixture.authority.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot password failed: %v", err)
	}

	if err := fixture.authority.DeleteAccount(ctx, session.Principal.UserID); err != nil {
		t.Fatalf("delete account failed: %v", err)
	}

	if _, err := fixture.authority.Login(ctx, "alice@example.com", "correct horse battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected deactivated account to reject login, got %v", err)
	}
	if _, err := fixture.authority.Refresh(ctx, session.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected refresh token purged, got %v", err)
	}
	if err := fixture.authority.ResetPassword(ctx, fixture.mailer.sent()[0].Token, "new password"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected reset token purged, got %v", err)
	}
	if _, err := fixture.authority.Profile(ctx, session.Principal.UserID); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected profile of deactivated account to fail, got %v", err)
	}

	// Deleting twice is tolerated.
	if err := fixture.authority.DeleteAccount(ctx, session.Principal.UserID); err != nil {
		t.Fatalf("second delete must not error: %v", err)
	}
}
