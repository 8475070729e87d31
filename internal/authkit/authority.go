package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultUserRole is assigned when a registration does not name a role.
const DefaultUserRole = "user"

// Session is the issued credential pair plus the minted identity.
type Session struct {
	Principal        Principal
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AccessGrant is the result of a refresh: a new access token only. The
// presented refresh token stays live until logout or natural expiry.
type AccessGrant struct {
	Principal       Principal
	AccessToken     string
	AccessExpiresAt time.Time
}

// RegisterInput carries the fields of a registration request.
type RegisterInput struct {
	Email        string
	Password     string
	EnterpriseID string
	Role         string
}

// SessionAuthority orchestrates credential issuance, validation, rotation,
// and revocation against the directory and token store collaborators.
type SessionAuthority struct {
	directory             UserDirectory
	tokens                TokenStore
	codec                 *TokenCodec
	hasher                *PasswordHasher
	mailer                ResetMailer
	clock                 Clock
	logger                *zap.Logger
	metrics               MetricsRecorder
	accessTTL             time.Duration
	refreshTTL            time.Duration
	resetTTL              time.Duration
	revokeSessionsOnReset bool
}

// NewSessionAuthority wires the authority from its collaborators.
func NewSessionAuthority(
	configuration ServerConfig,
	directory UserDirectory,
	tokens TokenStore,
	mailer ResetMailer,
	clock Clock,
	logger *zap.Logger,
	metrics MetricsRecorder,
) (*SessionAuthority, error) {
	if directory == nil {
		return nil, errors.New("authority.init: user directory is required")
	}
	if tokens == nil {
		return nil, errors.New("authority.init: token store is required")
	}
	if mailer == nil {
		return nil, errors.New("authority.init: reset mailer is required")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	codec, codecErr := NewTokenCodec(configuration.AccessSigningKey, configuration.RefreshSigningKey, configuration.Issuer, clock)
	if codecErr != nil {
		return nil, codecErr
	}
	return &SessionAuthority{
		directory:             directory,
		tokens:                tokens,
		codec:                 codec,
		hasher:                NewPasswordHasher(configuration.BcryptCost),
		mailer:                mailer,
		clock:                 clock,
		logger:                logger,
		metrics:               metrics,
		accessTTL:             configuration.AccessTTL,
		refreshTTL:            configuration.RefreshTTL,
		resetTTL:              configuration.ResetTTL,
		revokeSessionsOnReset: configuration.RevokeSessionsOnReset,
	}, nil
}

// Codec exposes the token codec for middleware construction.
func (authority *SessionAuthority) Codec() *TokenCodec {
	return authority.codec
}

// Register creates a directory entry and issues the first session.
func (authority *SessionAuthority) Register(ctx context.Context, input RegisterInput) (Session, error) {
	_, findErr := authority.directory.FindByEmail(ctx, input.Email)
	switch {
	case findErr == nil:
		authority.metrics.Increment(MetricRegisterDuplicate)
		return Session{}, ErrDuplicateUser
	case errors.Is(findErr, ErrUserNotFound):
	default:
		return Session{}, authority.storageFault("auth.register.lookup", findErr)
	}

	passwordHash, hashErr := authority.hasher.Hash(input.Password)
	if hashErr != nil {
		return Session{}, fmt.Errorf("auth.register: %w", hashErr)
	}

	role := input.Role
	if role == "" {
		role = DefaultUserRole
	}
	record, insertErr := authority.directory.Insert(ctx, UserRecord{
		ID:           uuid.NewString(),
		EnterpriseID: input.EnterpriseID,
		Email:        input.Email,
		Role:         role,
		PasswordHash: passwordHash,
		Status:       UserStatusActive,
		CreatedAt:    authority.clock.Now(),
	})
	if insertErr != nil {
		if errors.Is(insertErr, ErrDuplicateEmail) {
			authority.metrics.Increment(MetricRegisterDuplicate)
			return Session{}, ErrDuplicateUser
		}
		return Session{}, authority.storageFault("auth.register.insert", insertErr)
	}

	session, issueErr := authority.issueSession(ctx, record)
	if issueErr != nil {
		return Session{}, issueErr
	}
	authority.metrics.Increment(MetricRegisterSuccess)
	authority.logger.Info("user registered",
		zap.String("code", "auth.register.success"),
		zap.String("user_id", record.ID),
		zap.String("enterprise_id", record.EnterpriseID))
	return session, nil
}

// Login verifies credentials and issues a new session. Unknown email and
// wrong password are indistinguishable to the caller. Multi-device login is
// additive; prior refresh tokens stay valid.
func (authority *SessionAuthority) Login(ctx context.Context, email string, password string) (Session, error) {
	record, findErr := authority.directory.FindByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			authority.metrics.Increment(MetricLoginRejected)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, authority.storageFault("auth.login.lookup", findErr)
	}
	if !authority.hasher.Verify(password, record.PasswordHash) {
		authority.metrics.Increment(MetricLoginRejected)
		return Session{}, ErrInvalidCredentials
	}

	session, issueErr := authority.issueSession(ctx, record)
	if issueErr != nil {
		return Session{}, issueErr
	}
	authority.metrics.Increment(MetricLoginSuccess)
	return session, nil
}

// Refresh exchanges a live refresh token for a new access token. Signature
// failures and revoked-or-expired stored state report the same error.
func (authority *SessionAuthority) Refresh(ctx context.Context, refreshToken string) (AccessGrant, error) {
	userID, _, parseErr := authority.codec.ParseRefreshToken(refreshToken)
	if parseErr != nil {
		authority.metrics.Increment(MetricRefreshRejected)
		return AccessGrant{}, ErrInvalidToken
	}

	if _, storeErr := authority.tokens.GetByValue(ctx, refreshToken, KindRefresh); storeErr != nil {
		if errors.Is(storeErr, ErrTokenNotFound) {
			authority.metrics.Increment(MetricRefreshRejected)
			return AccessGrant{}, ErrInvalidToken
		}
		return AccessGrant{}, authority.storageFault("auth.refresh.lookup", storeErr)
	}

	record, findErr := authority.directory.FindByID(ctx, userID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			authority.metrics.Increment(MetricRefreshRejected)
			return AccessGrant{}, ErrInvalidToken
		}
		return AccessGrant{}, authority.storageFault("auth.refresh.profile", findErr)
	}

	principal := principalFromRecord(record)
	accessToken, accessExpiresAt, mintErr := authority.codec.MintAccessToken(principal, authority.accessTTL)
	if mintErr != nil {
		return AccessGrant{}, fmt.Errorf("auth.refresh: %w", mintErr)
	}
	authority.metrics.Increment(MetricRefreshSuccess)
	return AccessGrant{
		Principal:       principal,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// Logout deletes the presented refresh token. Absent tokens are not an error.
func (authority *SessionAuthority) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := authority.tokens.DeleteByValue(ctx, refreshToken); err != nil {
		return authority.storageFault("auth.logout", err)
	}
	authority.metrics.Increment(MetricLogoutSuccess)
	return nil
}

// LogoutEverywhere revokes every refresh token the user holds.
func (authority *SessionAuthority) LogoutEverywhere(ctx context.Context, userID string) error {
	if err := authority.tokens.DeleteAllForOwner(ctx, userID, KindRefresh); err != nil {
		return authority.storageFault("auth.logout_all", err)
	}
	authority.metrics.Increment(MetricLogoutSuccess)
	return nil
}

// ForgotPassword issues a single-use reset token and hands it to the mailer.
// An unknown email succeeds with no side effect so responses cannot be used
// for account enumeration. Mailer failures never roll back token creation.
func (authority *SessionAuthority) ForgotPassword(ctx context.Context, email string) error {
	record, findErr := authority.directory.FindByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			authority.logger.Info("password reset for unknown email",
				zap.String("code", "auth.forgot_password.unknown_email"))
			return nil
		}
		return authority.storageFault("auth.forgot_password.lookup", findErr)
	}

	resetToken, persistErr := authority.persistResetToken(ctx, record)
	if persistErr != nil {
		return persistErr
	}
	authority.metrics.Increment(MetricForgotPassword)

	if sendErr := authority.mailer.SendPasswordResetNotice(ctx, record.Email, resetToken); sendErr != nil {
		authority.logger.Warn("reset notice dispatch failed",
			zap.String("code", "auth.forgot_password.dispatch_failed"),
			zap.String("user_id", record.ID),
			zap.Error(sendErr))
	}
	return nil
}

// ResetPassword consumes a reset token and replaces the stored hash. The
// consume is a single atomic round trip; any later reuse of the token fails.
// The password is hashed before the consume, and an update fault restores
// the token, so only a completed reset burns it.
func (authority *SessionAuthority) ResetPassword(ctx context.Context, resetToken string, newPassword string) error {
	passwordHash, hashErr := authority.hasher.Hash(newPassword)
	if hashErr != nil {
		return fmt.Errorf("auth.reset_password: %w", hashErr)
	}

	consumed, consumeErr := authority.tokens.ConsumeByValue(ctx, resetToken, KindReset)
	if consumeErr != nil {
		if errors.Is(consumeErr, ErrTokenNotFound) {
			authority.metrics.Increment(MetricResetRejected)
			return ErrInvalidOrExpiredToken
		}
		return authority.storageFault("auth.reset_password.consume", consumeErr)
	}

	if updateErr := authority.directory.UpdatePasswordHash(ctx, consumed.UserID, passwordHash); updateErr != nil {
		if errors.Is(updateErr, ErrUserNotFound) {
			authority.metrics.Increment(MetricResetRejected)
			return ErrInvalidOrExpiredToken
		}
		if restoreErr := authority.tokens.Put(ctx, consumed); restoreErr != nil {
			authority.logger.Warn("reset token restore failed",
				zap.String("code", "auth.reset_password.restore_failed"),
				zap.String("user_id", consumed.UserID),
				zap.Error(restoreErr))
		}
		return authority.storageFault("auth.reset_password.update", updateErr)
	}

	if authority.revokeSessionsOnReset {
		if revokeErr := authority.tokens.DeleteAllForOwner(ctx, consumed.UserID, KindRefresh); revokeErr != nil {
			authority.logger.Warn("session revocation after reset failed",
				zap.String("code", "auth.reset_password.revoke_failed"),
				zap.String("user_id", consumed.UserID),
				zap.Error(revokeErr))
		}
	}

	authority.metrics.Increment(MetricResetSuccess)
	authority.logger.Info("password reset",
		zap.String("code", "auth.reset_password.success"),
		zap.String("user_id", consumed.UserID))
	return nil
}

// ChangePassword replaces the hash for an authenticated user after verifying
// the current password.
func (authority *SessionAuthority) ChangePassword(ctx context.Context, userID string, currentPassword string, newPassword string) error {
	record, findErr := authority.directory.FindByID(ctx, userID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return ErrInvalidToken
		}
		return authority.storageFault("auth.change_password.lookup", findErr)
	}
	if !authority.hasher.Verify(currentPassword, record.PasswordHash) {
		authority.metrics.Increment(MetricPasswordChangeWrong)
		return ErrIncorrectCurrentPassword
	}

	passwordHash, hashErr := authority.hasher.Hash(newPassword)
	if hashErr != nil {
		return fmt.Errorf("auth.change_password: %w", hashErr)
	}
	if updateErr := authority.directory.UpdatePasswordHash(ctx, userID, passwordHash); updateErr != nil {
		return authority.storageFault("auth.change_password.update", updateErr)
	}
	authority.metrics.Increment(MetricPasswordChanged)
	return nil
}

// DeleteAccount soft-deletes the directory entry and purges every stored
// token of every kind for the user.
func (authority *SessionAuthority) DeleteAccount(ctx context.Context, userID string) error {
	deactivateErr := authority.directory.Deactivate(ctx, userID)
	if deactivateErr != nil && !errors.Is(deactivateErr, ErrUserNotFound) {
		return authority.storageFault("auth.delete_account.deactivate", deactivateErr)
	}
	if purgeErr := authority.tokens.DeleteAllForOwner(ctx, userID); purgeErr != nil {
		return authority.storageFault("auth.delete_account.purge", purgeErr)
	}
	authority.metrics.Increment(MetricAccountDeleted)
	authority.logger.Info("account deactivated",
		zap.String("code", "auth.delete_account.success"),
		zap.String("user_id", userID))
	return nil
}

// Profile returns the current directory entry behind a principal.
func (authority *SessionAuthority) Profile(ctx context.Context, userID string) (UserRecord, error) {
	record, findErr := authority.directory.FindByID(ctx, userID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return UserRecord{}, ErrInvalidToken
		}
		return UserRecord{}, authority.storageFault("auth.profile", findErr)
	}
	return record, nil
}

func (authority *SessionAuthority) issueSession(ctx context.Context, record UserRecord) (Session, error) {
	principal := principalFromRecord(record)
	accessToken, accessExpiresAt, accessErr := authority.codec.MintAccessToken(principal, authority.accessTTL)
	if accessErr != nil {
		return Session{}, fmt.Errorf("auth.issue: %w", accessErr)
	}

	// One retry on value collision; every mint carries fresh randomness.
	var refreshToken string
	var refreshExpiresAt time.Time
	for attempt := 0; attempt < 2; attempt++ {
		minted, expiresAt, refreshErr := authority.codec.MintRefreshToken(record.ID, record.EnterpriseID, authority.refreshTTL)
		if refreshErr != nil {
			return Session{}, fmt.Errorf("auth.issue: %w", refreshErr)
		}
		putErr := authority.tokens.Put(ctx, StoredToken{
			Value:        minted,
			UserID:       record.ID,
			EnterpriseID: record.EnterpriseID,
			Kind:         KindRefresh,
			IssuedAt:     authority.clock.Now(),
			ExpiresAt:    expiresAt,
		})
		if putErr == nil {
			refreshToken = minted
			refreshExpiresAt = expiresAt
			break
		}
		if errors.Is(putErr, ErrTokenKindConflict) && attempt == 0 {
			continue
		}
		return Session{}, authority.storageFault("auth.issue.persist", putErr)
	}

	return Session{
		Principal:        principal,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func (authority *SessionAuthority) persistResetToken(ctx context.Context, record UserRecord) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		resetToken, generateErr := generateOpaqueToken()
		if generateErr != nil {
			return "", fmt.Errorf("auth.forgot_password: %w", generateErr)
		}
		now := authority.clock.Now()
		putErr := authority.tokens.Put(ctx, StoredToken{
			Value:        resetToken,
			UserID:       record.ID,
			EnterpriseID: record.EnterpriseID,
			Kind:         KindReset,
			IssuedAt:     now,
			ExpiresAt:    now.Add(authority.resetTTL),
		})
		if putErr == nil {
			return resetToken, nil
		}
		if errors.Is(putErr, ErrTokenKindConflict) && attempt == 0 {
			continue
		}
		return "", authority.storageFault("auth.forgot_password.persist", putErr)
	}
	return "", authority.storageFault("auth.forgot_password.persist", ErrTokenKindConflict)
}

func (authority *SessionAuthority) storageFault(code string, err error) error {
	authority.logger.Error("storage fault",
		zap.String("code", code),
		zap.Error(err))
	return fmt.Errorf("%s: %w", code, ErrStorageUnavailable)
}

func principalFromRecord(record UserRecord) Principal {
	return Principal{
		UserID:       record.ID,
		EnterpriseID: record.EnterpriseID,
		Role:         record.Role,
		Email:        record.Email,
	}
}
