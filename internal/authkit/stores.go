package authkit

import (
	"context"
	"time"
)

// TokenKind discriminates the stored token variants. It is immutable after creation.
type TokenKind string

const (
	// KindRefresh marks a long-lived, signed refresh token.
	KindRefresh TokenKind = "refresh"
	// KindReset marks a short-lived, single-use password reset token.
	KindReset TokenKind = "reset"
)

// Valid reports whether the kind is one of the closed set.
func (kind TokenKind) Valid() bool {
	return kind == KindRefresh || kind == KindReset
}

// StoredToken is the durable record behind a revocable credential.
// Value is unique across the store; implementations persist a digest of it.
type StoredToken struct {
	Value        string
	UserID       string
	EnterpriseID string
	Kind         TokenKind
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// UserStatus is the explicit lifecycle state of a directory entry.
type UserStatus string

const (
	// UserStatusActive marks a user that may authenticate.
	UserStatusActive UserStatus = "active"
	// UserStatusDeactivated marks a soft-deleted user. Lookups filter it explicitly.
	UserStatusDeactivated UserStatus = "deactivated"
)

// UserRecord is a directory entry.
type UserRecord struct {
	ID           string
	EnterpriseID string
	Email        string
	Role         string
	PasswordHash string
	Status       UserStatus
	CreatedAt    time.Time
}

// UserDirectory persists and retrieves application users.
// Every lookup returns only active entries.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	FindByID(ctx context.Context, userID string) (UserRecord, error)
	Insert(ctx context.Context, record UserRecord) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error
	Deactivate(ctx context.Context, userID string) error
}

// TokenStore manages durable, revocable tokens keyed by their opaque value.
type TokenStore interface {
	// Put upserts a record. It fails with ErrTokenKindConflict when an
	// existing record for the same value carries a different kind.
	Put(ctx context.Context, token StoredToken) error
	// GetByValue returns a live record or ErrTokenNotFound. Rows whose
	// expiry has passed are logically absent even before sweeping.
	GetByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error)
	// ConsumeByValue atomically fetches and deletes a live record in a
	// single round trip, closing the check-then-use window.
	ConsumeByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error)
	// DeleteByValue removes a record. Absent records are not an error.
	DeleteByValue(ctx context.Context, value string) error
	// DeleteAllForOwner removes every record for the user, optionally
	// restricted to the given kinds. Idempotent.
	DeleteAllForOwner(ctx context.Context, userID string, kinds ...TokenKind) error
	// SweepExpired deletes every record whose expiry precedes now and
	// returns how many rows were removed.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// ResetMailer dispatches password reset notices. Delivery failures must not
// roll back token creation.
type ResetMailer interface {
	SendPasswordResetNotice(ctx context.Context, email string, resetToken string) error
}
