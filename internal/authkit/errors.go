package authkit

import "errors"

// Request-level error taxonomy surfaced by the session authority.
var (
	// ErrInvalidCredentials covers both unknown email and wrong password
	// so the response shape cannot be used for account enumeration.
	ErrInvalidCredentials = errors.New("session.invalid_credentials")
	// ErrDuplicateUser indicates a registration against an email that already has a directory entry.
	ErrDuplicateUser = errors.New("session.duplicate_user")
	// ErrInvalidToken collapses bad signature, wrong key scope, expiry, and
	// revoked-or-missing stored state into one externally visible failure.
	ErrInvalidToken = errors.New("session.invalid_token")
	// ErrInvalidOrExpiredToken indicates a password reset token that was never issued, already consumed, or expired.
	ErrInvalidOrExpiredToken = errors.New("session.invalid_or_expired_token")
	// ErrIncorrectCurrentPassword indicates a password change with a non-matching current password.
	ErrIncorrectCurrentPassword = errors.New("session.incorrect_current_password")
	// ErrMissingToken indicates a request without a bearer credential.
	ErrMissingToken = errors.New("session.missing_token")
	// ErrStorageUnavailable indicates a persistence fault. It is fatal to the
	// triggering request and must never be masked as a credential failure.
	ErrStorageUnavailable = errors.New("session.storage_unavailable")
)

// Store-level sentinel errors shared by every TokenStore implementation.
var (
	// ErrTokenNotFound indicates no live stored token matched the value and kind.
	// Expired rows are logically absent and also report ErrTokenNotFound.
	ErrTokenNotFound = errors.New("token_store.not_found")
	// ErrTokenKindConflict indicates an upsert collided with an existing
	// record of a different kind, which only happens on a generation collision.
	ErrTokenKindConflict = errors.New("token_store.kind_conflict")
)

// Directory sentinel errors shared by every UserDirectory implementation.
var (
	// ErrUserNotFound indicates no active directory entry matched the lookup.
	ErrUserNotFound = errors.New("directory.not_found")
	// ErrDuplicateEmail indicates an insert against an email that already exists.
	ErrDuplicateEmail = errors.New("directory.duplicate_email")
)
