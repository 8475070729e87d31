package authkit

import (
	"context"
	"strings"
	"sync"
)

// MemoryUserDirectory is an in-memory directory intended for tests and dev.
type MemoryUserDirectory struct {
	mutex     sync.Mutex
	byID      map[string]UserRecord
	idByEmail map[string]string
}

// NewMemoryUserDirectory creates an empty in-memory directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{
		byID:      make(map[string]UserRecord),
		idByEmail: make(map[string]string),
	}
}

// FindByEmail returns the active entry for the email or ErrUserNotFound.
func (directory *MemoryUserDirectory) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	userID, ok := directory.idByEmail[normalizeEmail(email)]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	record := directory.byID[userID]
	if record.Status != UserStatusActive {
		return UserRecord{}, ErrUserNotFound
	}
	return record, nil
}

// FindByID returns the active entry for the user id or ErrUserNotFound.
func (directory *MemoryUserDirectory) FindByID(ctx context.Context, userID string) (UserRecord, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, ok := directory.byID[userID]
	if !ok || record.Status != UserStatusActive {
		return UserRecord{}, ErrUserNotFound
	}
	return record, nil
}

// Insert adds a new entry, failing with ErrDuplicateEmail on an email collision.
func (directory *MemoryUserDirectory) Insert(ctx context.Context, record UserRecord) (UserRecord, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	emailKey := normalizeEmail(record.Email)
	if _, exists := directory.idByEmail[emailKey]; exists {
		return UserRecord{}, ErrDuplicateEmail
	}
	record.Email = emailKey
	directory.byID[record.ID] = record
	directory.idByEmail[emailKey] = record.ID
	return record, nil
}

// UpdatePasswordHash replaces the stored hash for an active user.
func (directory *MemoryUserDirectory) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, ok := directory.byID[userID]
	if !ok || record.Status != UserStatusActive {
		return ErrUserNotFound
	}
	record.PasswordHash = passwordHash
	directory.byID[userID] = record
	return nil
}

// Deactivate soft-deletes the entry. The row stays; lookups stop returning it.
func (directory *MemoryUserDirectory) Deactivate(ctx context.Context, userID string) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, ok := directory.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	record.Status = UserStatusDeactivated
	directory.byID[userID] = record
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
