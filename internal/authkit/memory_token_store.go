package authkit

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore is an in-memory store intended for tests and dev.
type MemoryTokenStore struct {
	mutex  sync.Mutex
	byHash map[string]*memoryTokenRecord
	now    func() time.Time
}

type memoryTokenRecord struct {
	Hash         string
	UserID       string
	EnterpriseID string
	Kind         TokenKind
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byHash: make(map[string]*memoryTokenRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Put upserts a record keyed by the value digest.
func (store *MemoryTokenStore) Put(ctx context.Context, token StoredToken) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := hashTokenValue(token.Value)
	if existing, ok := store.byHash[hashValue]; ok && existing.Kind != token.Kind {
		return ErrTokenKindConflict
	}
	store.byHash[hashValue] = &memoryTokenRecord{
		Hash:         hashValue,
		UserID:       token.UserID,
		EnterpriseID: token.EnterpriseID,
		Kind:         token.Kind,
		IssuedAt:     token.IssuedAt,
		ExpiresAt:    token.ExpiresAt,
	}
	return nil
}

// GetByValue returns a live record. Expired rows report ErrTokenNotFound.
func (store *MemoryTokenStore) GetByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byHash[hashTokenValue(value)]
	if !ok || record.Kind != kind || record.ExpiresAt.Before(store.now()) {
		return StoredToken{}, ErrTokenNotFound
	}
	return store.toStoredToken(value, record), nil
}

// ConsumeByValue fetches and deletes a live record under one lock hold.
func (store *MemoryTokenStore) ConsumeByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := hashTokenValue(value)
	record, ok := store.byHash[hashValue]
	if !ok || record.Kind != kind || record.ExpiresAt.Before(store.now()) {
		return StoredToken{}, ErrTokenNotFound
	}
	delete(store.byHash, hashValue)
	return store.toStoredToken(value, record), nil
}

// DeleteByValue removes a record. Absent records are not an error.
func (store *MemoryTokenStore) DeleteByValue(ctx context.Context, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.byHash, hashTokenValue(value))
	return nil
}

// DeleteAllForOwner removes every record for the user, optionally restricted to kinds.
func (store *MemoryTokenStore) DeleteAllForOwner(ctx context.Context, userID string, kinds ...TokenKind) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for hashValue, record := range store.byHash {
		if record.UserID != userID {
			continue
		}
		if len(kinds) > 0 && !kindListed(record.Kind, kinds) {
			continue
		}
		delete(store.byHash, hashValue)
	}
	return nil
}

// SweepExpired deletes every record whose expiry precedes now.
func (store *MemoryTokenStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var removed int64
	for hashValue, record := range store.byHash {
		if record.ExpiresAt.Before(now) {
			delete(store.byHash, hashValue)
			removed++
		}
	}
	return removed, nil
}

func (store *MemoryTokenStore) toStoredToken(value string, record *memoryTokenRecord) StoredToken {
	return StoredToken{
		Value:        value,
		UserID:       record.UserID,
		EnterpriseID: record.EnterpriseID,
		Kind:         record.Kind,
		IssuedAt:     record.IssuedAt,
		ExpiresAt:    record.ExpiresAt,
	}
}

func kindListed(kind TokenKind, kinds []TokenKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}
