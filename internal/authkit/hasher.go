package authkit

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const minimumBcryptCost = 12

// PasswordHasher wraps bcrypt with a fixed work factor.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher constructs a hasher, raising the cost to the floor when needed.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < minimumBcryptCost {
		cost = minimumBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash derives a salted one-way hash. Each call salts independently, so equal
// inputs produce distinct outputs.
func (hasher *PasswordHasher) Hash(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("hasher.hash: %w", err)
	}
	return string(hashedBytes), nil
}

// Verify reports whether the password matches the stored hash. A malformed
// stored hash is a verification failure, never a fault for the caller.
func (hasher *PasswordHasher) Verify(password string, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}
