package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const opaqueTokenByteLength = 32

// generateOpaqueToken produces an unguessable random value for credentials
// that are not signed, such as password reset tokens.
func generateOpaqueToken() (string, error) {
	randomBytes := make([]byte, opaqueTokenByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("token_store.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// newOpaqueFragment returns a short random identifier used to keep otherwise
// identical refresh tokens distinct.
func newOpaqueFragment() string {
	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes)
}

// hashTokenValue digests a token value for storage. Stores never hold the
// presented value itself.
func hashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
