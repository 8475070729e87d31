package authkit

import "time"

// ServerConfig configures signing keys, credential lifetimes, and hardening toggles.
type ServerConfig struct {
	// AccessSigningKey and RefreshSigningKey must differ; a token signed for
	// one scope never validates in the other.
	AccessSigningKey  []byte
	RefreshSigningKey []byte
	Issuer            string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	ResetTTL          time.Duration
	BcryptCost        int
	// RevokeSessionsOnReset additionally deletes every stored refresh token
	// for the user when a password reset is consumed.
	RevokeSessionsOnReset bool
}
