package authkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec-level parse failures. The authority collapses both into
// ErrInvalidToken before anything leaves the process.
var (
	// ErrTokenExpired indicates the embedded expiry has passed.
	ErrTokenExpired = errors.New("codec.expired")
	// ErrTokenMalformed indicates a bad signature, wrong key scope, or unparseable payload.
	ErrTokenMalformed = errors.New("codec.malformed")
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// AccessClaims are embedded in stateless access tokens.
type AccessClaims struct {
	UserID       string `json:"user_id"`
	EnterpriseID string `json:"enterprise_id"`
	UserRole     string `json:"user_role"`
	UserEmail    string `json:"user_email"`
	TokenUse     string `json:"token_use"`
	jwt.RegisteredClaims
}

// RefreshClaims are embedded in signed refresh tokens. They carry no profile
// fields; the directory is consulted again when a new access token is minted.
type RefreshClaims struct {
	UserID       string `json:"user_id"`
	EnterpriseID string `json:"enterprise_id"`
	TokenUse     string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies HS256 tokens with key separation between the
// access and refresh scopes. A refresh key never validates an access token
// and vice versa.
type TokenCodec struct {
	accessSigningKey  []byte
	refreshSigningKey []byte
	issuer            string
	clock             Clock
}

// NewTokenCodec constructs a codec. The two signing keys must be non-empty
// and distinct.
func NewTokenCodec(accessSigningKey []byte, refreshSigningKey []byte, issuer string, clock Clock) (*TokenCodec, error) {
	if len(accessSigningKey) == 0 || len(refreshSigningKey) == 0 {
		return nil, errors.New("codec.init: signing keys must be non-empty")
	}
	if string(accessSigningKey) == string(refreshSigningKey) {
		return nil, errors.New("codec.init: access and refresh signing keys must differ")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		accessSigningKey:  accessSigningKey,
		refreshSigningKey: refreshSigningKey,
		issuer:            issuer,
		clock:             clock,
	}, nil
}

// MintAccessToken creates a signed, stateless access token for the principal.
func (codec *TokenCodec) MintAccessToken(principal Principal, ttl time.Duration) (string, time.Time, error) {
	if principal.UserID == "" {
		return "", time.Time{}, fmt.Errorf("codec.mint_access: subject must be non-empty")
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:       principal.UserID,
		EnterpriseID: principal.EnterpriseID,
		UserRole:     principal.Role,
		UserEmail:    principal.Email,
		TokenUse:     tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   principal.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(codec.accessSigningKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("codec.mint_access: %w", signErr)
	}
	return signed, expiresAt, nil
}

// MintRefreshToken creates a signed refresh token. The caller persists it;
// the signature alone never makes it honorable.
func (codec *TokenCodec) MintRefreshToken(userID string, enterpriseID string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("codec.mint_refresh: subject must be non-empty")
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		UserID:       userID,
		EnterpriseID: enterpriseID,
		TokenUse:     tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        newOpaqueFragment(),
		},
	})
	signed, signErr := token.SignedString(codec.refreshSigningKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("codec.mint_refresh: %w", signErr)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies signature, expiry, issuer, and scope, then
// returns the embedded principal.
func (codec *TokenCodec) ParseAccessToken(tokenText string) (Principal, error) {
	claims := &AccessClaims{}
	if err := codec.parse(tokenText, claims, codec.accessSigningKey); err != nil {
		return Principal{}, fmt.Errorf("codec.parse_access: %w", err)
	}
	if claims.TokenUse != tokenUseAccess {
		return Principal{}, fmt.Errorf("codec.parse_access: %w", ErrTokenMalformed)
	}
	return Principal{
		UserID:       claims.UserID,
		EnterpriseID: claims.EnterpriseID,
		Role:         claims.UserRole,
		Email:        claims.UserEmail,
	}, nil
}

// ParseRefreshToken verifies signature, expiry, issuer, and scope, then
// returns the owning user and enterprise.
func (codec *TokenCodec) ParseRefreshToken(tokenText string) (string, string, error) {
	claims := &RefreshClaims{}
	if err := codec.parse(tokenText, claims, codec.refreshSigningKey); err != nil {
		return "", "", fmt.Errorf("codec.parse_refresh: %w", err)
	}
	if claims.TokenUse != tokenUseRefresh {
		return "", "", fmt.Errorf("codec.parse_refresh: %w", ErrTokenMalformed)
	}
	return claims.UserID, claims.EnterpriseID, nil
}

func (codec *TokenCodec) parse(tokenText string, claims jwt.Claims, signingKey []byte) error {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenText, claims, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	switch {
	case parseErr == nil && parsedToken != nil && parsedToken.Valid:
		return nil
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}
