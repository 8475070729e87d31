// Package principalvalidator validates entauth access tokens for sibling
// services in the same trust domain. It verifies signature and expiry alone;
// access tokens are stateless and require no store lookup.
package principalvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	// SigningKey is the access-token signing secret. Refresh tokens are
	// signed with a different key and never validate here.
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_principal"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("principal.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("principal.validator.missing_issuer")
	ErrMissingToken      = errors.New("principal.validator.missing_token")
	ErrInvalidToken      = errors.New("principal.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("principal.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("principal.validator.expired")
)

// Validator validates entauth bearer access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// Claims represent the payload embedded inside entauth access tokens.
type Claims struct {
	UserID       string `json:"user_id"`
	EnterpriseID string `json:"enterprise_id"`
	UserRole     string `json:"user_role"`
	UserEmail    string `json:"user_email"`
	TokenUse     string `json:"token_use"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier from the token.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetEnterpriseID returns the tenant identifier from the token.
func (claims *Claims) GetEnterpriseID() string {
	if claims == nil {
		return ""
	}
	return claims.EnterpriseID
}

// GetUserRole returns the role carried by the token.
func (claims *Claims) GetUserRole() string {
	if claims == nil {
		return ""
	}
	return claims.UserRole
}

// GetUserEmail returns the email carried by the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("principal.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("principal.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if claims.TokenUse != "access" {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidToken)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt != nil && current.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("principal.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the Authorization header from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("principal.validator.validate_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("principal.validator.validate_request: %w", ErrMissingToken)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("principal.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(parts[1])
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
