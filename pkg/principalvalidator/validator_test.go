package principalvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("access-signing-key-0123456789abcdef")

const testIssuer = "entauth-test"

type stubClock struct {
	timestamp time.Time
}

func (clock stubClock) Now() time.Time {
	return clock.timestamp
}

func mintToken(t *testing.T, key []byte, mutate func(claims *Claims)) string {
	t.Helper()
	issuedAt := time.Unix(1700000000, 0).UTC()
	claims := &Claims{
		UserID:       "user-123",
		EnterpriseID: "ent-9",
		UserRole:     "admin",
		UserEmail:    "user@example.com",
		TokenUse:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(15 * time.Minute)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if signErr != nil {
		t.Fatalf("failed to sign token: %v", signErr)
	}
	return signed
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: testSigningKey,
		Issuer:     testIssuer,
		Clock:      stubClock{timestamp: time.Unix(1700000060, 0).UTC()},
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return validator
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey, Issuer: "   "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func TestValidateTokenAcceptsWellFormedToken(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t)
	claims, err := validator.ValidateToken(mintToken(t, testSigningKey, nil))
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.GetUserID() != "user-123" || claims.GetEnterpriseID() != "ent-9" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.GetUserRole() != "admin" || claims.GetUserEmail() != "user@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.GetExpiresAt().IsZero() {
		t.Fatalf("expected an expiry timestamp")
	}
}

func TestValidateTokenRejections(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t)

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "   ",
			wantErr: ErrMissingToken,
		},
		{
			name:    "garbage token",
			token:   "not.a.jwt",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong signing key",
			token:   mintToken(t, []byte("a-completely-different-signing-key"), nil),
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			token: mintToken(t, testSigningKey, func(claims *Claims) {
				claims.Issuer = "someone-else"
			}),
			wantErr: ErrInvalidIssuer,
		},
		{
			name: "refresh token presented as access",
			token: mintToken(t, testSigningKey, func(claims *Claims) {
				claims.TokenUse = "refresh"
			}),
			wantErr: ErrInvalidToken,
		},
		{
			name: "expired token",
			token: mintToken(t, testSigningKey, func(claims *Claims) {
				claims.ExpiresAt = jwt.NewNumericDate(time.Unix(1700000000, 0).UTC())
			}),
			wantErr: ErrTokenExpired,
		},
		{
			name: "not yet valid",
			token: mintToken(t, testSigningKey, func(claims *Claims) {
				claims.NotBefore = jwt.NewNumericDate(time.Unix(1700009999, 0).UTC())
			}),
			wantErr: ErrInvalidToken,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t)

	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for nil request, got %v", err)
	}

	bare := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken without header, got %v", err)
	}

	wrongScheme := httptest.NewRequest(http.MethodGet, "/resource", nil)
	wrongScheme.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := validator.ValidateRequest(wrongScheme); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for wrong scheme, got %v", err)
	}

	authorized := httptest.NewRequest(http.MethodGet, "/resource", nil)
	authorized.Header.Set("Authorization", "bearer "+mintToken(t, testSigningKey, nil))
	claims, err := validator.ValidateRequest(authorized)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestGinMiddleware(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)
	validator := newTestValidator(t)

	router := gin.New()
	router.GET("/resource", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		value, found := contextGin.Get(DefaultContextKey)
		if !found {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		claims, ok := value.(*Claims)
		if !ok {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user_id": claims.GetUserID()})
	})

	denied := httptest.NewRecorder()
	router.ServeHTTP(denied, httptest.NewRequest(http.MethodGet, "/resource", nil))
	if denied.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", denied.Code)
	}

	granted := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set("Authorization", "Bearer "+mintToken(t, testSigningKey, nil))
	router.ServeHTTP(granted, request)
	if granted.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", granted.Code, granted.Body.String())
	}
}
