package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalContextKey is where RequireSession stores the decoded principal.
const PrincipalContextKey = "auth_principal"

const bearerScheme = "Bearer"

// RequireSession validates the Authorization bearer token and injects the
// principal. It never consults the token store; access tokens are stateless
// and their blast radius is bounded by the access TTL.
func RequireSession(codec *TokenCodec) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenText, extractErr := extractBearerToken(contextGin.GetHeader("Authorization"))
		if extractErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		principal, parseErr := codec.ParseAccessToken(tokenText)
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		contextGin.Set(PrincipalContextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal injected by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, found := contextGin.Get(PrincipalContextKey)
	if !found {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

func extractBearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], bearerScheme) || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}
