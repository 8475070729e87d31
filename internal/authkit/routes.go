package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// maximumPasswordBytes is the bcrypt input limit; longer passwords would
// fail deep inside the hasher, so they are rejected at the boundary.
const maximumPasswordBytes = 72

// MountAuthRoutes registers the session endpoints. Each handler is a thin
// serialization over one authority operation; status and body shapes carry
// no logic of their own.
func MountAuthRoutes(router gin.IRouter, authority *SessionAuthority) {
	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			Email        string `json:"email"`
			Password     string `json:"password"`
			EnterpriseID string `json:"enterprise_id"`
			Role         string `json:"role"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil ||
			strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if len(inbound.Password) > maximumPasswordBytes {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_long"})
			return
		}
		session, registerErr := authority.Register(contextGin, RegisterInput{
			Email:        inbound.Email,
			Password:     inbound.Password,
			EnterpriseID: inbound.EnterpriseID,
			Role:         inbound.Role,
		})
		if registerErr != nil {
			respondAuthorityError(contextGin, registerErr)
			return
		}
		contextGin.JSON(http.StatusCreated, sessionPayload(session))
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil ||
			strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		session, loginErr := authority.Login(contextGin, inbound.Email, inbound.Password)
		if loginErr != nil {
			respondAuthorityError(contextGin, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, sessionPayload(session))
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		grant, refreshErr := authority.Refresh(contextGin, inbound.RefreshToken)
		if refreshErr != nil {
			respondAuthorityError(contextGin, refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":        grant.Principal.UserID,
			"enterprise_id":  grant.Principal.EnterpriseID,
			"user_role":      grant.Principal.Role,
			"user_email":     grant.Principal.Email,
			"access_token":   grant.AccessToken,
			"access_expires": grant.AccessExpiresAt,
		})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		// An unreadable body still logs out: deleting nothing is a no-op.
		_ = contextGin.BindJSON(&inbound)
		if logoutErr := authority.Logout(contextGin, inbound.RefreshToken); logoutErr != nil {
			respondAuthorityError(contextGin, logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/forgot-password", func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if forgotErr := authority.ForgotPassword(contextGin, inbound.Email); forgotErr != nil {
			respondAuthorityError(contextGin, forgotErr)
			return
		}
		// Accepted whether or not the email exists.
		contextGin.Status(http.StatusAccepted)
	})

	router.POST("/auth/reset-password/:token", func(contextGin *gin.Context) {
		var inbound struct {
			NewPassword string `json:"new_password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.NewPassword == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if len(inbound.NewPassword) > maximumPasswordBytes {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_long"})
			return
		}
		if resetErr := authority.ResetPassword(contextGin, contextGin.Param("token"), inbound.NewPassword); resetErr != nil {
			respondAuthorityError(contextGin, resetErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	protected := router.Group("")
	protected.Use(RequireSession(authority.Codec()))

	protected.PUT("/auth/change-password", func(contextGin *gin.Context) {
		principal, found := PrincipalFromContext(contextGin)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		var inbound struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.CurrentPassword == "" || inbound.NewPassword == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if len(inbound.NewPassword) > maximumPasswordBytes {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_long"})
			return
		}
		if changeErr := authority.ChangePassword(contextGin, principal.UserID, inbound.CurrentPassword, inbound.NewPassword); changeErr != nil {
			respondAuthorityError(contextGin, changeErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	protected.POST("/auth/logout-all", func(contextGin *gin.Context) {
		principal, found := PrincipalFromContext(contextGin)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		if logoutErr := authority.LogoutEverywhere(contextGin, principal.UserID); logoutErr != nil {
			respondAuthorityError(contextGin, logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	protected.GET("/me", func(contextGin *gin.Context) {
		principal, found := PrincipalFromContext(contextGin)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		record, profileErr := authority.Profile(contextGin, principal.UserID)
		if profileErr != nil {
			respondAuthorityError(contextGin, profileErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":       record.ID,
			"enterprise_id": record.EnterpriseID,
			"user_email":    record.Email,
			"user_role":     record.Role,
		})
	})

	protected.DELETE("/me", func(contextGin *gin.Context) {
		principal, found := PrincipalFromContext(contextGin)
		if !found {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		if deleteErr := authority.DeleteAccount(contextGin, principal.UserID); deleteErr != nil {
			respondAuthorityError(contextGin, deleteErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func sessionPayload(session Session) gin.H {
	return gin.H{
		"user_id":         session.Principal.UserID,
		"enterprise_id":   session.Principal.EnterpriseID,
		"user_role":       session.Principal.Role,
		"user_email":      session.Principal.Email,
		"access_token":    session.AccessToken,
		"access_expires":  session.AccessExpiresAt,
		"refresh_token":   session.RefreshToken,
		"refresh_expires": session.RefreshExpiresAt,
	}
}

func respondAuthorityError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDuplicateUser):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate_user"})
	case errors.Is(err, ErrInvalidCredentials):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, ErrInvalidToken):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
	case errors.Is(err, ErrMissingToken):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
	case errors.Is(err, ErrInvalidOrExpiredToken):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_or_expired_token"})
	case errors.Is(err, ErrIncorrectCurrentPassword):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "incorrect_current_password"})
	case errors.Is(err, ErrStorageUnavailable):
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		contextGin.AbortWithStatus(http.StatusInternalServerError)
	}
}
