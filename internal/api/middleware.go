package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/auth"
	"fastraygram/internal/models"
	"fastraygram/pkg/logging"
)

const claimsContextKey = "claims"

// Revocations tells whether a token was issued before its user's sessions
// were ended.
type Revocations interface {
	IsRevoked(ctx context.Context, claims *auth.Claims) (bool, error)
}

func claimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user's id.
func UserIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	return id, err == nil
}

func RequireAuth(cfg auth.TokenConfig, revocations Revocations) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortJSON(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}
		if _, err := uuid.Parse(claims.UserID); err != nil {
			abortJSON(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}

		revoked, err := revocations.IsRevoked(c.Request.Context(), claims)
		if err != nil {
			logging.Errorf("Failed to check token revocation: %v", err)
			abortJSON(c, http.StatusServiceUnavailable, "Session store unavailable")
			return
		}
		if revoked {
			abortJSON(c, http.StatusUnauthorized, "Session has been revoked")
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireRole lets through roles at least as privileged as role.
func RequireRole(role models.RoleName) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c)
		if !ok || !models.RoleName(claims.Role).Satisfies(role) {
			abortJSON(c, http.StatusForbidden, "Not enough permissions")
			return
		}
		c.Next()
	}
}

// RequireVerified rejects regular users whose account is not verified yet.
// Operators pass unconditionally.
func RequireVerified(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c)
		if ok && models.RoleName(claims.Role).Satisfies(models.RoleAdmin) {
			c.Next()
			return
		}
		userID, ok := UserIDFromContext(c)
		if !ok {
			abortJSON(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}

		var user models.User
		err := db.WithContext(c.Request.Context()).Select("status").First(&user, "id = ?", userID).Error
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "Unknown user")
			return
		}
		if user.Status != models.UserVerified {
			abortJSON(c, http.StatusForbidden, "User is not verified")
			return
		}
		c.Next()
	}
}
