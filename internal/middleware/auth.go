package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"proofofart/internal/models"
	"proofofart/internal/security"
)

const currentUserKey = "current_user"

type UserLookup interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

// Auth requires a valid bearer token for an active account.
func Auth(secret string, users UserLookup) gin.HandlerFunc {
	return authenticate(secret, users, true)
}

// OptionalAuth resolves the user when a token is present and lets anonymous
// requests through. A token that is present but invalid is still rejected.
func OptionalAuth(secret string, users UserLookup) gin.HandlerFunc {
	return authenticate(secret, users, false)
}

func authenticate(secret string, users UserLookup, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" && !required {
			c.Next()
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := security.ParseAccessToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		user, err := users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}

		if user.Status != models.UserStatusActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
			return
		}

		c.Set(currentUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the user set by Auth or OptionalAuth.
func CurrentUser(c *gin.Context) (models.User, bool) {
	val, exists := c.Get(currentUserKey)
	if !exists {
		return models.User{}, false
	}
	user, ok := val.(models.User)
	return user, ok
}
