package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/messaging-backend/internal/auth"
	"github.com/marketlink/messaging-backend/internal/models"
)

// AuthMiddleware validates the bearer token minted by the identity
// collaborator and attaches the caller to the request context.
func AuthMiddleware(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization token"})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set("caller", models.Caller{ID: claims.ParticipantID, Role: claims.Role})
		c.Next()
	}
}

// InternalAuthMiddleware guards the assistant send endpoint: the caller is a
// trusted internal collaborator identified by a shared API key, not an end
// user.
func InternalAuthMiddleware(keyHeader, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || c.GetHeader(keyHeader) != key {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CallerFrom extracts the caller the auth middleware attached.
func CallerFrom(c *gin.Context) models.Caller {
	v, _ := c.Get("caller")
	caller, _ := v.(models.Caller)
	return caller
}
