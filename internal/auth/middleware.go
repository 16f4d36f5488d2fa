package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the validated credential in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyParticipantID is the key for storing the authenticated participant id
	ContextKeyParticipantID = "authParticipantID"
)

// Middleware extracts and validates the bearer credential from the request.
// Sets apiKey and authParticipantID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyParticipantID, key.ParticipantID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid credential
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer credential required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the credential from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// CallerID returns the authenticated participant's id, or "" if unauthenticated.
func CallerID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyParticipantID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsBridgeCaller reports whether the request authenticated as a bridge principal.
func IsBridgeCaller(c *gin.Context) bool {
	key, ok := GetAPIKey(c)
	return ok && key.IsBridge()
}
