package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey holds the validated *APIKey in the gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID holds the authenticated user's id.
	ContextKeyUserID = "authUserID"
)

// Middleware validates the API key if one is presented and stores the key
// and its owner in the context. It never rejects; RequireAuth does that on
// the routes that need it, so public reads share the same chain.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
			}
		}

		c.Next()
	}
}

// RequireAuth aborts with 401 when Middleware did not authenticate the request.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated key, if the request carried one.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetAuthenticatedUser returns the caller's user id, or "" when anonymous.
func GetAuthenticatedUser(c *gin.Context) string {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated reports whether the request presented a valid key.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
