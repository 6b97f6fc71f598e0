package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/logging"
)

// ContextKeyUserID is the gin context key holding the authenticated user ID.
const ContextKeyUserID = "authUserID"

// Middleware verifies the bearer token when present and stores the subject
// under ContextKeyUserID. Requests without a valid token pass through
// unauthenticated; RequireAuth rejects them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if ok {
			userID, err := v.Verify(token)
			if err == nil {
				c.Set(ContextKeyUserID, userID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
			} else {
				c.Set("authError", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) != "" {
			c.Next()
			return
		}
		msg := "Bearer token required. Include 'Authorization: Bearer <token>' header."
		if v, ok := c.Get("authError"); ok {
			if err, _ := v.(error); errors.Is(err, ErrExpiredToken) {
				msg = "Token expired."
			} else {
				msg = "Invalid token."
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": msg,
		})
	}
}

// UserID returns the authenticated user ID, or "" when unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
