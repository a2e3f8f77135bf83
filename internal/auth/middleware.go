package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// SessionCookie carries the session token for browser clients
	SessionCookie = "session"
	// StateCookie carries the OAuth state between login and callback
	StateCookie = "oauth_state"

	claimsKey = "session_claims"
)

// RequireSession rejects requests without a valid session. The token is read
// from the session cookie or from an "Authorization: Bearer" header.
func RequireSession(sessions *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			abortUnauthorized(c, "session required")
			return
		}

		claims, err := sessions.Parse(token)
		if err != nil {
			abortUnauthorized(c, "invalid or expired session")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// TokenFromRequest extracts the raw session token, preferring the header
func TokenFromRequest(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie
	}
	return ""
}

// ClaimsFrom returns the claims stored by RequireSession
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    "UNAUTHORIZED",
			"message": message,
		},
	})
}
