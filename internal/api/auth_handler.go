package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kurihiro0119/github-fork-cleaner/internal/auth"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/storage"
)

const stateMaxAge = 10 * 60 // seconds

// AuthHandler serves the GitHub sign-in flow
type AuthHandler struct {
	auth     *auth.Authenticator
	users    storage.AccountStore
	gateways *SessionGateways
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authenticator *auth.Authenticator, users storage.AccountStore, gateways *SessionGateways) *AuthHandler {
	return &AuthHandler{
		auth:     authenticator,
		users:    users,
		gateways: gateways,
	}
}

// Login redirects to GitHub
// GET /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	state := auth.NewState()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.StateCookie, state, stateMaxAge, "/", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, h.auth.AuthCodeURL(state))
}

// Callback completes the sign-in and sets the session cookie. The session
// token is also returned in the body for non-browser clients.
// GET /auth/callback
func (h *AuthHandler) Callback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		respondError(c, apperrors.NewUnauthorizedError("GitHub sign-in was denied: "+reason))
		return
	}

	state, err := c.Cookie(auth.StateCookie)
	if err != nil || state == "" || state != c.Query("state") {
		respondError(c, apperrors.NewBadRequestError("OAuth state mismatch"))
		return
	}
	code := c.Query("code")
	if code == "" {
		respondError(c, apperrors.NewBadRequestError("missing authorization code"))
		return
	}

	token, user, err := h.auth.Complete(c.Request.Context(), code)
	if err != nil {
		respondError(c, err)
		return
	}

	secure := c.Request.TLS != nil
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.StateCookie, "", -1, "/", "", secure, true)
	c.SetCookie(auth.SessionCookie, token, int(h.auth.Sessions().TTL().Seconds()), "/", "", secure, true)
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"token":      token,
			"expires_at": h.auth.SessionExpiry(),
			"user":       user,
		},
	})
}

// Logout ends the session
// POST /auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if claims := auth.ClaimsFrom(c); claims != nil {
		h.gateways.Drop(claims.SessionID())
	}
	c.SetCookie(auth.SessionCookie, "", -1, "/", "", c.Request.TLS != nil, true)
	c.Status(http.StatusNoContent)
}

// Me returns the signed-in user
// GET /api/v1/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	user, err := h.users.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": user,
	})
}
