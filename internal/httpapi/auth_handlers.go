package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"avantemaps.app/internal/audit"
	"avantemaps.app/internal/auth"
	"avantemaps.app/internal/platform"
)

type tokenRequest struct {
	AccessToken string `json:"accessToken"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UID       string    `json:"uid"`
	Username  string    `json:"username"`
	Scopes    []string  `json:"scopes"`
}

// Token lifetime mirrors the client session TTL.
const tokenTTL = 24 * time.Hour

// handleAuthToken exchanges a payment-network access token for a first-party
// API token. The access token is verified upstream; its claims are never
// trusted as presented.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.verifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token exchange disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeError(w, r, http.StatusBadRequest, "accessToken is required")
		return
	}

	user, err := a.verifier.Me(r.Context(), req.AccessToken)
	if err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "access token rejected")
			return
		}
		writeError(w, r, http.StatusBadGateway, "verification unavailable")
		return
	}

	token, err := auth.GenerateToken(user.UID, user.Credentials.Scopes, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), audit.EventTokenIssued, map[string]any{
		"uid":        user.UID,
		"scopes":     user.Credentials.Scopes,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UID:       user.UID,
		Username:  user.Username,
		Scopes:    user.Credentials.Scopes,
	})
}
