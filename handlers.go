package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/magiclink/internal/magiclink"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

type redemptionResponse struct {
	UserID    string                 `json:"userId"`
	Email     string                 `json:"email"`
	Context   map[string]interface{} `json:"context"`
	SessionID string                 `json:"sessionId"`
	JWT       string                 `json:"jwt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// HandleSend requests a magic link for an email.
// POST /api/v1/magic-link/send
//
// Eligible and unknown addresses get the same answer.
func (a *App) HandleSend(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email   string                 `json:"email"`
		Context map[string]interface{} `json:"context"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Email) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email is required")
		return
	}

	_, err := a.Engine.Issuer.Issue(r.Context(), magiclink.IssueRequest{
		Email:     in.Email,
		SendEmail: true,
		Context:   in.Context,
		IPAddress: a.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil && !errors.Is(err, magiclink.ErrUnknownEmail) {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If the address is registered, a magic link is on its way",
	})
}

// HandleRedeem exchanges a token secret for a session.
// POST /api/v1/magic-link/redeem
func (a *App) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	a.redeem(w, r, in.Token)
}

// HandleLogin is the target of the emailed link.
// GET /api/v1/magic-link/login?token=...
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	a.redeem(w, r, r.URL.Query().Get("token"))
}

func (a *App) redeem(w http.ResponseWriter, r *http.Request, secret string) {
	if secret == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}
	res, err := a.Engine.Redeemer.Redeem(r.Context(), magiclink.RedeemRequest{
		Secret:    secret,
		IPAddress: a.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, redemptionResponse{
		UserID:    res.UserID,
		Email:     res.Email,
		Context:   res.Context,
		SessionID: res.Session.ID,
		JWT:       res.JWT,
		ExpiresAt: res.Session.ExpiresAt,
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HandleSession returns the session behind a Bearer JWT.
// GET /api/v1/magic-link/session
func (a *App) HandleSession(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
		return
	}
	s, err := a.Engine.Sessions.Verify(r.Context(), tok)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newSessionView(s, a.now()))
}

// IntrospectionResponse follows the shape of RFC 7662.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	SessionID string `json:"jti,omitempty"`
	UserID    string `json:"sub,omitempty"`
	Email     string `json:"email,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// HandleIntrospect reports whether a session JWT is currently usable.
// POST /api/v1/magic-link/introspect
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}

	s, err := a.Engine.Sessions.Verify(r.Context(), in.Token)
	switch {
	case magiclink.KindOf(err) == magiclink.KindStorageUnavailable:
		writeEngineError(w, err)
		return
	case err != nil:
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		SessionID: s.ID,
		UserID:    s.UserID,
		Email:     s.Email,
		ExpiresAt: s.ExpiresAt.Unix(),
		IssuedAt:  s.IssuedAt.Unix(),
	})
}
