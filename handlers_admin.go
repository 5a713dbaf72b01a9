package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/gorilla/mux"
)

// maxBulkIDs caps bulk requests.
const maxBulkIDs = 500

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (a *App) decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var in idsRequest
	if !decodeBody(w, r, &in) {
		return nil, false
	}
	if len(in.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "ids is required")
		return nil, false
	}
	if len(in.IDs) > maxBulkIDs {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Too many ids")
		return nil, false
	}
	return in.IDs, true
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// Tokens

// HandleListTokens lists tokens, newest first.
// GET /admin/tokens?email=...&activeOnly=true
func (a *App) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "activeOnly")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "activeOnly must be a boolean")
		return
	}
	tokens, err := a.Engine.Tokens.List(r.Context(), magiclink.TokenFilter{
		Email:      r.URL.Query().Get("email"),
		ActiveOnly: activeOnly,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	now := a.now()
	out := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, newTokenView(t, now))
	}
	writeSuccess(w, http.StatusOK, out)
}

// HandleCreateToken issues a token on behalf of an administrator. The
// response is the only place the secret and link are shown.
// POST /admin/tokens
func (a *App) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email     string                 `json:"email"`
		SendEmail bool                   `json:"sendEmail"`
		SendMail  *bool                  `json:"send_email"` // dashboard spelling
		Context   map[string]interface{} `json:"context"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.SendMail != nil {
		in.SendEmail = *in.SendMail
	}
	t, err := a.Engine.Issuer.Issue(r.Context(), magiclink.IssueRequest{
		Email:     in.Email,
		SendEmail: in.SendEmail,
		Context:   in.Context,
		IPAddress: a.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, newTokenView(t, a.now()))
}

func (a *App) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	t, err := a.Engine.Tokens.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newTokenView(t, a.now()))
}

func (a *App) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Engine.Tokens.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"id": id})
}

// HandleBulkDeleteTokens deletes each id independently.
// POST /admin/tokens/bulk-delete {"ids": [...]}
func (a *App) HandleBulkDeleteTokens(w http.ResponseWriter, r *http.Request) {
	ids, ok := a.decodeIDs(w, r)
	if !ok {
		return
	}
	n, res := a.Engine.Tokens.BulkDelete(r.Context(), ids)
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"deleted": n,
		"results": newBulkItems(res),
	})
}

func (a *App) HandleBlockToken(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, a.Engine.Tokens.Block)
}

func (a *App) HandleActivateToken(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, a.Engine.Tokens.Activate)
}

// HandleResendToken rotates the secret and mails a fresh link. The old link
// stops working.
func (a *App) HandleResendToken(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, a.Engine.Issuer.Resend)
}

func (a *App) tokenAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*magiclink.Token, error)) {
	t, err := fn(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newTokenView(t, a.now()))
}

// HandleExtendToken pushes the expiry out by whole days.
// POST /admin/tokens/{id}/extend {"days": 7}
func (a *App) HandleExtendToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Days int `json:"days"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	t, err := a.Engine.Tokens.Extend(r.Context(), mux.Vars(r)["id"], in.Days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newTokenView(t, a.now()))
}

// Sessions

// GET /admin/jwt-sessions?userId=...&includeRevoked=true
func (a *App) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	includeRevoked, err := queryBool(r, "includeRevoked")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "includeRevoked must be a boolean")
		return
	}
	sessions, err := a.Engine.Sessions.List(r.Context(), magiclink.SessionFilter{
		UserID:         r.URL.Query().Get("userId"),
		IncludeRevoked: includeRevoked,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	now := a.now()
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionView(s, now))
	}
	writeSuccess(w, http.StatusOK, out)
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

func (a *App) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, a.Engine.Sessions.Revoke)
}

func (a *App) HandleUnrevokeSession(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, a.Engine.Sessions.Unrevoke)
}

func (a *App) sessionAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, userID string) (*magiclink.Session, error)) {
	var in sessionRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if in.SessionID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	s, err := fn(r.Context(), in.SessionID, in.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, newSessionView(s, a.now()))
}

// POST /admin/jwt-sessions/bulk-revoke {"ids": [...]}
func (a *App) HandleBulkRevokeSessions(w http.ResponseWriter, r *http.Request) {
	ids, ok := a.decodeIDs(w, r)
	if !ok {
		return
	}
	n, res := a.Engine.Sessions.BulkRevoke(r.Context(), ids)
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"revoked": n,
		"results": newBulkItems(res),
	})
}

func (a *App) HandleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := a.Engine.Sessions.Cleanup(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"deleted": n})
}

// IP bans

type bannedIPView struct {
	Address  string    `json:"ip"`
	BannedAt time.Time `json:"bannedAt"`
}

func (a *App) HandleListBannedIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := a.Engine.Bans.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]bannedIPView, 0, len(ips))
	for _, b := range ips {
		out = append(out, bannedIPView{Address: b.Address, BannedAt: b.BannedAt})
	}
	writeSuccess(w, http.StatusOK, out)
}

// ipRequest takes {"ip": ...} or the dashboard's {"data": {"ip": ...}}.
type ipRequest struct {
	IP   string `json:"ip"`
	Data *struct {
		IP string `json:"ip"`
	} `json:"data"`
}

func (in *ipRequest) address() string {
	if in.IP == "" && in.Data != nil {
		return in.Data.IP
	}
	return in.IP
}

func (a *App) HandleBanIP(w http.ResponseWriter, r *http.Request) {
	var in ipRequest
	if !decodeBody(w, r, &in) {
		return
	}
	b, err := a.Engine.Bans.Ban(r.Context(), in.address())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, bannedIPView{Address: b.Address, BannedAt: b.BannedAt})
}

func (a *App) HandleUnbanIP(w http.ResponseWriter, r *http.Request) {
	var in ipRequest
	if !decodeBody(w, r, &in) {
		return
	}
	ip := in.address()
	if err := a.Engine.Bans.Unban(r.Context(), ip); err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"ip": ip})
}

// Misc

// GET /admin/validate-email?email=...
func (a *App) HandleValidateEmail(w http.ResponseWriter, r *http.Request) {
	el, err := a.Engine.Issuer.CheckEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"email":         el.Email,
		"exists":        el.Exists,
		"userId":        el.UserID,
		"id":            el.UserID,
		"canAutoCreate": el.CanAutoCreate,
		"eligible":      el.Eligible(),
	})
}

func (a *App) HandleSettings(w http.ResponseWriter, r *http.Request) {
	s := a.Engine.Settings()
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"createUserIfNotExists": s.CreateUserIfNotExists,
		"tokenTtl":              s.TokenTTL.String(),
		"tokenTtlSeconds":       int64(s.TokenTTL / time.Second),
		"sessionTtl":            s.SessionTTL.String(),
		"sessionTtlSeconds":     int64(s.SessionTTL / time.Second),
		"singleUse":             s.SingleUse,
	})
}

func (a *App) HandleStats(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.Engine.Tokens.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	sessions, err := a.Engine.Sessions.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ips, err := a.Engine.Bans.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"tokens": map[string]int{
			"total":   tokens.Total,
			"active":  tokens.Active,
			"valid":   tokens.Valid,
			"expired": tokens.Expired,
		},
		"sessions": map[string]int{
			"total":   sessions.Total,
			"active":  sessions.Active,
			"expired": sessions.Expired,
			"revoked": sessions.Revoked,
		},
		"bannedIps": len(ips),
	})
}
