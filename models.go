package main

import (
	"errors"
	"time"

	"github.com/example/magiclink/internal/magiclink"
)

// TokenView is the API representation of a magic-link token. The secret hash
// is never exposed; Secret and Link are only present right after issuance.
type TokenView struct {
	ID         string                 `json:"id"`
	Email      string                 `json:"email"`
	UserID     string                 `json:"userId,omitempty"`
	IsActive   bool                   `json:"isActive"`
	Status     string                 `json:"status"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  time.Time              `json:"expiresAt"`
	LastUsedAt *time.Time             `json:"lastUsedAt"`
	IPAddress  string                 `json:"ipAddress"`
	UserAgent  string                 `json:"userAgent"`
	Context    map[string]interface{} `json:"context"`
	Secret     string                 `json:"token,omitempty"`
	Link       string                 `json:"link,omitempty"`
}

// tokenStatus is the label the dashboard shows.
func tokenStatus(t *magiclink.Token, now time.Time) string {
	switch {
	case !t.IsActive:
		return "blocked"
	case t.IsExpired(now):
		return "expired"
	case t.LastUsedAt != nil:
		return "used"
	}
	return "valid"
}

func newTokenView(t *magiclink.Token, now time.Time) TokenView {
	return TokenView{
		ID:         t.ID,
		Email:      t.Email,
		UserID:     t.UserID,
		IsActive:   t.IsActive,
		Status:     tokenStatus(t, now),
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		IPAddress:  t.IPAddress,
		UserAgent:  t.UserAgent,
		Context:    t.Context,
		Secret:     t.Secret,
		Link:       t.Link,
	}
}

// SessionView is the API representation of a JWT session.
type SessionView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
	Status    string    `json:"status"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	Source    string    `json:"source"`
}

func newSessionView(s *magiclink.Session, now time.Time) SessionView {
	status := "active"
	switch {
	case s.Revoked:
		status = "revoked"
	case s.IsExpired(now):
		status = "expired"
	}
	return SessionView{
		ID:        s.ID,
		UserID:    s.UserID,
		Email:     s.Email,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		Revoked:   s.Revoked,
		Status:    status,
		IPAddress: s.IPAddress,
		UserAgent: s.UserAgent,
		Source:    s.Source,
	}
}

// BulkItem reports one id of a bulk request.
type BulkItem struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func newBulkItems(res []magiclink.BulkResult) []BulkItem {
	out := make([]BulkItem, 0, len(res))
	for _, r := range res {
		item := BulkItem{ID: r.ID, OK: r.Err == nil}
		if r.Err != nil {
			item.Error = "INTERNAL_ERROR"
			var e *magiclink.Error
			if errors.As(r.Err, &e) {
				item.Error = e.Reason
			}
		}
		out = append(out, item)
	}
	return out
}
