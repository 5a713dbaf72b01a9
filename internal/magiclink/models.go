package magiclink

import "time"

// SourceMagicLink tags sessions created by token redemption.
const SourceMagicLink = "magic-link"

// Token is a magic-link token. Only SecretHash is persisted; Secret and Link
// are populated once, on the value returned from Issue.
type Token struct {
	ID         string
	Email      string
	SecretHash string
	UserID     string // empty until resolved
	IsActive   bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	IPAddress  string
	UserAgent  string
	Context    map[string]interface{}

	Secret string
	Link   string
}

// IsExpired is independent of IsActive.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Session is a JWT session issued on successful redemption.
type Session struct {
	ID        string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	IPAddress string
	UserAgent string
	Source    string
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Usable reports whether the session currently authenticates its bearer.
func (s *Session) Usable(now time.Time) bool {
	return !s.Revoked && !s.IsExpired(now)
}

// BannedIP is a denylist entry. Membership is exact-address only.
type BannedIP struct {
	Address  string
	BannedAt time.Time
}

// User is the minimal directory record the engine needs.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// TokenFilter selects tokens for ListTokens. Zero value matches everything.
type TokenFilter struct {
	Email      string
	ActiveOnly bool
}

// SessionFilter selects sessions for ListSessions.
type SessionFilter struct {
	UserID         string
	IncludeRevoked bool
}

// Eligibility is the answer to "can a token be issued for this email".
type Eligibility struct {
	Email         string
	Exists        bool
	UserID        string
	CanAutoCreate bool
}

// Eligible reports whether issuance would pass the email policy.
func (e Eligibility) Eligible() bool {
	return e.Exists || e.CanAutoCreate
}

// Redemption is the result of a successful Redeem.
type Redemption struct {
	UserID  string
	Email   string
	Context map[string]interface{}
	Session *Session
	JWT     string
}

// TokenStats summarises the token table for the dashboard. Valid and Expired
// are counted among active tokens only.
type TokenStats struct {
	Total   int
	Active  int
	Valid   int
	Expired int
}

// SessionStats summarises sessions. Expired counts unrevoked expired sessions.
type SessionStats struct {
	Total   int
	Active  int
	Expired int
	Revoked int
}

// BulkResult reports one sub-operation of a bulk call.
type BulkResult struct {
	ID  string
	Err error
}

// Settings is the normalized configuration exposed to administrators.
type Settings struct {
	CreateUserIfNotExists bool
	TokenTTL              time.Duration
	SessionTTL            time.Duration
	SingleUse             bool
}
