package magiclink

import (
	"context"
	"time"
)

// Store is the Credential Store. It exclusively owns durable tokens, sessions
// and banned addresses. Implementations must:
//   - return ErrNotFound for unknown ids,
//   - wrap persistence failures (including deadline expiry) with Unavailable,
//   - run UpdateToken/UpdateSession as one atomic read-modify-write per id.
//
// For UpdateToken and UpdateSession, fn receives the current record. If fn
// returns an error nothing is written and that error is returned unchanged.
type Store interface {
	CreateToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	GetTokenBySecretHash(ctx context.Context, hash string) (*Token, error)
	ListTokens(ctx context.Context, f TokenFilter) ([]*Token, error)
	UpdateToken(ctx context.Context, id string, fn func(t *Token) error) (*Token, error)
	DeleteToken(ctx context.Context, id string) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, fn func(s *Session) error) (*Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// BanIP and UnbanIP are idempotent.
	BanIP(ctx context.Context, b BannedIP) error
	UnbanIP(ctx context.Context, address string) error
	IsBanned(ctx context.Context, address string) (bool, error)
	ListBannedIPs(ctx context.Context) ([]BannedIP, error)
}

// Directory resolves emails to host user accounts.
type Directory interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, email string) (*User, error)
}

// Mailer delivers magic links. Failures are reported but never undo issuance.
type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string, ttl time.Duration) error
}

// Publisher receives lifecycle events after the corresponding state change
// has been committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Clock is an injectable time source.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type nopMailer struct{}

func (nopMailer) SendMagicLink(context.Context, string, string, time.Duration) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
