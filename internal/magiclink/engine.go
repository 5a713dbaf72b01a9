package magiclink

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	// DefaultTokenTTL is the default for Config.TokenTTL.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultSessionTTL is the default for Config.SessionTTL.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultMaxContextBytes is the default for Config.MaxContextBytes.
	DefaultMaxContextBytes = 4096

	// DefaultSecretBytes is the default for Config.SecretBytes.
	DefaultSecretBytes = 32

	// MinSecretBytes keeps token secrets at 128 bits or more.
	MinSecretBytes = 16

	// DefaultLinkPath is appended to Config.BaseURL when building links.
	DefaultLinkPath = "/api/v1/magic-link/login"
)

// Config holds engine configuration. Zero values fall back to the defaults
// above, except the two secrets which are required.
type Config struct {
	// TokenTTL tells how long an issued token can be redeemed.
	TokenTTL time.Duration

	// SessionTTL tells how long a session issued on redemption stays usable.
	SessionTTL time.Duration

	// CreateUserIfNotExists allows issuance for emails the directory does not
	// know. The account is created on first redemption.
	CreateUserIfNotExists bool

	// AllowReuse keeps tokens redeemable after their first use. By default a
	// token is consumed by its first successful redemption.
	AllowReuse bool

	// MaxContextBytes bounds the JSON encoding of a token's context payload.
	MaxContextBytes int

	// SecretBytes is the number of random bytes in a token secret.
	SecretBytes int

	// BaseURL and LinkPath form the magic link handed to the mailer.
	BaseURL  string
	LinkPath string

	// TokenSecret keys the HMAC used to hash token secrets at rest.
	TokenSecret []byte

	// JWTSecret signs session JWTs.
	JWTSecret []byte
}

func (c *Config) normalize() error {
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MaxContextBytes == 0 {
		c.MaxContextBytes = DefaultMaxContextBytes
	}
	if c.SecretBytes == 0 {
		c.SecretBytes = DefaultSecretBytes
	}
	if c.LinkPath == "" {
		c.LinkPath = DefaultLinkPath
	}
	switch {
	case c.TokenTTL < 0 || c.SessionTTL < 0:
		return errors.New("token and session TTL must be positive")
	case c.TokenTTL < time.Millisecond || c.SessionTTL < time.Millisecond:
		// timestamps are stored at millisecond precision
		return errors.New("token and session TTL must be at least 1ms")
	case c.SecretBytes < MinSecretBytes:
		return errors.New("secret must be at least 16 bytes")
	case len(c.TokenSecret) == 0:
		return errors.New("token secret is required")
	case len(c.JWTSecret) == 0:
		return errors.New("jwt secret is required")
	}
	return nil
}

// Deps are the collaborators the engine calls out to. Store and Directory are
// required; the rest default to no-ops and the wall clock.
type Deps struct {
	Store     Store
	Directory Directory
	Mailer    Mailer
	Publisher Publisher
	Clock     Clock
}

func (d *Deps) normalize() error {
	if d.Store == nil {
		return errors.New("store is required")
	}
	if d.Directory == nil {
		return errors.New("directory is required")
	}
	if d.Mailer == nil {
		d.Mailer = nopMailer{}
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	return nil
}

// Engine wires the token and session lifecycle components over one Store.
// It's safe to use concurrently; no component caches state between calls.
type Engine struct {
	Bans     *IPBanGuard
	Issuer   *Issuer
	Redeemer *Redeemer
	Tokens   *Lifecycle
	Sessions *SessionRegistry

	cfg Config
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := deps.normalize(); err != nil {
		return nil, err
	}

	b := base{store: deps.Store, clock: deps.Clock, pub: deps.Publisher}
	bans := &IPBanGuard{base: b}
	sessions := &SessionRegistry{base: b, ttl: cfg.SessionTTL, jwtSecret: cfg.JWTSecret}
	hasher := secretHasher(cfg.TokenSecret)

	return &Engine{
		Bans: bans,
		Issuer: &Issuer{
			base:   b,
			cfg:    cfg,
			bans:   bans,
			dir:    deps.Directory,
			mailer: deps.Mailer,
			hash:   hasher,
		},
		Redeemer: &Redeemer{
			base:     b,
			cfg:      cfg,
			bans:     bans,
			dir:      deps.Directory,
			sessions: sessions,
			hash:     hasher,
		},
		Tokens:   &Lifecycle{base: b},
		Sessions: sessions,
		cfg:      cfg,
	}, nil
}

// Settings returns the normalized policy values.
func (e *Engine) Settings() Settings {
	return Settings{
		CreateUserIfNotExists: e.cfg.CreateUserIfNotExists,
		TokenTTL:              e.cfg.TokenTTL,
		SessionTTL:            e.cfg.SessionTTL,
		SingleUse:             !e.cfg.AllowReuse,
	}
}

// base is shared by every component.
type base struct {
	store Store
	clock Clock
	pub   Publisher
}

// now is truncated to milliseconds, the coarsest precision a store keeps (BSON).
func (b base) now() time.Time { return b.clock.Now().UTC().Truncate(time.Millisecond) }

// publish is best effort; the state change it reports is already committed.
func (b base) publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	if err := b.pub.Publish(ctx, ev); err != nil {
		log.Printf("[EVENTS] publish %s %s: %v", ev.Type, ev.Subject, err)
	}
}
