// Package memory is an in-process Credential Store and user directory.
// Not recommended for production: nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/google/uuid"
)

// DB implements magiclink.Store and magiclink.Directory.
type DB struct {
	mu       sync.Mutex
	users    map[string]*magiclink.User // by email
	tokens   map[string]*magiclink.Token
	byHash   map[string]string // secret hash -> token id
	sessions map[string]*magiclink.Session
	banned   map[string]time.Time
}

func New() *DB {
	return &DB{
		users:    map[string]*magiclink.User{},
		tokens:   map[string]*magiclink.Token{},
		byHash:   map[string]string{},
		sessions: map[string]*magiclink.Session{},
		banned:   map[string]time.Time{},
	}
}

func (m *DB) Ping(context.Context) error { return nil }
func (m *DB) Close() error               { return nil }

// Users

func (m *DB) FindUserByEmail(ctx context.Context, email string) (*magiclink.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[magiclink.NormalizeEmail(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, magiclink.ErrNotFound
}

// CreateUser returns the existing account if the email is already taken.
func (m *DB) CreateUser(ctx context.Context, email string) (*magiclink.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = magiclink.NormalizeEmail(email)
	if u, ok := m.users[email]; ok {
		cp := *u
		return &cp, nil
	}
	u := &magiclink.User{ID: uuid.NewString(), Email: email, CreatedAt: time.Now().UTC()}
	m.users[email] = u
	cp := *u
	return &cp, nil
}

// Tokens

func (m *DB) CreateToken(ctx context.Context, t *magiclink.Token) error {
	if err := ctx.Err(); err != nil {
		return magiclink.Unavailable("create token", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = cloneToken(t)
	m.byHash[t.SecretHash] = t.ID
	return nil
}

func (m *DB) GetToken(ctx context.Context, id string) (*magiclink.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, magiclink.ErrNotFound
	}
	return cloneToken(t), nil
}

func (m *DB) GetTokenBySecretHash(ctx context.Context, hash string) (*magiclink.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, magiclink.ErrNotFound
	}
	return cloneToken(m.tokens[id]), nil
}

func (m *DB) ListTokens(ctx context.Context, f magiclink.TokenFilter) ([]*magiclink.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*magiclink.Token{}
	for _, t := range m.tokens {
		if f.Email != "" && t.Email != f.Email {
			continue
		}
		if f.ActiveOnly && !t.IsActive {
			continue
		}
		out = append(out, cloneToken(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *DB) UpdateToken(ctx context.Context, id string, fn func(*magiclink.Token) error) (*magiclink.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, magiclink.Unavailable("update token", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tokens[id]
	if !ok {
		return nil, magiclink.ErrNotFound
	}
	next := cloneToken(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	if next.SecretHash != cur.SecretHash {
		delete(m.byHash, cur.SecretHash)
		m.byHash[next.SecretHash] = id
	}
	m.tokens[id] = next
	return cloneToken(next), nil
}

func (m *DB) DeleteToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return magiclink.ErrNotFound
	}
	delete(m.byHash, t.SecretHash)
	delete(m.tokens, id)
	return nil
}

// Sessions

func (m *DB) CreateSession(ctx context.Context, s *magiclink.Session) error {
	if err := ctx.Err(); err != nil {
		return magiclink.Unavailable("create session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *DB) GetSession(ctx context.Context, id string) (*magiclink.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, magiclink.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *DB) ListSessions(ctx context.Context, f magiclink.SessionFilter) ([]*magiclink.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*magiclink.Session{}
	for _, s := range m.sessions {
		if f.UserID != "" && s.UserID != f.UserID {
			continue
		}
		if !f.IncludeRevoked && s.Revoked {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *DB) UpdateSession(ctx context.Context, id string, fn func(*magiclink.Session) error) (*magiclink.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, magiclink.Unavailable("update session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil, magiclink.ErrNotFound
	}
	next := *cur
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = id
	m.sessions[id] = &next
	out := next
	return &out, nil
}

func (m *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Banned IPs

func (m *DB) BanIP(ctx context.Context, b magiclink.BannedIP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.banned[b.Address]; !ok {
		m.banned[b.Address] = b.BannedAt
	}
	return nil
}

func (m *DB) UnbanIP(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.banned, address)
	return nil
}

func (m *DB) IsBanned(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.banned[address]
	return ok, nil
}

func (m *DB) ListBannedIPs(ctx context.Context) ([]magiclink.BannedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]magiclink.BannedIP, 0, len(m.banned))
	for addr, at := range m.banned {
		out = append(out, magiclink.BannedIP{Address: addr, BannedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func cloneToken(t *magiclink.Token) *magiclink.Token {
	cp := *t
	if t.LastUsedAt != nil {
		at := *t.LastUsedAt
		cp.LastUsedAt = &at
	}
	if t.Context != nil {
		cp.Context = deepCopy(t.Context).(map[string]interface{})
	}
	cp.Secret, cp.Link = "", ""
	return &cp
}

// deepCopy copies the JSON-shaped values a token context can hold.
func deepCopy(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			m[k] = deepCopy(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(v))
		for i, e := range v {
			s[i] = deepCopy(e)
		}
		return s
	}
	return v
}
