package magiclink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const jwtIssuer = "magic-link"

// SessionRequest carries the inputs of a session issuance.
type SessionRequest struct {
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
	Source    string
}

// SessionRegistry tracks issued JWT sessions.
type SessionRegistry struct {
	base
	ttl       time.Duration
	jwtSecret []byte
}

type sessionClaims struct {
	Email  string `json:"email,omitempty"`
	Source string `json:"src,omitempty"`
	jwt.RegisteredClaims
}

// Issue records a session and returns it with its signed JWT.
func (r *SessionRegistry) Issue(ctx context.Context, req SessionRequest) (*Session, string, error) {
	if req.UserID == "" {
		return nil, "", invalid("session requires a user id")
	}
	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Email:     req.Email,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.ttl),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Source:    req.Source,
	}
	signed, err := r.sign(s)
	if err != nil {
		return nil, "", fmt.Errorf("sign session: %w", err)
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, "", storeErr("create session", err, ErrStorageUnavailable)
	}
	log.Printf("[SESSIONS] session %s issued for user %s (%s)", s.ID, s.UserID, s.Source)
	r.publish(ctx, Event{Type: EventSessionIssued, Subject: s.ID, UserID: s.UserID, Email: s.Email,
		Attrs: map[string]string{"source": s.Source}})
	return s, signed, nil
}

func (r *SessionRegistry) sign(s *Session) (string, error) {
	claims := sessionClaims{
		Email:  s.Email,
		Source: s.Source,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.UserID,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.jwtSecret)
}

// Verify parses a session JWT and checks the session it names against the
// store. Revocation and expiry are read from the store, not the token.
func (r *SessionRegistry) Verify(ctx context.Context, token string) (*Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	s, err := r.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if s.Revoked {
		return nil, ErrSessionRevoked
	}
	if s.IsExpired(r.now()) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Get returns one session.
func (r *SessionRegistry) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, storeErr("get session", err, ErrSessionNotFound)
	}
	return s, nil
}

// List enumerates sessions for display, newest first.
func (r *SessionRegistry) List(ctx context.Context, f SessionFilter) ([]*Session, error) {
	ss, err := r.store.ListSessions(ctx, f)
	if err != nil {
		return nil, storeErr("list sessions", err, ErrStorageUnavailable)
	}
	return ss, nil
}

// Revoke marks a session unusable. If userID is set it must own the session.
func (r *SessionRegistry) Revoke(ctx context.Context, id, userID string) (*Session, error) {
	return r.setRevoked(ctx, id, userID, true)
}

// Unrevoke lifts a revocation. An expired session stays unusable.
func (r *SessionRegistry) Unrevoke(ctx context.Context, id, userID string) (*Session, error) {
	return r.setRevoked(ctx, id, userID, false)
}

func (r *SessionRegistry) setRevoked(ctx context.Context, id, userID string, revoked bool) (*Session, error) {
	s, err := r.store.UpdateSession(ctx, id, func(s *Session) error {
		if userID != "" && s.UserID != userID {
			return ErrSessionNotFound
		}
		s.Revoked = revoked
		return nil
	})
	if err != nil {
		return nil, storeErr("update session", err, ErrSessionNotFound)
	}
	ev := EventSessionUnrevoked
	if revoked {
		ev = EventSessionRevoked
	}
	log.Printf("[SESSIONS] session %s revoked=%t", id, revoked)
	r.publish(ctx, Event{Type: ev, Subject: id, UserID: s.UserID, Email: s.Email})
	return s, nil
}

// BulkRevoke revokes each id independently; partial completion is reported
// per id.
func (r *SessionRegistry) BulkRevoke(ctx context.Context, ids []string) (int, []BulkResult) {
	n := 0
	res := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		_, err := r.Revoke(ctx, id, "")
		if err == nil {
			n++
		}
		res = append(res, BulkResult{ID: id, Err: err})
	}
	return n, res
}

// Cleanup deletes every expired session, revoked or not, and returns how many
// were removed. It is garbage collection, not an authorization decision.
func (r *SessionRegistry) Cleanup(ctx context.Context) (int, error) {
	n, err := r.store.DeleteExpiredSessions(ctx, r.now())
	if err != nil {
		return 0, storeErr("delete expired sessions", err, ErrStorageUnavailable)
	}
	if n > 0 {
		log.Printf("[SESSIONS] cleaned up %d expired sessions", n)
		r.publish(ctx, Event{Type: EventSessionsCleaned, Subject: "sessions",
			Attrs: map[string]string{"count": strconv.Itoa(n)}})
	}
	return n, nil
}

// Stats counts sessions the way the dashboard summarises them.
func (r *SessionRegistry) Stats(ctx context.Context) (SessionStats, error) {
	ss, err := r.List(ctx, SessionFilter{IncludeRevoked: true})
	if err != nil {
		return SessionStats{}, err
	}
	now := r.now()
	st := SessionStats{Total: len(ss)}
	for _, s := range ss {
		switch {
		case s.Revoked:
			st.Revoked++
		case s.IsExpired(now):
			st.Expired++
		default:
			st.Active++
		}
	}
	return st, nil
}
