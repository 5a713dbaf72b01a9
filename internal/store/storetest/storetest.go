// Package storetest is a conformance suite shared by the Credential Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Backend is what the suite needs from an implementation.
type Backend interface {
	magiclink.Store
	magiclink.Directory
}

// Run exercises b against the Store and Directory contracts. newBackend must
// return an empty store for every call.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("TokenRoundTrip", func(t *testing.T) { testTokenRoundTrip(t, newBackend(t)) })
	t.Run("TokenNotFound", func(t *testing.T) { testTokenNotFound(t, newBackend(t)) })
	t.Run("ListTokens", func(t *testing.T) { testListTokens(t, newBackend(t)) })
	t.Run("UpdateToken", func(t *testing.T) { testUpdateToken(t, newBackend(t)) })
	t.Run("UpdateTokenSerializes", func(t *testing.T) { testUpdateTokenSerializes(t, newBackend(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newBackend(t)) })
	t.Run("DeleteExpiredSessions", func(t *testing.T) { testDeleteExpired(t, newBackend(t)) })
	t.Run("BannedIPs", func(t *testing.T) { testBannedIPs(t, newBackend(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newBackend(t)) })
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newToken(email string, created time.Time) *magiclink.Token {
	return &magiclink.Token{
		ID:         uuid.NewString(),
		Email:      email,
		SecretHash: uuid.NewString(),
		IsActive:   true,
		CreatedAt:  created,
		ExpiresAt:  created.Add(24 * time.Hour),
		IPAddress:  "203.0.113.7",
		UserAgent:  "storetest",
		Context:    map[string]interface{}{"redirect": "/welcome", "nested": map[string]interface{}{"n": 1.0}},
	}
}

func testTokenRoundTrip(t *testing.T, s Backend) {
	ctx := context.Background()
	tok := newToken("alice@example.com", base)
	require.NoError(t, s.CreateToken(ctx, tok))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, tok.Email, got.Email)
	require.Equal(t, tok.SecretHash, got.SecretHash)
	require.True(t, got.IsActive)
	require.True(t, tok.CreatedAt.Equal(got.CreatedAt))
	require.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))
	require.Nil(t, got.LastUsedAt)
	require.Equal(t, tok.Context, got.Context)
	require.Empty(t, got.UserID)

	byHash, err := s.GetTokenBySecretHash(ctx, tok.SecretHash)
	require.NoError(t, err)
	require.Equal(t, tok.ID, byHash.ID)
}

func testTokenNotFound(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetToken(ctx, "missing")
	require.ErrorIs(t, err, magiclink.ErrNotFound)
	_, err = s.GetTokenBySecretHash(ctx, "missing")
	require.ErrorIs(t, err, magiclink.ErrNotFound)
	_, err = s.UpdateToken(ctx, "missing", func(*magiclink.Token) error { return nil })
	require.ErrorIs(t, err, magiclink.ErrNotFound)
	require.ErrorIs(t, s.DeleteToken(ctx, "missing"), magiclink.ErrNotFound)
}

func testListTokens(t *testing.T, s Backend) {
	ctx := context.Background()
	older := newToken("bob@example.com", base)
	newer := newToken("bob@example.com", base.Add(time.Minute))
	other := newToken("carol@example.com", base.Add(2*time.Minute))
	other.IsActive = false
	for _, tok := range []*magiclink.Token{older, newer, other} {
		require.NoError(t, s.CreateToken(ctx, tok))
	}

	all, err := s.ListTokens(ctx, magiclink.TokenFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, other.ID, all[0].ID)

	bob, err := s.ListTokens(ctx, magiclink.TokenFilter{Email: "bob@example.com"})
	require.NoError(t, err)
	require.Len(t, bob, 2)
	require.Equal(t, newer.ID, bob[0].ID)
	require.Equal(t, older.ID, bob[1].ID)

	active, err := s.ListTokens(ctx, magiclink.TokenFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func testUpdateToken(t *testing.T, s Backend) {
	ctx := context.Background()
	tok := newToken("dave@example.com", base)
	require.NoError(t, s.CreateToken(ctx, tok))

	used := base.Add(time.Hour)
	got, err := s.UpdateToken(ctx, tok.ID, func(cur *magiclink.Token) error {
		cur.LastUsedAt = &used
		cur.UserID = "user-1"
		cur.SecretHash = "rotated"
		cur.ExpiresAt = base.Add(48 * time.Hour)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, tok.ID, got.ID)
	require.True(t, used.Equal(*got.LastUsedAt))

	reread, err := s.GetTokenBySecretHash(ctx, "rotated")
	require.NoError(t, err)
	require.Equal(t, "user-1", reread.UserID)
	require.True(t, base.Add(48*time.Hour).Equal(reread.ExpiresAt))
	_, err = s.GetTokenBySecretHash(ctx, tok.SecretHash)
	require.ErrorIs(t, err, magiclink.ErrNotFound)

	// A rejecting fn leaves the record alone and its error comes back as is.
	boom := errors.New("boom")
	_, err = s.UpdateToken(ctx, tok.ID, func(cur *magiclink.Token) error {
		cur.IsActive = false
		return boom
	})
	require.Same(t, boom, err)
	reread, err = s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, reread.IsActive)

	require.NoError(t, s.DeleteToken(ctx, tok.ID))
	_, err = s.GetToken(ctx, tok.ID)
	require.ErrorIs(t, err, magiclink.ErrNotFound)
}

// Concurrent single-use consumption: exactly one writer may observe the
// token unused.
func testUpdateTokenSerializes(t *testing.T, s Backend) {
	ctx := context.Background()
	tok := newToken("erin@example.com", base)
	require.NoError(t, s.CreateToken(ctx, tok))

	used := errors.New("used")
	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateToken(ctx, tok.ID, func(cur *magiclink.Token) error {
				if cur.LastUsedAt != nil {
					return used
				}
				at := base.Add(time.Minute)
				cur.LastUsedAt = &at
				return nil
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.Same(t, used, err)
	}
	require.Equal(t, 1, wins)
}

func testSessions(t *testing.T, s Backend) {
	ctx := context.Background()
	mk := func(user string, issued time.Time) *magiclink.Session {
		return &magiclink.Session{
			ID:        uuid.NewString(),
			UserID:    user,
			Email:     user + "@example.com",
			IssuedAt:  issued,
			ExpiresAt: issued.Add(time.Hour),
			Source:    magiclink.SourceMagicLink,
		}
	}
	a1 := mk("a", base)
	a2 := mk("a", base.Add(time.Minute))
	b1 := mk("b", base)
	for _, sess := range []*magiclink.Session{a1, a2, b1} {
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	got, err := s.GetSession(ctx, a1.ID)
	require.NoError(t, err)
	require.Equal(t, "a", got.UserID)
	require.Equal(t, magiclink.SourceMagicLink, got.Source)
	require.True(t, a1.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, magiclink.ErrNotFound)

	revoked, err := s.UpdateSession(ctx, a1.ID, func(cur *magiclink.Session) error {
		cur.Revoked = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, revoked.Revoked)

	forA, err := s.ListSessions(ctx, magiclink.SessionFilter{UserID: "a"})
	require.NoError(t, err)
	require.Len(t, forA, 1)
	require.Equal(t, a2.ID, forA[0].ID)

	all, err := s.ListSessions(ctx, magiclink.SessionFilter{IncludeRevoked: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, a2.ID, all[0].ID)

	_, err = s.UpdateSession(ctx, "missing", func(*magiclink.Session) error { return nil })
	require.ErrorIs(t, err, magiclink.ErrNotFound)
}

func testDeleteExpired(t *testing.T, s Backend) {
	ctx := context.Background()
	live := &magiclink.Session{ID: uuid.NewString(), UserID: "u", IssuedAt: base, ExpiresAt: base.Add(2 * time.Hour)}
	dead := &magiclink.Session{ID: uuid.NewString(), UserID: "u", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}
	revokedLive := &magiclink.Session{ID: uuid.NewString(), UserID: "u", IssuedAt: base, ExpiresAt: base.Add(2 * time.Hour), Revoked: true}
	revokedDead := &magiclink.Session{ID: uuid.NewString(), UserID: "u", IssuedAt: base, ExpiresAt: base.Add(30 * time.Minute), Revoked: true}
	for _, sess := range []*magiclink.Session{live, dead, revokedLive, revokedDead} {
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	n, err := s.DeleteExpiredSessions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, gone := range []*magiclink.Session{dead, revokedDead} {
		_, err = s.GetSession(ctx, gone.ID)
		require.ErrorIs(t, err, magiclink.ErrNotFound)
	}
	_, err = s.GetSession(ctx, live.ID)
	require.NoError(t, err)
	kept, err := s.GetSession(ctx, revokedLive.ID)
	require.NoError(t, err)
	require.True(t, kept.Revoked)

	n, err = s.DeleteExpiredSessions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func testBannedIPs(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.BanIP(ctx, magiclink.BannedIP{Address: "198.51.100.2", BannedAt: base}))
	require.NoError(t, s.BanIP(ctx, magiclink.BannedIP{Address: "198.51.100.1", BannedAt: base}))
	// Banning twice keeps the first entry.
	require.NoError(t, s.BanIP(ctx, magiclink.BannedIP{Address: "198.51.100.1", BannedAt: base.Add(time.Hour)}))

	banned, err := s.IsBanned(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.True(t, banned)

	list, err := s.ListBannedIPs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "198.51.100.1", list[0].Address)
	require.True(t, base.Equal(list[0].BannedAt))

	require.NoError(t, s.UnbanIP(ctx, "198.51.100.1"))
	require.NoError(t, s.UnbanIP(ctx, "198.51.100.1"))
	banned, err = s.IsBanned(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.False(t, banned)
}

func testUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.FindUserByEmail(ctx, "frank@example.com")
	require.ErrorIs(t, err, magiclink.ErrNotFound)

	u, err := s.CreateUser(ctx, "Frank@Example.com")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, "frank@example.com", u.Email)

	again, err := s.CreateUser(ctx, "frank@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)

	found, err := s.FindUserByEmail(ctx, "FRANK@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)
}
