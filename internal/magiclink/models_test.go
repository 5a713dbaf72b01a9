package magiclink_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/stretchr/testify/require"
)

func TestTokenExpiryIndependentOfActive(t *testing.T) {
	exp := epoch.Add(time.Hour)
	cases := []struct {
		name    string
		active  bool
		now     time.Time
		expired bool
	}{
		{"active unexpired", true, exp.Add(-time.Millisecond), false},
		{"active expired", true, exp, true},
		{"blocked unexpired", false, exp.Add(-time.Millisecond), false},
		{"blocked expired", false, exp.Add(time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := &magiclink.Token{IsActive: tc.active, CreatedAt: epoch, ExpiresAt: exp}
			require.Equal(t, tc.expired, tok.IsExpired(tc.now))
			require.Equal(t, !tc.now.Before(tok.ExpiresAt), tok.IsExpired(tc.now))
			require.Equal(t, tc.active, tok.IsActive)
		})
	}
}

// Blocking and expiry are tracked separately in the store too: a blocked
// token that then expires is both inactive and expired.
func TestBlockedTokenStillExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")

	blocked, err := h.engine.Tokens.Block(context.Background(), tok.ID)
	require.NoError(t, err)
	require.False(t, blocked.IsActive)
	require.False(t, blocked.IsExpired(h.clock.Now()))

	h.clock.Advance(time.Hour)
	stored, err := h.engine.Tokens.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)
	require.True(t, stored.IsExpired(h.clock.Now()))

	// Activation restores the flag but not the expiry.
	active, err := h.engine.Tokens.Activate(context.Background(), tok.ID)
	require.NoError(t, err)
	require.True(t, active.IsActive)
	require.True(t, active.IsExpired(h.clock.Now()))
	_, err = h.redeem(tok.Secret)
	require.ErrorIs(t, err, magiclink.ErrTokenExpired)
}
