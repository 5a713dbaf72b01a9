package magiclink_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/stretchr/testify/require"
)

func TestBlockActivateIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := h.engine.Tokens.Block(ctx, tok.ID)
		require.NoError(t, err)
		require.False(t, got.IsActive)
	}
	for i := 0; i < 2; i++ {
		got, err := h.engine.Tokens.Activate(ctx, tok.ID)
		require.NoError(t, err)
		require.True(t, got.IsActive)
	}
	_, err := h.redeem(tok.Secret)
	require.NoError(t, err)

	_, err = h.engine.Tokens.Block(ctx, "missing")
	require.ErrorIs(t, err, magiclink.ErrTokenNotFound)
}

func TestActivateDoesNotReviveExpired(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")
	ctx := context.Background()

	_, err := h.engine.Tokens.Block(ctx, tok.ID)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)
	_, err = h.engine.Tokens.Activate(ctx, tok.ID)
	require.NoError(t, err)

	_, err = h.redeem(tok.Secret)
	require.ErrorIs(t, err, magiclink.ErrTokenExpired)

	// Extending from now makes it redeemable again.
	got, err := h.engine.Tokens.Extend(ctx, tok.ID, 1)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(2*time.Hour+24*time.Hour), got.ExpiresAt)
	_, err = h.redeem(tok.Secret)
	require.NoError(t, err)
}

func TestExtendLiveTokenAddsToExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")

	got, err := h.engine.Tokens.Extend(context.Background(), tok.ID, 7)
	require.NoError(t, err)
	require.Equal(t, tok.ExpiresAt.Add(7*24*time.Hour), got.ExpiresAt)
	require.Contains(t, h.events.types(), magiclink.EventTokenExtended)
}

func TestExtendRejectsBadDays(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")

	for _, days := range []int{0, -1, magiclink.MaxExtendDays + 1} {
		_, err := h.engine.Tokens.Extend(context.Background(), tok.ID, days)
		require.Equal(t, magiclink.KindInvalidInput, magiclink.KindOf(err), "days=%d", days)
	}
	_, err := h.engine.Tokens.Extend(context.Background(), "missing", 1)
	require.ErrorIs(t, err, magiclink.ErrTokenNotFound)
}

func TestDeleteToken(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")
	ctx := context.Background()

	require.NoError(t, h.engine.Tokens.Delete(ctx, tok.ID))
	_, err := h.engine.Tokens.Get(ctx, tok.ID)
	require.ErrorIs(t, err, magiclink.ErrTokenNotFound)
	_, err = h.redeem(tok.Secret)
	require.ErrorIs(t, err, magiclink.ErrInvalidToken)
	require.ErrorIs(t, h.engine.Tokens.Delete(ctx, tok.ID), magiclink.ErrTokenNotFound)
}

func TestBulkDeletePartial(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	a := h.issue(t, "alice@example.com")
	b := h.issue(t, "alice@example.com")

	n, res := h.engine.Tokens.BulkDelete(context.Background(), []string{a.ID, "missing", b.ID})
	require.Equal(t, 2, n)
	require.Len(t, res, 3)
	require.NoError(t, res[0].Err)
	require.ErrorIs(t, res[1].Err, magiclink.ErrTokenNotFound)
	require.NoError(t, res[2].Err)
}

func TestListAndStats(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	h.user(t, "bob@example.com")
	ctx := context.Background()

	old := h.issue(t, "alice@example.com")
	h.clock.Advance(2 * time.Hour)
	blocked := h.issue(t, "bob@example.com")
	_, err := h.engine.Tokens.Block(ctx, blocked.ID)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	live := h.issue(t, "alice@example.com")

	alice, err := h.engine.Tokens.List(ctx, magiclink.TokenFilter{Email: "ALICE@example.com"})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	require.Equal(t, live.ID, alice[0].ID)
	require.Equal(t, old.ID, alice[1].ID)

	st, err := h.engine.Tokens.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, magiclink.TokenStats{Total: 3, Active: 2, Valid: 1, Expired: 1}, st)
}
