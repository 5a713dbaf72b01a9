package magiclink_test

import (
	"context"
	"testing"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/stretchr/testify/require"
)

func TestBanUnbanGatesIssuance(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	ctx := context.Background()
	req := magiclink.IssueRequest{Email: "alice@example.com", IPAddress: "10.0.0.5"}

	_, err := h.engine.Bans.Ban(ctx, "10.0.0.5")
	require.NoError(t, err)
	_, err = h.engine.Issuer.Issue(ctx, req)
	require.ErrorIs(t, err, magiclink.ErrIPBanned)

	require.NoError(t, h.engine.Bans.Unban(ctx, "10.0.0.5"))
	_, err = h.engine.Issuer.Issue(ctx, req)
	require.NoError(t, err)
}

func TestBanIsIdempotentAndNormalized(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.engine.Bans.Ban(ctx, "::ffff:10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", first.Address)
	_, err = h.engine.Bans.Ban(ctx, " 10.0.0.5 ")
	require.NoError(t, err)
	_, err = h.engine.Bans.Ban(ctx, "2001:DB8::1")
	require.NoError(t, err)

	list, err := h.engine.Bans.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "10.0.0.5", list[0].Address)
	require.Equal(t, "2001:db8::1", list[1].Address)

	banned, err := h.engine.Bans.IsBanned(ctx, "2001:db8:0:0:0:0:0:1")
	require.NoError(t, err)
	require.True(t, banned)

	// Exact address only, no prefix semantics.
	banned, err = h.engine.Bans.IsBanned(ctx, "10.0.0.6")
	require.NoError(t, err)
	require.False(t, banned)

	require.NoError(t, h.engine.Bans.Unban(ctx, "10.9.9.9"))
}

func TestBanRejectsMalformedAddress(t *testing.T) {
	h := newHarness(t, nil)
	for _, addr := range []string{"", "10.0.0", "10.0.0.0/8", "example.com"} {
		_, err := h.engine.Bans.Ban(context.Background(), addr)
		require.Equal(t, magiclink.KindInvalidInput, magiclink.KindOf(err), addr)
	}
}
