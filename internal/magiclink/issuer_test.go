package magiclink_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/stretchr/testify/require"
)

func TestIssueKnownUser(t *testing.T) {
	h := newHarness(t, nil)
	uid := h.user(t, "alice@example.com")

	tok, err := h.engine.Issuer.Issue(context.Background(), magiclink.IssueRequest{
		Email:     "  Alice@Example.com ",
		SendEmail: true,
		Context:   map[string]interface{}{"redirect": "/inbox"},
		IPAddress: "::ffff:203.0.113.10",
		UserAgent: testAgent,
	})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", tok.Email)
	require.Equal(t, uid, tok.UserID)
	require.True(t, tok.IsActive)
	require.Nil(t, tok.LastUsedAt)
	require.Equal(t, epoch, tok.CreatedAt)
	require.Equal(t, epoch.Add(time.Hour), tok.ExpiresAt)
	require.Equal(t, "203.0.113.10", tok.IPAddress)
	require.Equal(t, "/inbox", tok.Context["redirect"])

	// 32 random bytes, base64url without padding.
	require.Len(t, tok.Secret, 43)
	require.NotEqual(t, tok.Secret, tok.SecretHash)
	require.True(t, strings.HasPrefix(tok.Link, "https://app.example.com/api/v1/magic-link/login?token="))
	u, err := url.Parse(tok.Link)
	require.NoError(t, err)
	require.Equal(t, tok.Secret, u.Query().Get("token"))

	require.Len(t, h.mailer.sent, 1)
	require.Equal(t, sentMail{To: "alice@example.com", Link: tok.Link, TTL: time.Hour}, h.mailer.sent[0])

	stored, err := h.engine.Tokens.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Secret)
	require.Empty(t, stored.Link)
	require.Equal(t, tok.SecretHash, stored.SecretHash)

	require.Equal(t, []magiclink.EventType{magiclink.EventTokenIssued}, h.events.types())
}

func TestIssueWithoutEmailDoesNotSend(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	h.issue(t, "alice@example.com")
	require.Empty(t, h.mailer.sent)
}

func TestIssueSecretsAreUnique(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok := h.issue(t, "alice@example.com")
		require.False(t, seen[tok.Secret])
		seen[tok.Secret] = true
	}
}

func TestIssueUnknownEmail(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Issuer.Issue(context.Background(), magiclink.IssueRequest{
		Email: "ghost@example.com", IPAddress: testIP,
	})
	require.ErrorIs(t, err, magiclink.ErrUnknownEmail)
	require.Equal(t, magiclink.KindIneligible, magiclink.KindOf(err))

	ts, err := h.engine.Tokens.List(context.Background(), magiclink.TokenFilter{})
	require.NoError(t, err)
	require.Empty(t, ts)
}

func TestIssueAutoCreateDefersUser(t *testing.T) {
	h := newHarness(t, func(c *magiclink.Config) { c.CreateUserIfNotExists = true })
	tok := h.issue(t, "new@example.com")
	require.Empty(t, tok.UserID)

	// Issuance never creates the account.
	_, err := h.store.FindUserByEmail(context.Background(), "new@example.com")
	require.ErrorIs(t, err, magiclink.ErrNotFound)
}

func TestIssueInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	ctx := context.Background()

	cases := []struct {
		title string
		req   magiclink.IssueRequest
	}{
		{"bad-email", magiclink.IssueRequest{Email: "not-an-email", IPAddress: testIP}},
		{"bad-ip", magiclink.IssueRequest{Email: "alice@example.com", IPAddress: "300.1.1.1"}},
		{"missing-ip", magiclink.IssueRequest{Email: "alice@example.com"}},
		{"huge-context", magiclink.IssueRequest{Email: "alice@example.com", IPAddress: testIP,
			Context: map[string]interface{}{"blob": strings.Repeat("x", magiclink.DefaultMaxContextBytes)}}},
		{"unencodable-context", magiclink.IssueRequest{Email: "alice@example.com", IPAddress: testIP,
			Context: map[string]interface{}{"ch": make(chan int)}}},
	}
	for _, c := range cases {
		t.Run(c.title, func(t *testing.T) {
			_, err := h.engine.Issuer.Issue(ctx, c.req)
			require.Equal(t, magiclink.KindInvalidInput, magiclink.KindOf(err), "%v", err)
		})
	}
}

func TestIssueMailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	h.mailer.err = errors.New("smtp down")

	tok, err := h.engine.Issuer.Issue(context.Background(), magiclink.IssueRequest{
		Email: "alice@example.com", SendEmail: true, IPAddress: testIP,
	})
	require.NoError(t, err)
	_, err = h.engine.Tokens.Get(context.Background(), tok.ID)
	require.NoError(t, err)
}

func TestIssueCancelledLeavesNoToken(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Issuer.Issue(ctx, magiclink.IssueRequest{Email: "alice@example.com", IPAddress: testIP})
	require.ErrorIs(t, err, context.Canceled)

	ts, err := h.engine.Tokens.List(context.Background(), magiclink.TokenFilter{})
	require.NoError(t, err)
	require.Empty(t, ts)
}

func TestCheckEmail(t *testing.T) {
	h := newHarness(t, nil)
	uid := h.user(t, "alice@example.com")
	ctx := context.Background()

	el, err := h.engine.Issuer.CheckEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, magiclink.Eligibility{Email: "alice@example.com", Exists: true, UserID: uid}, el)
	require.True(t, el.Eligible())

	el, err = h.engine.Issuer.CheckEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	require.False(t, el.Exists)
	require.False(t, el.Eligible())

	_, err = h.engine.Issuer.CheckEmail(ctx, "bob@")
	require.Equal(t, magiclink.KindInvalidInput, magiclink.KindOf(err))
}

func TestResendRotatesSecret(t *testing.T) {
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")
	tok := h.issue(t, "alice@example.com")

	again, err := h.engine.Issuer.Resend(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Equal(t, tok.ID, again.ID)
	require.NotEqual(t, tok.Secret, again.Secret)
	require.Len(t, h.mailer.sent, 1)
	require.Equal(t, again.Link, h.mailer.sent[0].Link)
	require.Equal(t, []magiclink.EventType{magiclink.EventTokenIssued, magiclink.EventTokenResent}, h.events.types())

	_, err = h.redeem(tok.Secret)
	require.ErrorIs(t, err, magiclink.ErrInvalidToken)
	_, err = h.redeem(again.Secret)
	require.NoError(t, err)

	_, err = h.engine.Issuer.Resend(context.Background(), "missing")
	require.ErrorIs(t, err, magiclink.ErrTokenNotFound)
}

func TestResendRefusesUnredeemableTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")

	blocked := h.issue(t, "alice@example.com")
	_, err := h.engine.Tokens.Block(ctx, blocked.ID)
	require.NoError(t, err)
	_, err = h.engine.Issuer.Resend(ctx, blocked.ID)
	require.ErrorIs(t, err, magiclink.ErrTokenBlocked)

	used := h.issue(t, "alice@example.com")
	_, err = h.redeem(used.Secret)
	require.NoError(t, err)
	_, err = h.engine.Issuer.Resend(ctx, used.ID)
	require.ErrorIs(t, err, magiclink.ErrTokenUsed)

	expired := h.issue(t, "alice@example.com")
	h.clock.Advance(time.Hour)
	_, err = h.engine.Issuer.Resend(ctx, expired.ID)
	require.ErrorIs(t, err, magiclink.ErrTokenExpired)

	require.Empty(t, h.mailer.sent)
	for _, tok := range []*magiclink.Token{blocked, used, expired} {
		stored, err := h.engine.Tokens.Get(ctx, tok.ID)
		require.NoError(t, err)
		require.Equal(t, tok.SecretHash, stored.SecretHash)
	}
}

func TestIssueContextIsNotShared(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.user(t, "alice@example.com")

	nested := map[string]interface{}{"path": "/inbox"}
	tags := []interface{}{"a"}
	tok, err := h.engine.Issuer.Issue(ctx, magiclink.IssueRequest{
		Email:     "alice@example.com",
		Context:   map[string]interface{}{"next": nested, "tags": tags},
		IPAddress: testIP,
	})
	require.NoError(t, err)

	nested["path"] = "/elsewhere"
	tags[0] = "b"
	tok.Context["next"].(map[string]interface{})["path"] = "/returned"

	stored, err := h.engine.Tokens.Get(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"path": "/inbox"}, stored.Context["next"])
	require.Equal(t, []interface{}{"a"}, stored.Context["tags"])

	// Values read back are copies too.
	stored.Context["next"].(map[string]interface{})["path"] = "/mutated"
	again, err := h.engine.Tokens.Get(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, "/inbox", again.Context["next"].(map[string]interface{})["path"])
}
