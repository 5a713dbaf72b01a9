package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// IssueRequest carries the inputs of a token issuance.
type IssueRequest struct {
	Email     string
	SendEmail bool
	Context   map[string]interface{}
	IPAddress string
	UserAgent string
}

// Issuer creates magic-link tokens.
type Issuer struct {
	base
	cfg    Config
	bans   *IPBanGuard
	dir    Directory
	mailer Mailer
	hash   secretHasher
}

// CheckEmail resolves the email policy without issuing anything.
func (i *Issuer) CheckEmail(ctx context.Context, email string) (Eligibility, error) {
	email = NormalizeEmail(email)
	if !isValidEmail(email) {
		return Eligibility{}, invalid("email %q is not a valid address", email)
	}
	el := Eligibility{Email: email, CanAutoCreate: i.cfg.CreateUserIfNotExists}
	u, err := i.dir.FindUserByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		return el, nil
	case err != nil:
		return Eligibility{}, storeErr("find user", err, ErrStorageUnavailable)
	}
	el.Exists = true
	el.UserID = u.ID
	return el, nil
}

// Issue creates a token and, if requested, mails the link. The returned token
// is the only place the raw secret and link ever appear.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Token, error) {
	ip, err := i.bans.check(ctx, req.IPAddress)
	if err != nil {
		return nil, err
	}
	payload, err := checkContext(req.Context, i.cfg.MaxContextBytes)
	if err != nil {
		return nil, err
	}

	el, err := i.CheckEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if !el.Eligible() {
		return nil, ErrUnknownEmail
	}

	secret, err := generateSecret(i.cfg.SecretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	// An abandoned call must not leave a token behind.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := i.now()
	t := &Token{
		ID:         uuid.NewString(),
		Email:      el.Email,
		SecretHash: i.hash.sum(secret),
		UserID:     el.UserID,
		IsActive:   true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.cfg.TokenTTL),
		IPAddress:  ip,
		UserAgent:  req.UserAgent,
		Context:    payload,
	}
	if err := i.store.CreateToken(ctx, t); err != nil {
		return nil, storeErr("create token", err, ErrStorageUnavailable)
	}
	log.Printf("[MAGIC_LINK] token %s issued for %s", t.ID, t.Email)

	t.Secret = secret
	t.Link = i.link(secret)
	if req.SendEmail {
		i.send(ctx, t)
	}
	i.publish(ctx, Event{Type: EventTokenIssued, Subject: t.ID, UserID: t.UserID, Email: t.Email})
	return t, nil
}

// Resend rotates the secret of an existing token and mails the new link.
// Only hashes are stored, so the previous link stops working. Tokens the
// redeemer would refuse are left alone.
func (i *Issuer) Resend(ctx context.Context, id string) (*Token, error) {
	secret, err := generateSecret(i.cfg.SecretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	now := i.now()
	t, err := i.store.UpdateToken(ctx, id, func(t *Token) error {
		switch {
		case !t.IsActive:
			return ErrTokenBlocked
		case t.IsExpired(now):
			return ErrTokenExpired
		case t.LastUsedAt != nil && !i.cfg.AllowReuse:
			return ErrTokenUsed
		}
		t.SecretHash = i.hash.sum(secret)
		return nil
	})
	if err != nil {
		return nil, storeErr("rotate token secret", err, ErrTokenNotFound)
	}
	log.Printf("[MAGIC_LINK] token %s secret rotated", t.ID)

	t.Secret = secret
	t.Link = i.link(secret)
	i.send(ctx, t)
	i.publish(ctx, Event{Type: EventTokenResent, Subject: t.ID, UserID: t.UserID, Email: t.Email})
	return t, nil
}

// send reports delivery failures without undoing issuance.
func (i *Issuer) send(ctx context.Context, t *Token) {
	if err := i.mailer.SendMagicLink(ctx, t.Email, t.Link, i.cfg.TokenTTL); err != nil {
		log.Printf("[MAGIC_LINK] failed to send link for token %s to %s: %v", t.ID, t.Email, err)
		return
	}
	log.Printf("[MAGIC_LINK] link for token %s sent to %s", t.ID, t.Email)
}

func (i *Issuer) link(secret string) string {
	return strings.TrimRight(i.cfg.BaseURL, "/") + i.cfg.LinkPath + "?token=" + url.QueryEscape(secret)
}
