package magiclink

import (
	"context"
	"errors"
	"log"
	"time"
)

// RedeemRequest carries a presented secret and the origin of the request.
type RedeemRequest struct {
	Secret    string
	IPAddress string
	UserAgent string
}

// Redeemer exchanges token secrets for sessions.
type Redeemer struct {
	base
	cfg      Config
	bans     *IPBanGuard
	dir      Directory
	sessions *SessionRegistry
	hash     secretHasher
}

// Redeem validates the presented secret and issues a session. Checks run in a
// fixed order and stop at the first failure: banned origin, unknown secret,
// blocked token, expired token, already used token.
func (r *Redeemer) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	ip, err := r.bans.check(ctx, req.IPAddress)
	if err != nil {
		return nil, err
	}
	if req.Secret == "" {
		return nil, ErrInvalidToken
	}
	t, err := r.store.GetTokenBySecretHash(ctx, r.hash.sum(req.Secret))
	if err != nil {
		return nil, storeErr("get token", err, ErrInvalidToken)
	}
	if err := r.usable(t, r.now()); err != nil {
		return nil, err
	}

	userID := t.UserID
	if userID == "" {
		if userID, err = r.resolveUser(ctx, t.Email); err != nil {
			return nil, err
		}
	}

	// The state check is repeated inside the update so two concurrent
	// redemptions cannot both observe the token as unused.
	now := r.now()
	prevUsed := t.LastUsedAt
	t, err = r.store.UpdateToken(ctx, t.ID, func(cur *Token) error {
		if err := r.usable(cur, now); err != nil {
			return err
		}
		prevUsed = cur.LastUsedAt
		cur.LastUsedAt = &now
		cur.UserID = userID
		return nil
	})
	if err != nil {
		return nil, storeErr("consume token", err, ErrInvalidToken)
	}

	s, jwt, err := r.sessions.Issue(ctx, SessionRequest{
		UserID:    userID,
		Email:     t.Email,
		IPAddress: ip,
		UserAgent: req.UserAgent,
		Source:    SourceMagicLink,
	})
	if err != nil {
		r.restore(t.ID, now, prevUsed)
		return nil, err
	}

	log.Printf("[MAGIC_LINK] token %s redeemed by user %s from %s", t.ID, userID, ip)
	r.publish(ctx, Event{Type: EventTokenRedeemed, Subject: t.ID, UserID: userID, Email: t.Email,
		Attrs: map[string]string{"session": s.ID, "ip": ip}})

	return &Redemption{
		UserID:  userID,
		Email:   t.Email,
		Context: t.Context,
		Session: s,
		JWT:     jwt,
	}, nil
}

// usable applies the activity, expiry and reuse checks. IsActive and expiry
// are independent: both are always evaluated.
func (r *Redeemer) usable(t *Token, now time.Time) error {
	if !t.IsActive {
		return ErrTokenBlocked
	}
	if t.IsExpired(now) {
		return ErrTokenExpired
	}
	if !r.cfg.AllowReuse && t.LastUsedAt != nil {
		return ErrTokenUsed
	}
	return nil
}

// resolveUser finds the account for a token issued under the auto-create
// policy, creating it if it still does not exist.
func (r *Redeemer) resolveUser(ctx context.Context, email string) (string, error) {
	u, err := r.dir.FindUserByEmail(ctx, email)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", storeErr("find user", err, ErrStorageUnavailable)
	}
	if !r.cfg.CreateUserIfNotExists {
		return "", ErrUnknownEmail
	}
	u, err = r.dir.CreateUser(ctx, email)
	if err != nil {
		return "", storeErr("create user", err, ErrStorageUnavailable)
	}
	log.Printf("[MAGIC_LINK] created user %s for %s", u.ID, email)
	return u.ID, nil
}

// restore undoes the consumption of a token whose session could not be
// created. It runs detached from the caller's context so an abandoned request
// still rolls back.
func (r *Redeemer) restore(id string, usedAt time.Time, prev *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.store.UpdateToken(ctx, id, func(cur *Token) error {
		if cur.LastUsedAt != nil && cur.LastUsedAt.Equal(usedAt) {
			cur.LastUsedAt = prev
		}
		return nil
	})
	if err != nil {
		log.Printf("[MAGIC_LINK] failed to restore token %s after session error: %v", id, err)
	}
}
