package magiclink

import (
	"context"
	"log"
	"strconv"
	"time"
)

// MaxExtendDays bounds a single extension.
const MaxExtendDays = 3650

// Lifecycle performs administrative token transitions. Every operation is
// idempotent and addressed by token id.
type Lifecycle struct {
	base
}

// Get returns one token.
func (l *Lifecycle) Get(ctx context.Context, id string) (*Token, error) {
	t, err := l.store.GetToken(ctx, id)
	if err != nil {
		return nil, storeErr("get token", err, ErrTokenNotFound)
	}
	return t, nil
}

// List returns the tokens matching f, newest first.
func (l *Lifecycle) List(ctx context.Context, f TokenFilter) ([]*Token, error) {
	f.Email = NormalizeEmail(f.Email)
	ts, err := l.store.ListTokens(ctx, f)
	if err != nil {
		return nil, storeErr("list tokens", err, ErrStorageUnavailable)
	}
	return ts, nil
}

// Block disables a token. Blocking a blocked token is a no-op.
func (l *Lifecycle) Block(ctx context.Context, id string) (*Token, error) {
	return l.setActive(ctx, id, false)
}

// Activate re-enables a token. Expiry is left untouched, so an expired token
// stays unredeemable until it is extended.
func (l *Lifecycle) Activate(ctx context.Context, id string) (*Token, error) {
	return l.setActive(ctx, id, true)
}

func (l *Lifecycle) setActive(ctx context.Context, id string, active bool) (*Token, error) {
	t, err := l.store.UpdateToken(ctx, id, func(t *Token) error {
		t.IsActive = active
		return nil
	})
	if err != nil {
		return nil, storeErr("update token", err, ErrTokenNotFound)
	}
	ev := EventTokenBlocked
	if active {
		ev = EventTokenActivated
	}
	log.Printf("[MAGIC_LINK] token %s active=%t", id, active)
	l.publish(ctx, Event{Type: ev, Subject: id, UserID: t.UserID, Email: t.Email})
	return t, nil
}

// Extend moves the expiry days*24h past the later of now and the current
// expiry. An expired token is revived from the present, not from its past
// expiry.
func (l *Lifecycle) Extend(ctx context.Context, id string, days int) (*Token, error) {
	if days <= 0 || days > MaxExtendDays {
		return nil, invalid("days must be between 1 and %d, got %d", MaxExtendDays, days)
	}
	now := l.now()
	t, err := l.store.UpdateToken(ctx, id, func(t *Token) error {
		from := t.ExpiresAt
		if from.Before(now) {
			from = now
		}
		t.ExpiresAt = from.Add(time.Duration(days) * 24 * time.Hour)
		return nil
	})
	if err != nil {
		return nil, storeErr("extend token", err, ErrTokenNotFound)
	}
	log.Printf("[MAGIC_LINK] token %s extended by %d days to %s", id, days, t.ExpiresAt.Format(time.RFC3339))
	l.publish(ctx, Event{Type: EventTokenExtended, Subject: id, UserID: t.UserID, Email: t.Email,
		Attrs: map[string]string{"days": strconv.Itoa(days), "expiresAt": t.ExpiresAt.Format(time.RFC3339)}})
	return t, nil
}

// Delete permanently removes a token.
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	if err := l.store.DeleteToken(ctx, id); err != nil {
		return storeErr("delete token", err, ErrTokenNotFound)
	}
	log.Printf("[MAGIC_LINK] token %s deleted", id)
	l.publish(ctx, Event{Type: EventTokenDeleted, Subject: id})
	return nil
}

// BulkDelete deletes each id independently. The batch is not atomic; every
// id gets its own result and the count covers the successful ones.
func (l *Lifecycle) BulkDelete(ctx context.Context, ids []string) (int, []BulkResult) {
	n := 0
	res := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		err := l.Delete(ctx, id)
		if err == nil {
			n++
		}
		res = append(res, BulkResult{ID: id, Err: err})
	}
	return n, res
}

// Stats counts tokens the way the dashboard summarises them.
func (l *Lifecycle) Stats(ctx context.Context) (TokenStats, error) {
	ts, err := l.List(ctx, TokenFilter{})
	if err != nil {
		return TokenStats{}, err
	}
	now := l.now()
	st := TokenStats{Total: len(ts)}
	for _, t := range ts {
		if !t.IsActive {
			continue
		}
		st.Active++
		if t.IsExpired(now) {
			st.Expired++
		} else {
			st.Valid++
		}
	}
	return st, nil
}
