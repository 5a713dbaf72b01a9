package magiclink

import (
	"context"
	"log"
)

// IPBanGuard owns the address denylist consulted by issuance and redemption.
type IPBanGuard struct {
	base
}

// Ban adds address to the denylist. Banning twice is a no-op success.
func (g *IPBanGuard) Ban(ctx context.Context, address string) (BannedIP, error) {
	addr, err := NormalizeIP(address)
	if err != nil {
		return BannedIP{}, err
	}
	b := BannedIP{Address: addr, BannedAt: g.now()}
	if err := g.store.BanIP(ctx, b); err != nil {
		return BannedIP{}, storeErr("ban ip", err, ErrStorageUnavailable)
	}
	log.Printf("[IPBAN] banned %s", addr)
	g.publish(ctx, Event{Type: EventIPBanned, Subject: addr})
	return b, nil
}

// Unban removes address from the denylist. Unknown addresses are a no-op.
func (g *IPBanGuard) Unban(ctx context.Context, address string) error {
	addr, err := NormalizeIP(address)
	if err != nil {
		return err
	}
	if err := g.store.UnbanIP(ctx, addr); err != nil {
		return storeErr("unban ip", err, ErrStorageUnavailable)
	}
	log.Printf("[IPBAN] unbanned %s", addr)
	g.publish(ctx, Event{Type: EventIPUnbanned, Subject: addr})
	return nil
}

// IsBanned reports whether address is on the denylist.
func (g *IPBanGuard) IsBanned(ctx context.Context, address string) (bool, error) {
	addr, err := NormalizeIP(address)
	if err != nil {
		return false, err
	}
	banned, err := g.store.IsBanned(ctx, addr)
	if err != nil {
		return false, storeErr("is banned", err, ErrStorageUnavailable)
	}
	return banned, nil
}

// List returns every banned address.
func (g *IPBanGuard) List(ctx context.Context) ([]BannedIP, error) {
	ips, err := g.store.ListBannedIPs(ctx)
	if err != nil {
		return nil, storeErr("list banned ips", err, ErrStorageUnavailable)
	}
	return ips, nil
}

// check rejects banned origins and returns the normalized address.
func (g *IPBanGuard) check(ctx context.Context, address string) (string, error) {
	addr, err := NormalizeIP(address)
	if err != nil {
		return "", err
	}
	banned, err := g.store.IsBanned(ctx, addr)
	if err != nil {
		return "", storeErr("is banned", err, ErrStorageUnavailable)
	}
	if banned {
		return "", ErrIPBanned
	}
	return addr, nil
}
