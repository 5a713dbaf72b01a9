package sqlstore

import (
	"context"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/google/uuid"
)

func (s *DB) FindUserByEmail(ctx context.Context, email string) (*magiclink.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var u magiclink.User
	var created int64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT id,email,created_at FROM users WHERE email = ?`), magiclink.NormalizeEmail(email)).
		Scan(&u.ID, &u.Email, &created)
	if err != nil {
		return nil, wrap("find user", err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// CreateUser is idempotent on email: a concurrent creator wins and both
// callers get the same account back.
func (s *DB) CreateUser(ctx context.Context, email string) (*magiclink.User, error) {
	email = magiclink.NormalizeEmail(email)
	cctx, cancel := s.withTimeout(ctx)
	_, err := s.db.ExecContext(cctx, s.bind(`INSERT INTO users(id,email,created_at) VALUES(?,?,?) ON CONFLICT (email) DO NOTHING`),
		uuid.NewString(), email, millis(time.Now()))
	cancel()
	if err != nil {
		return nil, wrap("create user", err)
	}
	return s.FindUserByEmail(ctx, email)
}

func (s *DB) BanIP(ctx context.Context, b magiclink.BannedIP) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO banned_ips(address,banned_at) VALUES(?,?) ON CONFLICT (address) DO NOTHING`),
		b.Address, millis(b.BannedAt))
	return wrap("ban ip", err)
}

func (s *DB) UnbanIP(ctx context.Context, address string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM banned_ips WHERE address = ?`), address)
	return wrap("unban ip", err)
}

func (s *DB) IsBanned(ctx context.Context, address string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	if err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM banned_ips WHERE address = ?`), address).Scan(&n); err != nil {
		return false, wrap("is banned", err)
	}
	return n > 0, nil
}

func (s *DB) ListBannedIPs(ctx context.Context) ([]magiclink.BannedIP, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT address,banned_at FROM banned_ips ORDER BY address`)
	if err != nil {
		return nil, wrap("list banned ips", err)
	}
	defer rows.Close()
	out := []magiclink.BannedIP{}
	for rows.Next() {
		var b magiclink.BannedIP
		var at int64
		if err := rows.Scan(&b.Address, &at); err != nil {
			return nil, wrap("list banned ips", err)
		}
		b.BannedAt = fromMillis(at)
		out = append(out, b)
	}
	return out, wrap("list banned ips", rows.Err())
}
