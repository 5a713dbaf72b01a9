package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/magiclink/internal/magiclink"
)

const tokenColumns = `id,email,secret_hash,user_id,is_active,created_at,expires_at,last_used_at,ip_address,user_agent,context`

func scanToken(row scanner) (*magiclink.Token, error) {
	var t magiclink.Token
	var created, expires int64
	var lastUsed sql.NullInt64
	var payload string
	if err := row.Scan(&t.ID, &t.Email, &t.SecretHash, &t.UserID, &t.IsActive, &created, &expires, &lastUsed, &t.IPAddress, &t.UserAgent, &payload); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = fromMillis(expires)
	t.LastUsedAt = fromNullMillis(lastUsed)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Context); err != nil {
			return nil, fmt.Errorf("decode context of token %s: %w", t.ID, err)
		}
	}
	if t.Context == nil {
		t.Context = map[string]interface{}{}
	}
	return &t, nil
}

func encodeContext(c map[string]interface{}) (string, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func (s *DB) CreateToken(ctx context.Context, t *magiclink.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := encodeContext(t.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(`INSERT INTO magic_link_tokens(`+tokenColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Email, t.SecretHash, t.UserID, t.IsActive, millis(t.CreatedAt), millis(t.ExpiresAt), nullMillis(t.LastUsedAt), t.IPAddress, t.UserAgent, payload)
	return wrap("create token", err)
}

func (s *DB) GetToken(ctx context.Context, id string) (*magiclink.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t, err := scanToken(s.db.QueryRowContext(ctx, s.bind(`SELECT `+tokenColumns+` FROM magic_link_tokens WHERE id = ?`), id))
	if err != nil {
		return nil, wrap("get token", err)
	}
	return t, nil
}

func (s *DB) GetTokenBySecretHash(ctx context.Context, hash string) (*magiclink.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t, err := scanToken(s.db.QueryRowContext(ctx, s.bind(`SELECT `+tokenColumns+` FROM magic_link_tokens WHERE secret_hash = ?`), hash))
	if err != nil {
		return nil, wrap("get token by hash", err)
	}
	return t, nil
}

func (s *DB) ListTokens(ctx context.Context, f magiclink.TokenFilter) ([]*magiclink.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := `SELECT ` + tokenColumns + ` FROM magic_link_tokens WHERE 1=1`
	var args []interface{}
	if f.Email != "" {
		q += ` AND email = ?`
		args = append(args, f.Email)
	}
	if f.ActiveOnly {
		q += ` AND is_active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, wrap("list tokens", err)
	}
	defer rows.Close()
	out := []*magiclink.Token{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, wrap("list tokens", err)
		}
		out = append(out, t)
	}
	return out, wrap("list tokens", rows.Err())
}

// UpdateToken locks the row (FOR UPDATE on PostgreSQL, the single writer
// connection on SQLite) for the whole read-modify-write.
func (s *DB) UpdateToken(ctx context.Context, id string, fn func(*magiclink.Token) error) (*magiclink.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out *magiclink.Token
	err := s.inTx(ctx, "update token", func(tx *sql.Tx) error {
		t, err := scanToken(tx.QueryRowContext(ctx, s.bind(`SELECT `+tokenColumns+` FROM magic_link_tokens WHERE id = ?`+s.d.forUpdate), id))
		if err != nil {
			return wrap("update token", err)
		}
		if err := fn(t); err != nil {
			return err
		}
		payload, err := encodeContext(t.Context)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.bind(`UPDATE magic_link_tokens SET secret_hash = ?, user_id = ?, is_active = ?, expires_at = ?, last_used_at = ?, context = ? WHERE id = ?`),
			t.SecretHash, t.UserID, t.IsActive, millis(t.ExpiresAt), nullMillis(t.LastUsedAt), payload, id)
		if err != nil {
			return wrap("update token", err)
		}
		t.ID = id
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DB) DeleteToken(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM magic_link_tokens WHERE id = ?`), id)
	if err != nil {
		return wrap("delete token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return magiclink.ErrNotFound
	}
	return nil
}
