package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/magiclink/internal/magiclink"
)

const sessionColumns = `id,user_id,email,issued_at,expires_at,revoked,ip_address,user_agent,source`

func scanSession(row scanner) (*magiclink.Session, error) {
	var s magiclink.Session
	var issued, expires int64
	if err := row.Scan(&s.ID, &s.UserID, &s.Email, &issued, &expires, &s.Revoked, &s.IPAddress, &s.UserAgent, &s.Source); err != nil {
		return nil, err
	}
	s.IssuedAt = fromMillis(issued)
	s.ExpiresAt = fromMillis(expires)
	return &s, nil
}

func (s *DB) CreateSession(ctx context.Context, sess *magiclink.Session) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO jwt_sessions(`+sessionColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		sess.ID, sess.UserID, sess.Email, millis(sess.IssuedAt), millis(sess.ExpiresAt), sess.Revoked, sess.IPAddress, sess.UserAgent, sess.Source)
	return wrap("create session", err)
}

func (s *DB) GetSession(ctx context.Context, id string) (*magiclink.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.bind(`SELECT `+sessionColumns+` FROM jwt_sessions WHERE id = ?`), id))
	if err != nil {
		return nil, wrap("get session", err)
	}
	return sess, nil
}

func (s *DB) ListSessions(ctx context.Context, f magiclink.SessionFilter) ([]*magiclink.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := `SELECT ` + sessionColumns + ` FROM jwt_sessions WHERE 1=1`
	var args []interface{}
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.IncludeRevoked {
		q += ` AND revoked = ?`
		args = append(args, false)
	}
	q += ` ORDER BY issued_at DESC`
	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()
	out := []*magiclink.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		out = append(out, sess)
	}
	return out, wrap("list sessions", rows.Err())
}

func (s *DB) UpdateSession(ctx context.Context, id string, fn func(*magiclink.Session) error) (*magiclink.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out *magiclink.Session
	err := s.inTx(ctx, "update session", func(tx *sql.Tx) error {
		sess, err := scanSession(tx.QueryRowContext(ctx, s.bind(`SELECT `+sessionColumns+` FROM jwt_sessions WHERE id = ?`+s.d.forUpdate), id))
		if err != nil {
			return wrap("update session", err)
		}
		if err := fn(sess); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.bind(`UPDATE jwt_sessions SET revoked = ?, expires_at = ? WHERE id = ?`),
			sess.Revoked, millis(sess.ExpiresAt), id); err != nil {
			return wrap("update session", err)
		}
		sess.ID = id
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM jwt_sessions WHERE expires_at <= ?`), millis(now))
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}
	return int(n), nil
}
