// Package sqlstore implements the Credential Store and user directory on
// database/sql, for SQLite (modernc.org/sqlite) and PostgreSQL (lib/pq).
//
// Timestamps are stored as unix milliseconds and the token context as JSON
// text, so both dialects share one set of queries.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultTimeout bounds every store call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

type dialect struct {
	name      string
	forUpdate string
	numbered  bool // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", forUpdate: " FOR UPDATE", numbered: true}
)

// DB implements magiclink.Store and magiclink.Directory.
type DB struct {
	db      *sql.DB
	d       dialect
	timeout time.Duration
}

// NewSQLiteDB opens (and creates if needed) a SQLite database at path.
func NewSQLiteDB(path string, timeout time.Duration) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	d, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection serializes transactions
	// instead of failing them with SQLITE_BUSY.
	d.SetMaxOpenConns(1)
	s := &DB{db: d, d: sqliteDialect, timeout: orDefault(timeout)}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresDB connects to PostgreSQL. The schema comes from migrations.
func NewPostgresDB(dsn string, timeout time.Duration) (*DB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &DB{db: d, d: postgresDialect, timeout: orDefault(timeout)}
	if err := p.Ping(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func orDefault(t time.Duration) time.Duration {
	if t <= 0 {
		return DefaultTimeout
	}
	return t
}

// Init creates the SQLite schema. PostgreSQL relies on migrations.
func (s *DB) Init(ctx context.Context) error {
	if s.d.name != sqliteDialect.name {
		return nil
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT NOT NULL UNIQUE, created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS magic_link_tokens (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			secret_hash TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			last_used_at INTEGER,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			CHECK (expires_at > created_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_magic_link_tokens_email ON magic_link_tokens(email);`,
		`CREATE TABLE IF NOT EXISTS jwt_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jwt_sessions_expires_at ON jwt_sessions(expires_at);`,
		`CREATE TABLE IF NOT EXISTS banned_ips (address TEXT PRIMARY KEY, banned_at INTEGER NOT NULL);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *DB) Close() error                   { return s.db.Close() }

// bind rewrites ? placeholders for dialects that number them.
func (s *DB) bind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTimeout applies the store deadline to a call.
func (s *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrap maps driver errors into the engine taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return magiclink.ErrNotFound
	}
	return magiclink.Unavailable(op, err)
}

// inTx runs fn in a transaction. Errors returned by fn are passed back
// unchanged after rollback.
func (s *DB) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var opts *sql.TxOptions
	if s.d.numbered {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return magiclink.Unavailable(op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return magiclink.Unavailable(op, err)
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

type scanner interface {
	Scan(dest ...interface{}) error
}
