// Package mongostore implements the Credential Store and user directory on
// MongoDB using the official mongo-go driver.
//
// Token and session updates are optimistic: every document carries a
// version counter and a write only lands if the version read is still
// current. Conflicting writers retry with a fresh read.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/magiclink/internal/magiclink"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultDBName is used when no database name is configured.
	DefaultDBName = "magiclink"

	usersCollection    = "users"
	tokensCollection   = "magic_link_tokens"
	sessionsCollection = "jwt_sessions"
	bannedCollection   = "banned_ips"

	maxUpdateAttempts = 10
	defaultTimeout    = 5 * time.Second
)

type userDoc struct {
	ID      string    `bson:"_id"`
	Email   string    `bson:"email"`
	Created time.Time `bson:"c"`
}

type tokenDoc struct {
	ID         string     `bson:"_id"`
	Email      string     `bson:"email"`
	SecretHash string     `bson:"hash"`
	UserID     string     `bson:"uid"`
	IsActive   bool       `bson:"active"`
	Created    time.Time  `bson:"c"`
	Expires    time.Time  `bson:"exp"`
	LastUsed   *time.Time `bson:"used,omitempty"`
	IP         string     `bson:"ip"`
	UserAgent  string     `bson:"agent"`
	// Context is kept as JSON so nested values come back as plain maps.
	Context string `bson:"ctx"`
	Version int64  `bson:"v"`
}

type sessionDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"uid"`
	Email     string    `bson:"email"`
	Issued    time.Time `bson:"iat"`
	Expires   time.Time `bson:"exp"`
	Revoked   bool      `bson:"revoked"`
	IP        string    `bson:"ip"`
	UserAgent string    `bson:"agent"`
	Source    string    `bson:"src"`
	Version   int64     `bson:"v"`
}

type bannedDoc struct {
	Address string    `bson:"_id"`
	At      time.Time `bson:"at"`
}

// DB implements magiclink.Store and magiclink.Directory.
type DB struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// Connect dials uri and ensures the indexes exist.
func Connect(ctx context.Context, uri, dbName string, timeout time.Duration) (*DB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	m, err := New(ctx, client, dbName, timeout)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// New wraps an existing client. It panics if client is nil.
func New(ctx context.Context, client *mongo.Client, dbName string, timeout time.Duration) (*DB, error) {
	if client == nil {
		panic("mongo client must be provided")
	}
	if dbName == "" {
		dbName = DefaultDBName
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	m := &DB{client: client, db: client.Database(dbName), timeout: timeout}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DB) ensureIndexes(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	unique := options.Index().SetUnique(true)
	idx := map[string][]mongo.IndexModel{
		usersCollection: {{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique}},
		tokensCollection: {
			{Keys: bson.D{{Key: "hash", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "email", Value: 1}, {Key: "c", Value: -1}}},
		},
		sessionsCollection: {
			{Keys: bson.D{{Key: "uid", Value: 1}}},
			{Keys: bson.D{{Key: "exp", Value: 1}}},
		},
	}
	for coll, models := range idx {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

func (m *DB) Ping(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *DB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Drop removes the whole database. Used by tests.
func (m *DB) Drop(ctx context.Context) error {
	return m.db.Drop(ctx)
}

func (m *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return magiclink.ErrNotFound
	}
	return magiclink.Unavailable(op, err)
}

// Users

func (m *DB) FindUserByEmail(ctx context.Context, email string) (*magiclink.User, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var d userDoc
	err := m.db.Collection(usersCollection).FindOne(ctx, bson.M{"email": magiclink.NormalizeEmail(email)}).Decode(&d)
	if err != nil {
		return nil, wrap("find user", err)
	}
	return &magiclink.User{ID: d.ID, Email: d.Email, CreatedAt: d.Created.UTC()}, nil
}

// CreateUser upserts on email so concurrent creators end up with one account.
func (m *DB) CreateUser(ctx context.Context, email string) (*magiclink.User, error) {
	email = magiclink.NormalizeEmail(email)
	cctx, cancel := m.withTimeout(ctx)
	_, err := m.db.Collection(usersCollection).UpdateOne(cctx,
		bson.M{"email": email},
		bson.M{"$setOnInsert": bson.M{"_id": uuid.NewString(), "c": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	cancel()
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, wrap("create user", err)
	}
	return m.FindUserByEmail(ctx, email)
}

// Tokens

func toTokenDoc(t *magiclink.Token) (*tokenDoc, error) {
	ctxJSON := "{}"
	if len(t.Context) > 0 {
		b, err := json.Marshal(t.Context)
		if err != nil {
			return nil, err
		}
		ctxJSON = string(b)
	}
	return &tokenDoc{
		ID:         t.ID,
		Email:      t.Email,
		SecretHash: t.SecretHash,
		UserID:     t.UserID,
		IsActive:   t.IsActive,
		Created:    t.CreatedAt,
		Expires:    t.ExpiresAt,
		LastUsed:   t.LastUsedAt,
		IP:         t.IPAddress,
		UserAgent:  t.UserAgent,
		Context:    ctxJSON,
	}, nil
}

func (d *tokenDoc) token() (*magiclink.Token, error) {
	t := &magiclink.Token{
		ID:         d.ID,
		Email:      d.Email,
		SecretHash: d.SecretHash,
		UserID:     d.UserID,
		IsActive:   d.IsActive,
		CreatedAt:  d.Created.UTC(),
		ExpiresAt:  d.Expires.UTC(),
		IPAddress:  d.IP,
		UserAgent:  d.UserAgent,
		Context:    map[string]interface{}{},
	}
	if d.LastUsed != nil {
		at := d.LastUsed.UTC()
		t.LastUsedAt = &at
	}
	if d.Context != "" {
		if err := json.Unmarshal([]byte(d.Context), &t.Context); err != nil {
			return nil, fmt.Errorf("decode context of token %s: %w", d.ID, err)
		}
	}
	return t, nil
}

func (m *DB) CreateToken(ctx context.Context, t *magiclink.Token) error {
	d, err := toTokenDoc(t)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err = m.db.Collection(tokensCollection).InsertOne(ctx, d)
	return wrap("create token", err)
}

func (m *DB) findToken(ctx context.Context, filter bson.M, op string) (*tokenDoc, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var d tokenDoc
	if err := m.db.Collection(tokensCollection).FindOne(ctx, filter).Decode(&d); err != nil {
		return nil, wrap(op, err)
	}
	return &d, nil
}

func (m *DB) GetToken(ctx context.Context, id string) (*magiclink.Token, error) {
	d, err := m.findToken(ctx, bson.M{"_id": id}, "get token")
	if err != nil {
		return nil, err
	}
	t, err := d.token()
	return t, wrap("get token", err)
}

func (m *DB) GetTokenBySecretHash(ctx context.Context, hash string) (*magiclink.Token, error) {
	d, err := m.findToken(ctx, bson.M{"hash": hash}, "get token by hash")
	if err != nil {
		return nil, err
	}
	t, err := d.token()
	return t, wrap("get token by hash", err)
}

func (m *DB) ListTokens(ctx context.Context, f magiclink.TokenFilter) ([]*magiclink.Token, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.Email != "" {
		filter["email"] = f.Email
	}
	if f.ActiveOnly {
		filter["active"] = true
	}
	cur, err := m.db.Collection(tokensCollection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "c", Value: -1}}))
	if err != nil {
		return nil, wrap("list tokens", err)
	}
	var docs []tokenDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("list tokens", err)
	}
	out := make([]*magiclink.Token, 0, len(docs))
	for i := range docs {
		t, err := docs[i].token()
		if err != nil {
			return nil, wrap("list tokens", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *DB) UpdateToken(ctx context.Context, id string, fn func(*magiclink.Token) error) (*magiclink.Token, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		d, err := m.findToken(ctx, bson.M{"_id": id}, "update token")
		if err != nil {
			return nil, err
		}
		t, err := d.token()
		if err != nil {
			return nil, wrap("update token", err)
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		t.ID = id
		next, err := toTokenDoc(t)
		if err != nil {
			return nil, err
		}
		next.Version = d.Version + 1
		ok, err := m.replaceVersioned(ctx, tokensCollection, id, d.Version, next)
		if err != nil {
			return nil, wrap("update token", err)
		}
		if ok {
			return t, nil
		}
	}
	return nil, magiclink.Unavailable("update token", fmt.Errorf("token %s: too many concurrent writers", id))
}

// replaceVersioned swaps the document only if its version still matches.
func (m *DB) replaceVersioned(ctx context.Context, coll, id string, version int64, doc interface{}) (bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	// Documents written before versioning have no "v" field.
	filter := bson.M{"_id": id, "v": version}
	if version == 0 {
		filter = bson.M{"_id": id, "$or": bson.A{bson.M{"v": 0}, bson.M{"v": bson.M{"$exists": false}}}}
	}
	res, err := m.db.Collection(coll).ReplaceOne(ctx, filter, doc)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (m *DB) DeleteToken(ctx context.Context, id string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection(tokensCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrap("delete token", err)
	}
	if res.DeletedCount == 0 {
		return magiclink.ErrNotFound
	}
	return nil
}

// Sessions

func toSessionDoc(s *magiclink.Session) *sessionDoc {
	return &sessionDoc{
		ID:        s.ID,
		UserID:    s.UserID,
		Email:     s.Email,
		Issued:    s.IssuedAt,
		Expires:   s.ExpiresAt,
		Revoked:   s.Revoked,
		IP:        s.IPAddress,
		UserAgent: s.UserAgent,
		Source:    s.Source,
	}
}

func (d *sessionDoc) session() *magiclink.Session {
	return &magiclink.Session{
		ID:        d.ID,
		UserID:    d.UserID,
		Email:     d.Email,
		IssuedAt:  d.Issued.UTC(),
		ExpiresAt: d.Expires.UTC(),
		Revoked:   d.Revoked,
		IPAddress: d.IP,
		UserAgent: d.UserAgent,
		Source:    d.Source,
	}
}

func (m *DB) CreateSession(ctx context.Context, s *magiclink.Session) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(sessionsCollection).InsertOne(ctx, toSessionDoc(s))
	return wrap("create session", err)
}

func (m *DB) getSessionDoc(ctx context.Context, id, op string) (*sessionDoc, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var d sessionDoc
	if err := m.db.Collection(sessionsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, wrap(op, err)
	}
	return &d, nil
}

func (m *DB) GetSession(ctx context.Context, id string) (*magiclink.Session, error) {
	d, err := m.getSessionDoc(ctx, id, "get session")
	if err != nil {
		return nil, err
	}
	return d.session(), nil
}

func (m *DB) ListSessions(ctx context.Context, f magiclink.SessionFilter) ([]*magiclink.Session, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.UserID != "" {
		filter["uid"] = f.UserID
	}
	if !f.IncludeRevoked {
		filter["revoked"] = false
	}
	cur, err := m.db.Collection(sessionsCollection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "iat", Value: -1}}))
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("list sessions", err)
	}
	out := make([]*magiclink.Session, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].session())
	}
	return out, nil
}

func (m *DB) UpdateSession(ctx context.Context, id string, fn func(*magiclink.Session) error) (*magiclink.Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		d, err := m.getSessionDoc(ctx, id, "update session")
		if err != nil {
			return nil, err
		}
		s := d.session()
		if err := fn(s); err != nil {
			return nil, err
		}
		s.ID = id
		next := toSessionDoc(s)
		next.Version = d.Version + 1
		ok, err := m.replaceVersioned(ctx, sessionsCollection, id, d.Version, next)
		if err != nil {
			return nil, wrap("update session", err)
		}
		if ok {
			return s, nil
		}
	}
	return nil, magiclink.Unavailable("update session", fmt.Errorf("session %s: too many concurrent writers", id))
}

func (m *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection(sessionsCollection).DeleteMany(ctx, bson.M{"exp": bson.M{"$lte": now}})
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}
	return int(res.DeletedCount), nil
}

// Banned IPs

func (m *DB) BanIP(ctx context.Context, b magiclink.BannedIP) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(bannedCollection).UpdateOne(ctx,
		bson.M{"_id": b.Address},
		bson.M{"$setOnInsert": bson.M{"at": b.BannedAt}},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return wrap("ban ip", err)
}

func (m *DB) UnbanIP(ctx context.Context, address string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(bannedCollection).DeleteOne(ctx, bson.M{"_id": address})
	return wrap("unban ip", err)
}

func (m *DB) IsBanned(ctx context.Context, address string) (bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	n, err := m.db.Collection(bannedCollection).CountDocuments(ctx, bson.M{"_id": address})
	if err != nil {
		return false, wrap("is banned", err)
	}
	return n > 0, nil
}

func (m *DB) ListBannedIPs(ctx context.Context) ([]magiclink.BannedIP, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	cur, err := m.db.Collection(bannedCollection).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrap("list banned ips", err)
	}
	var docs []bannedDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("list banned ips", err)
	}
	out := make([]magiclink.BannedIP, 0, len(docs))
	for _, d := range docs {
		out = append(out, magiclink.BannedIP{Address: d.Address, BannedAt: d.At.UTC()})
	}
	return out, nil
}
