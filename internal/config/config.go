package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/magiclink/internal/magiclink"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	// TokenSecret keys the HMAC of token secrets at rest. Falls back to
	// JwtSecret when unset.
	TokenSecret string
	Production  bool

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string

	// MongoDB connection settings
	MongoURI string
	MongoDB  string

	// Magic link policy
	TokenTTL              time.Duration
	SessionTTL            time.Duration
	CreateUserIfNotExists bool
	SingleUseTokens       bool
	MaxContextBytes       int
	AppBaseURL            string

	StoreTimeout    time.Duration
	CleanupInterval time.Duration

	// HTTP surface
	AdminAPIKeyHash    string
	RateLimitPerMinute int
	TrustProxyHeaders  bool
	TrustedProxyHops   int
	CORSOrigins        []string

	// Optional integrations; empty disables them.
	KafkaBroker string
	KafkaTopic  string
	RabbitMQURL string
	EmailQueue  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getbool, getduration and getint reject malformed values instead of
// silently using the default.
func getbool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func getduration(key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// EngineConfig maps the environment onto the engine configuration.
func (c *Config) EngineConfig() magiclink.Config {
	tokenSecret := c.TokenSecret
	if tokenSecret == "" {
		tokenSecret = c.JwtSecret
	}
	return magiclink.Config{
		TokenTTL:              c.TokenTTL,
		SessionTTL:            c.SessionTTL,
		CreateUserIfNotExists: c.CreateUserIfNotExists,
		AllowReuse:            !c.SingleUseTokens,
		MaxContextBytes:       c.MaxContextBytes,
		BaseURL:               c.AppBaseURL,
		TokenSecret:           []byte(tokenSecret),
		JWTSecret:             []byte(c.JwtSecret),
	}
}

func New() (*Config, error) {
	c := &Config{
		Port:        getenv("PORT", "8080"),
		DBAdapter:   getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:  getenv("SQLITE_FILE", "./data/magiclink.db"),
		JwtSecret:   getenv("JWT_SECRET", "change-me"),
		TokenSecret: getenv("TOKEN_SECRET", ""),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "magiclink")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "magiclink")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./migrations"),

		MongoURI: getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  getenv("MONGO_DB", "magiclink"),

		AppBaseURL:      getenv("APP_BASE_URL", "http://localhost:8080"),
		AdminAPIKeyHash: getenv("ADMIN_API_KEY_HASH", ""),

		KafkaBroker: getenv("KAFKA_BROKER", ""),
		KafkaTopic:  getenv("KAFKA_TOPIC", "magic-link-events"),
		RabbitMQURL: getenv("RABBITMQ_URL", ""),
		EmailQueue:  getenv("EMAIL_QUEUE", "email_Jobs"),
	}
	if origins := getenv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	var err error
	durations := []struct {
		dst       *time.Duration
		key       string
		def       time.Duration
		allowZero bool
	}{
		{&c.TokenTTL, "TOKEN_TTL", magiclink.DefaultTokenTTL, false},
		{&c.SessionTTL, "SESSION_TTL", magiclink.DefaultSessionTTL, false},
		{&c.StoreTimeout, "STORE_TIMEOUT", 5 * time.Second, false},
		{&c.CleanupInterval, "CLEANUP_INTERVAL", time.Hour, true}, // 0 disables the sweep
	}
	for _, d := range durations {
		if *d.dst, err = getduration(d.key, d.def, d.allowZero); err != nil {
			return nil, err
		}
	}
	// Stores keep millisecond timestamps; a shorter TTL would persist a
	// token or session that expires at the instant it is created.
	if c.TokenTTL < time.Millisecond || c.SessionTTL < time.Millisecond {
		return nil, errors.New("TOKEN_TTL and SESSION_TTL must be at least 1ms")
	}
	if c.CreateUserIfNotExists, err = getbool("CREATE_USER_IF_NOT_EXISTS", false); err != nil {
		return nil, err
	}
	if c.SingleUseTokens, err = getbool("SINGLE_USE_TOKENS", true); err != nil {
		return nil, err
	}
	if c.TrustProxyHeaders, err = getbool("TRUST_PROXY_HEADERS", false); err != nil {
		return nil, err
	}
	if c.MaxContextBytes, err = getint("MAX_CONTEXT_BYTES", magiclink.DefaultMaxContextBytes); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getint("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if c.TrustedProxyHops, err = getint("TRUSTED_PROXY_HOPS", 1); err != nil {
		return nil, err
	}
	if c.TrustedProxyHops < 1 {
		return nil, errors.New("TRUSTED_PROXY_HOPS must be at least 1")
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "mongo":
		if c.MongoURI == "" {
			return nil, errors.New("MONGO_URI must be set when DB_ADAPTER=mongo")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, mongo, memory)", c.DBAdapter)
	}

	// Validate secrets in production
	env := strings.ToLower(getenv("APP_ENV", getenv("ENV", "")))
	c.Production = env == "production" || env == "prod"
	if c.Production {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.AdminAPIKeyHash == "" {
			return nil, errors.New("ADMIN_API_KEY_HASH must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
