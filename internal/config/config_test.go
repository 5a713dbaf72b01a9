package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "8080", c.Port)
	require.Equal(t, 24*time.Hour, c.TokenTTL)
	require.Equal(t, 720*time.Hour, c.SessionTTL)
	require.True(t, c.SingleUseTokens)
	require.False(t, c.CreateUserIfNotExists)
	require.Equal(t, 30, c.RateLimitPerMinute)
	require.Equal(t, "email_Jobs", c.EmailQueue)
	require.Empty(t, c.KafkaBroker)

	ec := c.EngineConfig()
	require.False(t, ec.AllowReuse)
	require.Equal(t, []byte("change-me"), ec.TokenSecret)
	require.Equal(t, []byte("change-me"), ec.JWTSecret)
}

func TestOverrides(t *testing.T) {
	t.Setenv("DB_ADAPTER", "sqlite")
	t.Setenv("SQLITE_FILE", "/tmp/x.db")
	t.Setenv("TOKEN_TTL", "15m")
	t.Setenv("SINGLE_USE_TOKENS", "false")
	t.Setenv("CREATE_USER_IF_NOT_EXISTS", "true")
	t.Setenv("TOKEN_SECRET", "hmac-key")
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test,")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, c.TokenTTL)
	require.Equal(t, []string{"https://a.test", "https://b.test"}, c.CORSOrigins)

	ec := c.EngineConfig()
	require.True(t, ec.AllowReuse)
	require.True(t, ec.CreateUserIfNotExists)
	require.Equal(t, []byte("hmac-key"), ec.TokenSecret)
}

func TestRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"TOKEN_TTL":                 "soon",
		"SESSION_TTL":               "-1h",
		"TRUSTED_PROXY_HOPS":        "0",
		"SINGLE_USE_TOKENS":         "maybe",
		"RATE_LIMIT_PER_MINUTE":     "lots",
		"CREATE_USER_IF_NOT_EXISTS": "yes please",
		"PORT":                      "http",
		"DB_ADAPTER":                "redis",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("DB_ADAPTER", "memory")
			t.Setenv(key, val)
			_, err := New()
			require.Error(t, err)
		})
	}
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("APP_ENV", "production")
	_, err := New()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "a-real-secret")
	_, err = New()
	require.ErrorContains(t, err, "ADMIN_API_KEY_HASH")

	t.Setenv("ADMIN_API_KEY_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	c, err := New()
	require.NoError(t, err)
	require.True(t, c.Production)
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "u", PostgresDB: "d", PostgresPassword: "p"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	require.Equal(t, "host=db port=5432 user=u dbname=d sslmode=disable password=p", dsn)

	_, err = (&Config{PostgresUser: "u"}).BuildPostgresDSN()
	require.Error(t, err)
}

func TestCleanupIntervalZeroDisables(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("CLEANUP_INTERVAL", "0s")
	c, err := New()
	require.NoError(t, err)
	require.Zero(t, c.CleanupInterval)

	t.Setenv("TOKEN_TTL", "0s")
	_, err = New()
	require.Error(t, err)
}

func TestRejectsSubMillisecondTTL(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("TOKEN_TTL", "500us")
	_, err := New()
	require.ErrorContains(t, err, "at least 1ms")

	t.Setenv("TOKEN_TTL", "1ms")
	t.Setenv("SESSION_TTL", "999us")
	_, err = New()
	require.ErrorContains(t, err, "at least 1ms")

	t.Setenv("SESSION_TTL", "1ms")
	c, err := New()
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, c.TokenTTL)
}
