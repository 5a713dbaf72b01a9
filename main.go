package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/magiclink/internal/config"
	"github.com/example/magiclink/internal/dbmigrate"
	"github.com/example/magiclink/internal/events"
	"github.com/example/magiclink/internal/magiclink"
	"github.com/example/magiclink/internal/mailqueue"
	"github.com/example/magiclink/internal/store/memory"
	"github.com/example/magiclink/internal/store/mongostore"
	"github.com/example/magiclink/internal/store/sqlstore"
	"github.com/gorilla/mux"
)

// Backend is a Credential Store that also serves as the user directory.
type Backend interface {
	magiclink.Store
	magiclink.Directory
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	Engine  *magiclink.Engine
	Backend Backend
	Clock   magiclink.Clock

	AdminKeyHash      string
	AllowedOrigins    []string
	TrustProxyHeaders bool
	ProxyHops         int

	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func (a *App) now() time.Time {
	if a.Clock == nil {
		return time.Now().UTC()
	}
	return a.Clock.Now()
}

// Router builds the HTTP surface.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	ml := r.PathPrefix("/api/v1/magic-link").Subrouter()

	public := ml.NewRoute().Subrouter()
	public.Use(a.RateLimit)
	public.HandleFunc("/send", a.HandleSend).Methods("POST")
	public.HandleFunc("/redeem", a.HandleRedeem).Methods("POST")
	public.HandleFunc("/login", a.HandleLogin).Methods("GET")
	public.HandleFunc("/session", a.HandleSession).Methods("GET")
	public.HandleFunc("/introspect", a.HandleIntrospect).Methods("POST")

	admin := ml.PathPrefix("/admin").Subrouter()
	admin.Use(a.AdminAuth)
	admin.HandleFunc("/tokens", a.HandleListTokens).Methods("GET")
	admin.HandleFunc("/tokens", a.HandleCreateToken).Methods("POST")
	admin.HandleFunc("/tokens/bulk-delete", a.HandleBulkDeleteTokens).Methods("POST")
	admin.HandleFunc("/tokens/{id}", a.HandleGetToken).Methods("GET")
	admin.HandleFunc("/tokens/{id}", a.HandleDeleteToken).Methods("DELETE")
	admin.HandleFunc("/tokens/{id}/block", a.HandleBlockToken).Methods("POST")
	admin.HandleFunc("/tokens/{id}/activate", a.HandleActivateToken).Methods("POST")
	admin.HandleFunc("/tokens/{id}/extend", a.HandleExtendToken).Methods("POST")
	admin.HandleFunc("/tokens/{id}/resend", a.HandleResendToken).Methods("POST")
	admin.HandleFunc("/jwt-sessions", a.HandleListSessions).Methods("GET")
	admin.HandleFunc("/jwt-sessions/bulk-revoke", a.HandleBulkRevokeSessions).Methods("POST")
	admin.HandleFunc("/revoke-jwt", a.HandleRevokeSession).Methods("POST")
	admin.HandleFunc("/unrevoke-jwt", a.HandleUnrevokeSession).Methods("POST")
	admin.HandleFunc("/cleanup-sessions", a.HandleCleanupSessions).Methods("POST")
	admin.HandleFunc("/banned-ips", a.HandleListBannedIPs).Methods("GET")
	admin.HandleFunc("/ban-ip", a.HandleBanIP).Methods("POST")
	admin.HandleFunc("/unban-ip", a.HandleUnbanIP).Methods("POST")
	admin.HandleFunc("/validate-email", a.HandleValidateEmail).Methods("GET")
	admin.HandleFunc("/settings", a.HandleSettings).Methods("GET")
	admin.HandleFunc("/stats", a.HandleStats).Methods("GET")

	return r
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Backend.Ping(ctx); err != nil {
		log.Printf("readiness: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// openBackend selects the Credential Store named by DB_ADAPTER.
func openBackend(ctx context.Context, c *config.Config) (Backend, error) {
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		return sqlstore.NewSQLiteDB(c.SQLiteFile, c.StoreTimeout)
	case "postgres":
		log.Println("Applying database migrations...")
		if err := dbmigrate.Apply(c.MigrationsDir, c.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := sqlstore.NewPostgresDB(c.PostgresDSN, c.StoreTimeout)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to PostgreSQL database")
		return p, nil
	case "mongo":
		m, err := mongostore.Connect(ctx, c.MongoURI, c.MongoDB, c.StoreTimeout)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to MongoDB database")
		return m, nil
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

// runCleanup sweeps expired sessions until ctx is done.
func runCleanup(ctx context.Context, sessions *magiclink.SessionRegistry, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := sessions.Cleanup(ctx); err != nil {
				log.Printf("[SESSIONS] cleanup failed: %v", err)
			}
		}
	}
}

func main() {
	genKey := flag.Bool("gen-admin-key", false, "print a new admin API key and its bcrypt hash, then exit")
	flag.Parse()
	if *genKey {
		key, err := generateAPIKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		hash, err := hashAPIKey(key)
		if err != nil {
			log.Fatalf("hash key: %v", err)
		}
		fmt.Printf("ADMIN_API_KEY=%s\nADMIN_API_KEY_HASH=%s\n", key, hash)
		return
	}

	c, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := openBackend(ctx, c)
	if err != nil {
		log.Fatalf("%s init: %v", c.DBAdapter, err)
	}

	deps := magiclink.Deps{Store: backend, Directory: backend}
	if c.KafkaBroker != "" {
		p := events.NewKafkaPublisher(c.KafkaBroker, c.KafkaTopic)
		defer p.Close()
		deps.Publisher = p
		log.Printf("Publishing lifecycle events to Kafka topic %s", c.KafkaTopic)
	}
	if c.RabbitMQURL != "" {
		m, err := mailqueue.Dial(c.RabbitMQURL, c.EmailQueue)
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer m.Close()
		deps.Mailer = m
		log.Printf("Queueing magic link emails on %s", c.EmailQueue)
	} else {
		log.Println("RABBITMQ_URL not set; magic link emails will not be delivered")
	}

	engine, err := magiclink.New(c.EngineConfig(), deps)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	app := &App{
		Engine:            engine,
		Backend:           backend,
		AdminKeyHash:      c.AdminAPIKeyHash,
		AllowedOrigins:    c.CORSOrigins,
		TrustProxyHeaders: c.TrustProxyHeaders,
		ProxyHops:         c.TrustedProxyHops,
		rateLimiter:       NewRateLimiter(c.RateLimitPerMinute),
	}
	go runCleanup(ctx, engine.Sessions, c.CleanupInterval)

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		fmt.Println("Starting magic link server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %+v", err)
	}
	if err := backend.Close(); err != nil {
		log.Printf("close %s: %v", c.DBAdapter, err)
	}
	fmt.Println("Server exited properly")
}
