// Command oauthd runs the demo authorization server: the OAuth state
// machine wired to either an in-memory store (zero-config, for trying
// the flow locally) or Postgres (when DATABASE_URL is set), fronted by
// chi and a single placeholder consent screen. It is a reference host,
// not a production PDS.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covesocial/pds-oauth/internal/api/handlers/consent"
	"github.com/covesocial/pds-oauth/internal/api/httpapi"
	apimiddleware "github.com/covesocial/pds-oauth/internal/api/middleware"
	"github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/core"
	"github.com/covesocial/pds-oauth/internal/oauth/signing"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

func newService(store storage.Storage, keys *signing.Keys, issuer string) *core.Service {
	return core.NewService(store, clock.System{}, keys, issuer)
}

func main() {
	issuer := os.Getenv("OAUTH_ISSUER")
	if issuer == "" {
		log.Fatal("OAUTH_ISSUER must be set (e.g. https://pds.example.com)")
	}

	keys, err := loadSigningKeys(issuer)
	if err != nil {
		log.Fatalf("Failed to load signing keys: %v", err)
	}
	log.Printf("Signing key loaded (kid=%s)", keys.KeyID)

	cookieSecret, err := loadCookieSecret()
	if err != nil {
		log.Fatalf("Failed to load OAUTH_COOKIE_SECRET: %v", err)
	}

	store, cleanup, err := newStorage()
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer cleanup()

	svc := newService(store, keys, issuer)

	consentProvider := consent.NewSessionProvider(cookieSecret)
	consentHandler := consent.NewHandler(consentProvider)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	allowedOrigins := []string{"*"}
	if origins := os.Getenv("OAUTH_ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = []string{origins}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "DPoP", "Authorization"},
		ExposedHeaders:   []string{"DPoP-Nonce"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.RegisterRoutes(r, svc, consentProvider, "/login")

	// The consent screen is a login-style endpoint: a windowed-counter
	// limiter keyed per (client_id, IP) fits it better than the
	// token-bucket one guarding PAR/token, since consent attempts are
	// bursty human traffic, not a client retrying against a nonce
	// challenge.
	loginLimiter := apimiddleware.NewLoginAttemptLimiter(20, time.Minute)
	r.With(loginLimiter.Middleware).Get("/login", consentHandler.HandleLogin)
	r.With(loginLimiter.Middleware).Post("/login", consentHandler.HandleDecide)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	port := os.Getenv("OAUTHD_PORT")
	if port == "" {
		port = "8080"
	}

	fmt.Printf("oauthd starting on port %s (issuer=%s)\n", port, issuer)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

// loadSigningKeys reads OAUTH_PRIVATE_JWK (base64: prefix or raw) from the
// environment, falling back to a fresh ephemeral key for a zero-config
// dev run. An ephemeral key means minted tokens won't validate across a
// process restart, which is fine for trying the flow but never for a
// real deployment.
func loadSigningKeys(issuer string) (*signing.Keys, error) {
	keyID := os.Getenv("OAUTH_KEY_ID")
	if keyID == "" {
		keyID = "oauthd-1"
	}

	if raw := os.Getenv("OAUTH_PRIVATE_JWK"); raw != "" {
		return signing.LoadFromEnvValue(raw, keyID, issuer)
	}

	log.Println("OAUTH_PRIVATE_JWK not set; generating an ephemeral signing key (dev mode only)")
	return signing.GenerateEphemeral(keyID, issuer)
}

func loadCookieSecret() ([]byte, error) {
	secret := os.Getenv("OAUTH_COOKIE_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("OAUTH_COOKIE_SECRET not configured")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("OAUTH_COOKIE_SECRET must be at least 32 bytes")
	}
	return []byte(secret), nil
}

// newStorage picks Postgres when DATABASE_URL is set, otherwise the
// in-memory store used for local trials. The returned cleanup func closes
// the database connection, if any, and stops the background expiry sweep.
func newStorage() (storage.Storage, func(), error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Println("DATABASE_URL not set; running in --memory mode")
		mem := storage.NewMemory(nil)
		return mem, func() {}, nil
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("Connected to Postgres storage")

	if err := goose.SetDialect("postgres"); err != nil {
		return nil, nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "internal/db/migrations"); err != nil {
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Migrations completed")

	pg := storage.NewPostgres(db)
	stop := startCleanupLoop(pg)

	cleanup := func() {
		stop()
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database connection: %v", closeErr)
		}
	}
	return pg, cleanup, nil
}

// cleaner is implemented by storage.Postgres to sweep expired rows; it
// isn't part of the storage.Storage interface because storage.Memory has
// no need of it (its only sweep is of expired DPoP replay entries, done
// inline in CheckAndSaveNonce).
type cleaner interface {
	CleanupExpired(ctx context.Context) error
}

func startCleanupLoop(pg cleaner) (stop func()) {
	ticker := time.NewTicker(time.Hour)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := pg.CleanupExpired(context.Background()); err != nil {
					log.Printf("Failed to clean up expired OAuth rows: %v", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
