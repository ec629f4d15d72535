// Package main is the entrypoint for the SongForge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/songforge/internal/api"
	"github.com/kiranshivaraju/songforge/internal/api/handler"
	mw "github.com/kiranshivaraju/songforge/internal/api/middleware"
	"github.com/kiranshivaraju/songforge/internal/cache"
	"github.com/kiranshivaraju/songforge/internal/config"
	"github.com/kiranshivaraju/songforge/internal/entitlement"
	"github.com/kiranshivaraju/songforge/internal/generation"
	"github.com/kiranshivaraju/songforge/internal/ledger"
	"github.com/kiranshivaraju/songforge/internal/provider"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/internal/signing"
	"github.com/kiranshivaraju/songforge/internal/store"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	snapshotTTL     = 10 * time.Minute
)

var adminScopes = []string{models.ScopeRead, models.ScopeWrite, models.ScopeAdmin}

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	})))
	slog.Info("config loaded", "provider", cfg.Provider.Name, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create generation provider
	genProvider, err := provider.NewProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	slog.Info("generation provider initialized", "provider", genProvider.Name())

	// 6. Entitlements, ledger, reconciler
	catalog, err := entitlement.LoadCatalog(cfg.Plans.File)
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	signer, err := signing.NewSigner(cfg.Callback.Secret, cfg.Callback.TokenTTL)
	if err != nil {
		return fmt.Errorf("create callback signer: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	if err := bootstrapAdminKey(ctx, pgStore, cfg.Admin); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	svc := generation.NewService(
		entitlement.NewGate(catalog, pgStore, pgStore),
		ledger.New(pgStore),
		genProvider,
		pgStore,
		reconcile.New(pgStore, reconcile.WithCache(redisCache, snapshotTTL)),
		redisCache,
		signer,
		generation.Options{
			CallbackBaseURL: cfg.Callback.PublicBaseURL,
			StatusTTL:       cfg.Redis.StatusTTL,
			ProviderTimeout: cfg.Provider.Timeout,
		},
	)

	if cfg.Sweep.MaxAge > 0 {
		go svc.RunSweeper(ctx, cfg.Sweep.MaxAge, cfg.Sweep.Interval)
		slog.Info("stale task sweeper started", "max_age", cfg.Sweep.MaxAge, "interval", cfg.Sweep.Interval)
	}

	// 7. Build router with dependencies
	router := api.NewRouter(newDependencies(pgStore, redisCache, svc, genProvider.Name(), cfg.RateLimit.PerMinute))

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// serverStore is everything the HTTP layer needs from persistence directly.
type serverStore interface {
	handler.Pinger
	handler.KeyStore
	mw.KeyStore
}

func newDependencies(st serverStore, c cache.Cache, svc handler.GenerationService, providerName string, perMinute int) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, perMinute),

		HealthHandler:   handler.NewHealthHandler(st, c, providerName),
		CallbackHandler: handler.NewCallbackHandler(svc),

		SubmitHandler:      handler.NewSubmitHandler(svc),
		GetHandler:         handler.NewGetHandler(svc),
		StatusHandler:      handler.NewStatusHandler(svc),
		ObservationHandler: handler.NewObservationHandler(svc),
		EventsHandler:      handler.NewEventsHandler(svc),
		LyricsHandler:      handler.NewLyricsHandler(svc),
		CreditsHandler:     handler.NewCreditsHandler(svc),

		GrantCreditsHandler: handler.NewGrantCreditsHandler(svc),
		SetPlanHandler:      handler.NewSetPlanHandler(svc),
		CreateKeyHandler:    handler.NewCreateKeyHandler(st),
		ListKeysHandler:     handler.NewListKeysHandler(st),
		RevokeKeyHandler:    handler.NewRevokeKeyHandler(st),
	}
}

// bootstrapAdminKey stores the configured admin key unless an identical key
// already exists.
func bootstrapAdminKey(ctx context.Context, st serverStore, cfg config.AdminConfig) error {
	if cfg.BootstrapKey == "" {
		return nil
	}

	existing, err := st.GetAPIKeyByPrefix(ctx, cfg.BootstrapKey[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(cfg.BootstrapKey)) == nil {
			if !k.HasScope(models.ScopeAdmin) {
				slog.Warn("bootstrap key exists without admin scope", "key_prefix", k.KeyPrefix)
			}
			return nil
		}
	}

	key, _, err := handler.NewAPIKeyFromRaw(cfg.OwnerID, "bootstrap-admin", cfg.BootstrapKey, adminScopes)
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("admin api key bootstrapped", "owner_id", cfg.OwnerID, "key_prefix", key.KeyPrefix)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
