// Package main is the entry point for the premium gate sidecar.
//
// It loads the process configuration, connects to the host platform's
// PostgreSQL database, loads and watches the reloadable runtime settings,
// wires the Stripe client, reconciler, account service and access engine,
// and serves the HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"premiumgate/internal/access"
	"premiumgate/internal/api/handlers"
	"premiumgate/internal/billing"
	"premiumgate/internal/config"
	"premiumgate/internal/core"
	"premiumgate/internal/db"
	"premiumgate/internal/external"
	"premiumgate/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("premium gate starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"instance", cfg.Instance.BaseURL,
		"port", cfg.Server.Port,
	)

	// Runtime settings (Stripe keys, product id, grace window) live in a
	// reloadable file owned by the instance admin, separate from the
	// process environment.
	settings := config.NewSettingsStore(cfg.SettingsFile, logger)
	if err := settings.Load(); err != nil {
		return fmt.Errorf("loading runtime settings: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	userRepo := db.NewUserRepo(pool, logger)
	videoRepo := db.NewVideoRepo(pool, logger)
	entitlementRepo := db.NewEntitlementRepo(pool, logger)

	// The settings store is the key source: the Stripe client reads the
	// current key per request, so a key rotation in the settings file
	// takes effect without a restart.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 15 * time.Second},
		settings,
		external.StripeClientConfig{Logger: logger},
	)

	identity := billing.NewIdentityResolver(stripeClient, userRepo, cfg.Instance.Key, logger)

	var eventLog billing.EventLog
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		eventLog = billing.NewRedisEventLog(redisClient, cfg.Redis.EventTTL, logger)
	} else {
		logger.Info("no redis configured, webhook replay cache disabled")
	}

	reconciler := billing.NewReconciler(stripeClient, identity, entitlementRepo, eventLog, logger)
	accountService := billing.NewService(stripeClient, identity, entitlementRepo, cfg.Instance.BaseURL, logger)

	standIns := access.NewStandInLoader(videoRepo, logger)
	engine := access.NewEngine(videoRepo, entitlementRepo, standIns, logger)

	srv, err := core.NewServer(cfg, settings, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = &tokenAuthenticator{users: userRepo}
	srv.HealthProbes = []core.HealthProbe{&databaseProbe{pool: pool}}
	if redisClient != nil {
		srv.HealthProbes = append(srv.HealthProbes, &redisProbe{client: redisClient})
	}

	accountHandler := handlers.NewAccountHandler(accountService, entitlementRepo, settings, srv.Validator, logger)
	webhookHandler := handlers.NewWebhookHandler(&external.StripeVerifier{}, reconciler, settings, logger)
	hookHandler := handlers.NewHookHandler(engine, videoRepo, accountService, settings, srv.Validator, logger)

	srv.RouteRegistrars = []func(chi.Router){
		func(r chi.Router) { accountHandler.RegisterRoutes(r, srv.AuthMiddleware, srv.OptionalAuthMiddleware) },
		webhookHandler.RegisterRoutes,
		func(r chi.Router) { hookHandler.RegisterRoutes(r, srv.HookSecretMiddleware) },
	}
	srv.MountRoutes()

	return serve(ctx, srv, cfg, settings, logger)
}

// serve runs the HTTP server and the settings watcher until the context is
// cancelled by a shutdown signal, then drains in-flight requests.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, settings *config.SettingsStore, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := settings.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("settings watcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// tokenAuthenticator adapts the platform user repository to the server's
// Authenticator interface.
type tokenAuthenticator struct {
	users *db.UserRepo
}

func (a *tokenAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	user, err := a.users.ResolveAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &types.Actor{UserID: user.ID, Username: user.Username, Email: user.Email}, nil
}

type databaseProbe struct {
	pool *pgxpool.Pool
}

func (p *databaseProbe) Name() string                    { return "database" }
func (p *databaseProbe) Check(ctx context.Context) error { return p.pool.Ping(ctx) }

type redisProbe struct {
	client *redis.Client
}

func (p *redisProbe) Name() string                    { return "redis" }
func (p *redisProbe) Check(ctx context.Context) error { return p.client.Ping(ctx).Err() }

var _ core.Authenticator = (*tokenAuthenticator)(nil)
