package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/switchboard/internal/api"
	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/config"
	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/encryption"
	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/handlers"
	"github.com/eldtechnologies/switchboard/internal/identity"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/outbox"
	"github.com/eldtechnologies/switchboard/internal/presence"
	"github.com/eldtechnologies/switchboard/internal/ratelimit"
	"github.com/eldtechnologies/switchboard/internal/registry"
	"github.com/eldtechnologies/switchboard/internal/router"
	"github.com/eldtechnologies/switchboard/internal/security"
	"github.com/eldtechnologies/switchboard/internal/store"
	"github.com/eldtechnologies/switchboard/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Durable store: Postgres, then SQLite, then memory for development
	var data store.DataStore
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connection failed: %w", err)
		}
		data = pg
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite open failed: %w", err)
		}
		data = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	default:
		data = store.NewMemoryStore()
		logger.Warn().Msg("no durable store configured, messages are kept in memory")
	}
	defer data.Close()

	// Redis backs membership, presence mirroring, nonces and HTTP rate limits
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Key store
	var keys store.KeyStore
	switch cfg.KeyStore {
	case config.KeyStorePebble:
		pb, err := store.OpenPebbleKeyStore(cfg.PebbleDir)
		if err != nil {
			return fmt.Errorf("pebble key store: %w", err)
		}
		defer pb.Close()
		keys = pb
		logger.Info().Str("dir", cfg.PebbleDir).Msg("opened Pebble key store")
	case config.KeyStoreMemory:
		keys = store.NewMemoryStore()
		logger.Warn().Msg("workspace keys are kept in memory and lost on restart")
	default:
		keys = data
	}

	master, err := secret(cfg.MasterKey, "MASTER_KEY", logger)
	if err != nil {
		return err
	}
	wrapper, err := crypto.NewKeyWrapper(master)
	if err != nil {
		return err
	}
	boundary, err := secret(cfg.BoundarySecret, "BOUNDARY_SECRET", logger)
	if err != nil {
		return err
	}

	// Events: in-process bus, forwarded to AMQP when configured
	bus := events.NewBus()
	var sink events.Sink = events.NewFallbackSink(logger)
	if cfg.AMQPURL != "" {
		sink, err = events.NewAMQPSink(ctx, events.DialOptions{
			URL:           cfg.AMQPURL,
			Exchange:      cfg.AMQPExchange,
			RetryAttempts: 5,
			Delay:         time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("amqp connection failed: %w", err)
		}
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("forwarding events to AMQP")
	}
	defer sink.Close()
	forwarder := events.NewForwarder(bus, sink, logger)

	persist := outbox.New(data, outbox.DefaultConfig(), logger)

	// Identity
	var (
		provider identity.Provider
		members  handlers.Members
	)
	static := identity.NewStaticProvider()
	switch {
	case redisStore != nil:
		provider = identity.NewRedisProvider(redisStore)
		members = redisStore
	case cfg.IsDevelopment() && cfg.TenantsFile == "":
		provider = identity.OpenProvider()
		logger.Warn().Msg("no identity store configured, every user may join every workspace")
	default:
		provider = static
		members = static
	}
	resolver := identity.NewResolver(provider, boundary, identity.DefaultCacheTTL, logger)

	scanner, err := security.NewScanner()
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{HeartbeatInterval: cfg.HeartbeatInterval, Events: bus}, logger)
	presenceCfg := presence.Config{Events: bus}
	if redisStore != nil {
		presenceCfg.Mirror = redisStore
	}
	tracker := presence.New(presenceCfg, logger)
	enc := encryption.NewService(keys, wrapper, bus, logger)

	core := router.New(router.Deps{
		Verifier:   resolver,
		Scanner:    scanner,
		Encryption: enc,
		Registry:   reg,
		Presence:   tracker,
		Limiter:    ratelimit.New(),
		Store:      persist,
		Events:     bus,
	}, router.DefaultConfig(), logger)

	// Subscribe before any connection is accepted
	coreSub := router.Subscribe(bus)
	presenceSub := presence.Subscribe(bus)

	if cfg.TenantsFile != "" {
		if err := activateTenants(ctx, cfg.TenantsFile, core, static, logger); err != nil {
			return err
		}
	}

	var nonces middleware.NonceStore
	if redisStore != nil {
		nonces = redisStore
	}
	gateway := transport.NewGateway(core, resolver, transport.DefaultConfig(cfg.HeartbeatInterval), logger)
	mux, err := api.NewRouter(logger, api.Options{
		Handlers: handlers.Deps{
			Core:       core,
			Encryption: enc,
			Presence:   tracker,
			Data:       data,
			Redis:      redisStore,
			Outbox:     persist,
			Members:    members,
			Identity:   resolver,
		},
		Socket:    gateway,
		AdminKeys: cfg.AdminPublicKeys,
		Nonces:    nonces,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})
	if err != nil {
		return err
	}
	if len(cfg.AdminPublicKeys) == 0 {
		logger.Warn().Msg("ADMIN_PUBLIC_KEY not set, admin API will reject every request")
	}

	// Create server. No write timeout: sockets are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(gctx, coreSub) })
	g.Go(func() error { return tracker.Run(gctx, presenceSub, time.Minute) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return forwarder.Run(gctx) })
	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting switchboard server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		// Graceful shutdown with 30 second timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		flushed := core.Close(shutdownCtx)
		reg.Close()
		if perr := persist.Close(shutdownCtx); perr != nil {
			logger.Error().Err(perr).Int("pending", persist.Pending()).Msg("outbox did not drain")
		}
		bus.Close()
		logger.Info().Int("flushed", flushed).Msg("messaging core stopped")
		return err
	})

	return g.Wait()
}

// secret decodes a base64 32-byte secret. Development generates an
// ephemeral one when unset.
func secret(b64, name string, logger zerolog.Logger) ([]byte, error) {
	if b64 == "" {
		logger.Warn().Str("var", name).Msg("secret not set, generating an ephemeral one")
		return crypto.GenerateKey()
	}
	key, err := crypto.ParseMasterKey(b64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}

// activateTenants creates the workspaces listed in the tenants file and
// loads its membership into static.
func activateTenants(ctx context.Context, path string, core *router.Router, static *identity.StaticProvider, logger zerolog.Logger) error {
	tenants, err := config.LoadTenants(path)
	if err != nil {
		return err
	}
	for _, ws := range tenants.Workspaces {
		if err := core.CreateWorkspaceQueue(ctx, ws); err != nil && !errors.Is(err, models.ErrWorkspaceExists) {
			return fmt.Errorf("activate %s: %w", ws.WorkspaceID, err)
		}
	}
	for ws, users := range tenants.Members {
		for _, u := range users {
			static.Add(ws, u)
		}
	}
	for ws, users := range tenants.Admins {
		for _, u := range users {
			static.Add(ws, u, models.PermAdmin)
		}
	}
	logger.Info().
		Int("workspaces", len(tenants.Workspaces)).
		Str("file", path).
		Msg("tenants activated")
	return nil
}
