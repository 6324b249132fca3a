// Command hub runs the SyncKit sync server: it wires storage, awareness,
// pub/sub, and the WebSocket hub from environment configuration, then
// serves until SIGINT/SIGTERM and drains gracefully.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/synckit-io/hub/internal/auth"
	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/config"
	"github.com/synckit-io/hub/internal/hub"
	"github.com/synckit-io/hub/internal/maintenance"
	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/pubsub"
	"github.com/synckit-io/hub/internal/server"
	"github.com/synckit-io/hub/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Error().Err(err).Msg("configuration invalid")
		return 1
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	nodeID := uuid.NewString()
	logger.Info().
		Str("version", server.Version).
		Str("nodeId", nodeID).
		Str("storage", cfg.StorageProvider).
		Bool("pubsub", cfg.PubSubEnabled).
		Msg("starting synckit hub")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStorage(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("storage init failed")
		return 1
	}
	defer store.Disconnect(context.Background())

	aw, err := newAwareness(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("awareness init failed")
		return 1
	}
	defer aw.Close(context.Background())

	bus, err := newBus(ctx, cfg, nodeID, logger)
	if err != nil {
		logger.Error().Err(err).Msg("pubsub init failed")
		return 1
	}
	defer bus.Disconnect(context.Background())

	registry := metrics.NewRegistry()
	manager := hub.NewManager(cfg.MaxConnections, logger, registry)
	coordinator := hub.NewCoordinator(hub.CoordinatorConfig{
		Storage:   store,
		Awareness: aw,
		Bus:       bus,
		Manager:   manager,
		Provider: auth.NewProvider(auth.ProviderConfig{
			Secret:       cfg.JWTSecret,
			Issuer:       cfg.JWTIssuer,
			Audience:     cfg.JWTAudience,
			APIKeys:      cfg.APIKeys,
			AuthRequired: cfg.AuthRequired,
		}),
		Logger:   logger,
		Recorder: registry,
		NodeID:   nodeID,
	})

	janitor := maintenance.NewJanitor(store, aw, manager, maintenance.Config{
		CleanupSchedule:        cfg.CleanupSchedule,
		SessionMaxAge:          cfg.SessionMaxAge,
		DeltaMaxAge:            cfg.DeltaMaxAge,
		AwarenessTTL:           cfg.AwarenessTTL,
		SessionRefreshInterval: cfg.SessionRefreshInterval,
	}, logger)
	if err := janitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("janitor init failed")
		return 1
	}
	defer janitor.Stop()

	srv := server.New(server.Deps{
		Config:         cfg,
		Storage:        store,
		Awareness:      aw,
		Bus:            bus,
		Manager:        manager,
		Coordinator:    coordinator,
		Logger:         logger,
		Recorder:       registry,
		MetricsHandler: registry.Handler(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("listener failed")
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainDeadline+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, server.ErrDrainIncomplete) {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		} else {
			logger.Error().Err(err).Msg("shutdown failed")
		}
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Adapter, error) {
	var adapter storage.Adapter
	switch cfg.StorageProvider {
	case config.StoragePostgres:
		adapter = storage.NewPostgresAdapter(&storage.Config{ConnectionString: cfg.DatabaseURL})
	default:
		adapter = storage.NewMemoryAdapter()
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

func newAwareness(ctx context.Context, cfg *config.Config) (awareness.Store, error) {
	if cfg.AwarenessProvider == config.AwarenessRedis {
		return awareness.NewRedisStore(ctx, awareness.RedisStoreConfig{
			URL:       cfg.AwarenessURL,
			KeyPrefix: cfg.PubSubChannelPrefix,
		})
	}
	return awareness.NewMemoryStore(), nil
}

func newBus(ctx context.Context, cfg *config.Config, nodeID string, logger zerolog.Logger) (pubsub.Bus, error) {
	if !cfg.PubSubEnabled {
		return pubsub.NewNoopBus(), nil
	}

	var bus pubsub.Bus
	switch cfg.PubSubProvider {
	case config.PubSubNATS:
		bus = pubsub.NewNATSBus(pubsub.NATSConfig{
			URL:           cfg.PubSubURL,
			ChannelPrefix: cfg.PubSubChannelPrefix,
			NodeID:        nodeID,
		}, logger)
	default:
		redisBus, err := pubsub.NewRedisBus(pubsub.RedisConfig{
			URL:           cfg.PubSubURL,
			ChannelPrefix: cfg.PubSubChannelPrefix,
			NodeID:        nodeID,
		}, logger)
		if err != nil {
			return nil, err
		}
		bus = redisBus
	}
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}
