package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/config"
	"github.com/griefhaven/callcore/internal/dispatch"
	"github.com/griefhaven/callcore/internal/registry"
	"github.com/griefhaven/callcore/internal/store"
	"github.com/griefhaven/callcore/internal/store/sqlite"
	transporthttp "github.com/griefhaven/callcore/internal/transport/http"
)

// App wires together the relay's store, hub and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the relay application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	// A single node keeps connection ownership in memory; a redis address
	// switches to the shared registry so invites can find connections held
	// by other relay nodes.
	var reg registry.ConnRegistry
	if cfg.RedisAddr != "" {
		r, err := registry.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("init redis registry: %w", err)
		}
		reg = r
		logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("using redis connection registry")
	} else {
		reg = registry.NewMemory()
	}

	hub := dispatch.NewHub(reg, logger)
	server := transporthttp.NewServer(hub, st, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	a.log.Info().Str("addr", a.server.Addr).Msg("relay listening")

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
