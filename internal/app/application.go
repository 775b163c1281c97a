// Package app assembles the relay's components and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bingorelay/internal/api"
	"bingorelay/internal/authority"
	"bingorelay/internal/config"
	"bingorelay/internal/relay"
)

// Application holds the wired component graph: authority client →
// validator → table/limiter → dispatcher → HTTP server.
type Application struct {
	cfg       *config.Config
	log       zerolog.Logger
	validator *authority.Validator
	table     *relay.Table
	limiter   *relay.RateLimiter
	server    *http.Server
}

// New validates the configuration and wires every component.
func New(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := authority.NewClient(cfg.AuthorityURL, logger)
	validator := authority.NewValidator(client, cfg.SessionCacheTTL, logger)
	table := relay.NewTable(cfg.MaxConnectionsPerIP, logger)
	limiter := relay.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute, logger)
	dispatcher := relay.NewHandler(cfg, table, validator, limiter, logger)
	apiServer := api.NewServer(cfg, table, validator, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", dispatcher)
	mux.Handle("/", apiServer)

	return &Application{
		cfg:       cfg,
		log:       logger.With().Str("component", "app").Logger(),
		validator: validator,
		table:     table,
		limiter:   limiter,
		server: &http.Server{
			Addr:    cfg.Addr(),
			Handler: mux,
			// No ReadTimeout: it would kill long-lived WebSocket
			// connections. Header reads are still bounded.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until the context is cancelled, then shuts down in order:
// background sweeps stop, the listener closes, in-flight connections drain.
func (a *Application) Run(ctx context.Context) error {
	a.log.Info().
		Str("addr", a.cfg.Addr()).
		Str("environment", a.cfg.Environment).
		Strs("origins", a.cfg.AllowedOrigins).
		Int("max_conns_per_ip", a.cfg.MaxConnectionsPerIP).
		Int("rate_limit_per_minute", a.cfg.RateLimitPerMinute).
		Msg("starting relay")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.heartbeatLoop(ctx)
		return nil
	})

	g.Go(func() error {
		a.limiter.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.log.Info().Msg("relay stopped")
	return err
}

// heartbeatLoop drives the two-tick dead-peer detector.
func (a *Application) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.table.CheckHeartbeats()
		case <-ctx.Done():
			return
		}
	}
}
