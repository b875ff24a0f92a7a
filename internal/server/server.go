// Package server assembles and runs the mediakeep daemon.
package server

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/mediakeep/mediakeep/internal/api"
	"github.com/mediakeep/mediakeep/internal/config"
	"github.com/mediakeep/mediakeep/internal/events"
	"github.com/mediakeep/mediakeep/internal/finalize"
	"github.com/mediakeep/mediakeep/internal/history"
	"github.com/mediakeep/mediakeep/internal/naming"
	"github.com/mediakeep/mediakeep/internal/scheduler"
	"github.com/mediakeep/mediakeep/internal/space"
	"github.com/mediakeep/mediakeep/internal/transfer"
)

// Options holds additional server options not in config.
type Options struct {
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg       config.Config
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	store     *history.Store
	bus       *events.Bus
	logger    zerolog.Logger
}

// New creates a new server with the given configuration.
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	if err := os.MkdirAll(cfg.Storage.StagingPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	store, err := history.Open(cfg.Storage.DatabasePath,
		history.WithLogger(logger.With().Str("component", "history").Logger()))
	if err != nil {
		return nil, err
	}

	bus := events.New(
		events.WithLogger(logger.With().Str("component", "events").Logger()))

	probe := space.New(cfg.Scheduler.ReserveSpaceBytes(),
		space.WithLogger(logger.With().Str("component", "space").Logger()))

	spool := transfer.NewSpool(cfg.Storage.SpoolPath,
		transfer.WithSpoolLogger(logger.With().Str("component", "spool").Logger()))

	executor := transfer.NewExecutor(spool,
		transfer.WithRetryPolicy(transfer.RetryPolicy{
			MaxAttempts:  cfg.Transfer.MaxRetries,
			InitialDelay: cfg.Transfer.RetryDelay,
			Multiplier:   cfg.Transfer.BackoffMultiplier,
		}),
		transfer.WithProgressInterval(cfg.Transfer.ProgressInterval),
		transfer.WithExecutorLogger(logger.With().Str("component", "executor").Logger()))

	resolver := naming.NewMediaResolver()
	finalizer := finalize.New(resolver,
		finalize.WithLogger(logger.With().Str("component", "finalize").Logger()),
		finalize.WithHashTimeout(cfg.Transfer.HashTimeout))

	sched := scheduler.New(cfg.Storage.StagingPath, probe, executor, finalizer,
		scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()),
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		scheduler.WithMonitorInterval(cfg.Scheduler.SpaceCheckInterval),
		scheduler.WithEventBus(bus),
		scheduler.WithRecorder(store))

	apiServer := api.New(sched, probe, store,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
		api.WithLibraryRoots(
			api.LibraryRoot{Name: "tv", Path: cfg.Storage.TVPath},
			api.LibraryRoot{Name: "movies", Path: cfg.Storage.MoviesPath},
		),
		api.WithDestinationPicker(destinationPicker(resolver, cfg.Storage)))

	return &Server{
		cfg:       cfg,
		apiServer: apiServer,
		scheduler: sched,
		store:     store,
		bus:       bus,
		logger:    logger,
	}, nil
}

// destinationPicker routes series filenames to the TV root and everything
// else to the movies root.
func destinationPicker(resolver naming.Resolver, storage config.StorageConfig) func(string) string {
	return func(filename string) string {
		if resolver.Resolve(filename).Subfolder != "" {
			return storage.TVPath
		}
		return storage.MoviesPath
	}
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("spool_path", s.cfg.Storage.SpoolPath).
		Str("staging_path", s.cfg.Storage.StagingPath).
		Msg("starting mediakeep")

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go s.logEvents(ctx)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// logEvents surfaces lifecycle transitions in the daemon log.
func (s *Server) logEvents(ctx context.Context) {
	sub := s.bus.Subscribe(
		events.JobWaitingSpace,
		events.JobCompleted,
		events.JobFailed,
		events.JobCancelled,
	)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			s.logger.Info().
				Str("type", string(event.Type)).
				Interface("data", event.Data).
				Msg("job event")
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	s.scheduler.Stop()
	s.bus.Close()

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("history close error")
	}

	s.logger.Info().Msg("shutdown complete")
	return nil
}
