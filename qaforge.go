// Package qaforge wires the test-execution orchestration service: the
// catalog, record store, active registry, unit runner, orchestrator and
// HTTP API, with a lifecycle the CLI can start and stop.
package qaforge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/qaforge/qaforge/catalog"
	"github.com/qaforge/qaforge/orchestrator"
	"github.com/qaforge/qaforge/runner"
	"github.com/qaforge/qaforge/service"
	"github.com/qaforge/qaforge/store"
	"github.com/qaforge/qaforge/types"
)

// Service is the assembled qaforge application
type Service struct {
	ctx     context.Context
	config  *Config
	version string

	catalog      *catalog.Catalog
	store        store.ExecutionStore
	registry     *orchestrator.ActiveRegistry
	orchestrator *orchestrator.Orchestrator
	server       *service.Server

	running atomic.Bool
	wg      sync.WaitGroup

	shutdownCallback func(error)
}

// New creates the service and all its collaborators
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Service, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.New()
		config.Log.Error("No logger provided, using default")
	}

	config.Log.Debug("Creating qaforge service",
		"catalog", config.CatalogFile,
		"workDir", config.WorkDir,
		"storeBackend", config.Store.Backend,
		"runOnce", config.RunOnce)

	cat, err := catalog.New(catalog.Config{
		Log:         config.Log,
		CatalogFile: config.CatalogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	st, err := newStore(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	unitRunner, err := runner.NewGoTestRunner(runner.GoTestConfig{
		WorkDir:  config.WorkDir,
		GoBinary: config.GoBinary,
		Log:      config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create unit runner: %w", err)
	}

	registry := orchestrator.NewActiveRegistry(config.Retention, config.Log)

	orch, err := orchestrator.New(orchestrator.Config{
		Log:      config.Log,
		Projects: cat,
		Units:    cat,
		Runner:   unitRunner,
		Store:    st,
		Registry: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	server, err := service.NewServer(service.Config{
		Log:            config.Log,
		API:            orch,
		Host:           config.Server.Host,
		Port:           config.Server.Port,
		RateLimit:      rate.Limit(config.Server.RateLimit),
		RateBurst:      config.Server.RateBurst,
		AllowedOrigins: config.Server.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server: %w", err)
	}

	return &Service{
		ctx:              ctx,
		config:           config,
		version:          version,
		catalog:          cat,
		store:            st,
		registry:         registry,
		orchestrator:     orch,
		server:           server,
		shutdownCallback: shutdownCallback,
	}, nil
}

func newStore(ctx context.Context, config *Config) (store.ExecutionStore, error) {
	switch config.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, config.Store.PostgresURL)
	default:
		return store.NewFileStore(config.Store.Dir, config.Log)
	}
}

// Start brings the service up: the registry janitor, the HTTP API and,
// in run-once mode, the single requested batch.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx
	s.running.Store(true)
	s.registry.StartJanitor()

	if s.config.RunOnce {
		s.config.Log.Info("Starting qaforge in run-once mode",
			"project", s.config.Project, "units", len(s.config.Units))
		return s.runOnce(ctx)
	}

	s.config.Log.Info("Starting qaforge service", "version", s.version,
		"host", s.config.Server.Host, "port", s.config.Server.Port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				s.config.Log.Info("HTTP server shut down")
				return
			}
			s.config.Log.Error("HTTP server failed", "error", err)
			s.shutdownCallback(err)
		}
	}()
	return nil
}

// runOnce executes the configured batch, prints the summary table and
// signals shutdown. Failing units map to a TestFailureError (exit 1).
func (s *Service) runOnce(ctx context.Context) error {
	record, err := s.orchestrator.RunTests(ctx, s.config.Project, s.config.Units,
		s.config.ExecutionConfig(), "cli")
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start execution: %w", err))
	}

	if err := s.orchestrator.WaitForCompletion(ctx, record.ID); err != nil {
		return NewRuntimeError(fmt.Errorf("failed waiting for execution: %w", err))
	}

	final, err := s.orchestrator.GetExecutionStatus(ctx, record.ID)
	if err != nil {
		return NewRuntimeError(err)
	}
	printExecutionSummary(final)

	s.config.Log.Info("Execution completed", "execution", final.ID, "status", final.Status)

	if final.Status != types.StatusPassed && final.Status != types.StatusSkipped {
		return NewTestFailureError(fmt.Sprintf("execution %s finished %s: %d failed, %d errored",
			final.ID, final.Status, final.Counts.Failed, final.Counts.Errored))
	}

	go func() {
		s.shutdownCallback(nil)
	}()
	return nil
}

// Stop shuts the service down: HTTP first so no new runs arrive, then
// the janitor and the store.
func (s *Service) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping qaforge")

	if !s.running.Load() {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	s.running.Store(false)

	if err := s.server.Shutdown(ctx); err != nil {
		s.config.Log.Error("Failed to shut down HTTP server", "error", err)
	}
	s.registry.Stop()
	if err := s.store.Close(); err != nil {
		s.config.Log.Error("Failed to close store", "error", err)
	}

	s.config.Log.Info("qaforge stopped successfully")
	return nil
}

// Stopped returns true if the service is stopped
func (s *Service) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until all service goroutines have terminated
func (s *Service) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
