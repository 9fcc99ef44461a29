// Package orchestrator coordinates batch test executions: it creates
// execution records, dispatches test units sequentially or through a
// bounded worker pool, tracks live state in the active registry, and
// reconciles terminal results into the durable store.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/qaforge/qaforge/catalog"
	"github.com/qaforge/qaforge/metrics"
	"github.com/qaforge/qaforge/runner"
	"github.com/qaforge/qaforge/store"
	"github.com/qaforge/qaforge/types"
)

// Config holds the collaborators the orchestrator is wired with
type Config struct {
	Log      log.Logger
	Projects catalog.ProjectCatalog
	Units    catalog.TestCatalog
	Runner   runner.UnitRunner
	Store    store.ExecutionStore
	Registry *ActiveRegistry
	Enricher *Enricher
}

// Orchestrator implements the execution lifecycle operations
type Orchestrator struct {
	log      log.Logger
	projects catalog.ProjectCatalog
	units    catalog.TestCatalog
	runner   runner.UnitRunner
	store    store.ExecutionStore
	registry *ActiveRegistry
	enricher *Enricher
	tracer   trace.Tracer
}

// New creates an orchestrator, validating that all collaborators are set
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Projects == nil {
		return nil, NewValidationError("project catalog is required")
	}
	if cfg.Units == nil {
		return nil, NewValidationError("test catalog is required")
	}
	if cfg.Runner == nil {
		return nil, NewValidationError("unit runner is required")
	}
	if cfg.Store == nil {
		return nil, NewValidationError("execution store is required")
	}
	if cfg.Registry == nil {
		return nil, NewValidationError("active registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Enricher == nil {
		cfg.Enricher = NewEnricher(EnricherConfig{Log: cfg.Log})
	}

	return &Orchestrator{
		log:      cfg.Log.New("component", "orchestrator"),
		projects: cfg.Projects,
		units:    cfg.Units,
		runner:   cfg.Runner,
		store:    cfg.Store,
		registry: cfg.Registry,
		enricher: cfg.Enricher,
		tracer:   otel.Tracer("execution orchestrator"),
	}, nil
}

// RunTests validates the request, persists a QUEUED record, registers it
// as active and schedules background dispatch. It returns immediately;
// callers observe progress by polling status.
func (o *Orchestrator) RunTests(ctx context.Context, projectID string, unitIDs []string, cfg types.ExecutionConfig, triggeredBy string) (*types.ExecutionRecord, error) {
	if len(unitIDs) == 0 {
		return nil, NewValidationError("test unit list cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewValidationError("%v", err)
	}
	if !o.projects.Exists(projectID) {
		return nil, &NotFoundError{Kind: "project", ID: projectID}
	}

	total := len(unitIDs)
	record := &types.ExecutionRecord{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Status:      types.StatusQueued,
		StartedAt:   time.Now(),
		Environment: cfg.Environment,
		Browser:     cfg.Browser,
		Counts:      types.Counts{Total: total, Queued: total},
		Config:      cfg,
		TriggeredBy: triggeredBy,
	}

	if err := o.store.Create(ctx, projectID, record); err != nil {
		return nil, err
	}
	entry := o.registry.Insert(record)
	metrics.RecordExecutionStarted(projectID, cfg.Environment)

	o.log.Info("Execution queued",
		"execution", record.ID, "project", projectID, "units", total,
		"parallel", cfg.Parallel, "maxParallel", cfg.MaxParallel)

	// Fire-and-forget: dispatch runs detached from the request context,
	// the caller already holds its QUEUED handle.
	go o.dispatch(context.Background(), entry, unitIDs)

	return entry.Snapshot(), nil
}

// GetExecutionStatus returns a snapshot of the execution. The active
// registry is authoritative while an entry exists; afterwards the store
// copy is served.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	if entry, ok := o.registry.Get(id); ok {
		return entry.Snapshot(), nil
	}

	record, err := o.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Kind: "execution", ID: id}
		}
		return nil, err
	}
	return record, nil
}

// StopExecution aborts a QUEUED or RUNNING execution. In-progress units
// finish naturally; workers observe the ABORTED status before claiming
// the next unit. Calling stop on a terminal execution is a no-op that
// returns the record unchanged.
func (o *Orchestrator) StopExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	entry, ok := o.registry.Get(id)
	if !ok {
		// Not live: the store copy is terminal unless the process
		// crashed mid-run, in which case stop still settles it.
		record, err := o.store.Find(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &NotFoundError{Kind: "execution", ID: id}
			}
			return nil, err
		}
		if record.Status.IsTerminal() {
			return record, nil
		}
		record.Status = types.StatusAborted
		record.EndedAt = time.Now()
		record.Duration = record.EndedAt.Sub(record.StartedAt)
		record.Counts.Running = 0
		record.Counts.Queued = 0
		if err := o.store.Update(ctx, record.ProjectID, record.ID, record); err != nil {
			return nil, err
		}
		return record, nil
	}

	entry.mu.Lock()
	record := entry.record
	if record.Status.IsTerminal() {
		snapshot := record.Clone()
		entry.mu.Unlock()
		return snapshot, nil
	}
	record.Status = types.StatusAborted
	record.EndedAt = time.Now()
	record.Duration = record.EndedAt.Sub(record.StartedAt)
	snapshot := record.Clone()
	entry.mu.Unlock()

	o.log.Info("Execution aborted", "execution", id)
	if err := o.store.Update(ctx, snapshot.ProjectID, snapshot.ID, snapshot); err != nil {
		o.log.Error("Failed to persist aborted execution", "execution", id, "error", err)
	}
	return snapshot, nil
}

// GetExecutionDetails returns the execution decorated with best-effort
// derived data. Enrichment failures never surface; the base record is
// always returned.
func (o *Orchestrator) GetExecutionDetails(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	record, err := o.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.enricher.Enrich(record), nil
}

// History returns the project's executions ordered by start time
// descending. A project with no executions yields an empty list.
func (o *Orchestrator) History(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error) {
	return o.store.FindAll(ctx, projectID, limit, offset)
}

// Delete removes a terminal execution from the store and the registry.
// Deleting an in-flight execution is rejected; stop it first.
func (o *Orchestrator) Delete(ctx context.Context, id string) (bool, error) {
	if entry, ok := o.registry.Get(id); ok {
		snapshot := entry.Snapshot()
		if !snapshot.Status.IsTerminal() {
			return false, NewValidationError("execution %s is still %s", id, snapshot.Status)
		}
		o.registry.Remove(id)
		return o.store.Delete(ctx, snapshot.ProjectID, id)
	}

	record, err := o.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return o.store.Delete(ctx, record.ProjectID, id)
}

// WaitForCompletion blocks until the execution finalizes or the context
// expires. Test-harness hook only; the public API stays non-blocking.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, id string) error {
	entry, ok := o.registry.Get(id)
	if !ok {
		record, err := o.store.Find(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{Kind: "execution", ID: id}
			}
			return err
		}
		if record.Status.IsTerminal() {
			return nil
		}
		return &NotFoundError{Kind: "active execution", ID: id}
	}

	select {
	case <-entry.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
