package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qaforge/qaforge/metrics"
	"github.com/qaforge/qaforge/types"
)

// dispatchState is the shared work queue for one execution. It is only
// touched under the ActiveExecution mutex: claiming the next unit and
// mutating the counts happen inside that one critical section, so
// parallel workers can never lose updates.
type dispatchState struct {
	units []types.UnitDescriptor
	next  int
}

// dispatch runs the whole batch in the background. Any uncaught panic
// settles the record as ERROR; a caller polling status always observes
// a terminal state eventually.
func (o *Orchestrator) dispatch(ctx context.Context, entry *ActiveExecution, unitIDs []string) {
	record := entry.Snapshot()
	ctx, span := o.tracer.Start(ctx, "dispatch")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Dispatch panicked", "execution", record.ID, "panic", r)
			o.settleDispatchFailure(ctx, entry, fmt.Errorf("dispatch panic: %v", r))
		}
	}()

	workers := record.Config.Workers(record.Counts.Total)
	state := &dispatchState{units: o.resolveUnits(entry, record.ProjectID, unitIDs)}

	if !o.beginRunning(ctx, entry, workers) {
		// Aborted before dispatch began; nothing ran.
		entry.markCompleted()
		return
	}

	g := new(errgroup.Group)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			// Workers run on their own goroutines; the recover above
			// cannot see them, so each carries its own safety net.
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("Dispatch worker panicked", "execution", record.ID, "panic", r)
					o.settleDispatchFailure(ctx, entry, fmt.Errorf("worker panic: %v", r))
				}
			}()
			o.worker(ctx, entry, state)
			return nil
		})
	}
	_ = g.Wait()

	o.finalize(ctx, entry)
}

// resolveUnits maps unit IDs to descriptors. Units that fail to resolve
// are logged and pre-recorded as SKIPPED so the batch keeps its fixed
// total without executing them.
func (o *Orchestrator) resolveUnits(entry *ActiveExecution, projectID string, unitIDs []string) []types.UnitDescriptor {
	resolved := make([]types.UnitDescriptor, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		desc, ok := o.units.Resolve(projectID, unitID)
		if !ok {
			o.log.Warn("Skipping unresolvable test unit", "project", projectID, "unit", unitID)
			now := time.Now()
			o.completeUnit(entry, types.UnitResult{
				UnitID:     unitID,
				Outcome:    types.OutcomeSkipped,
				Error:      "unit not found in catalog",
				StartedAt:  now,
				FinishedAt: now,
			})
			continue
		}
		resolved = append(resolved, desc)
	}
	return resolved
}

// beginRunning transitions the record to RUNNING and sets the initial
// running/queued split. Returns false if the execution was aborted
// before dispatch started.
func (o *Orchestrator) beginRunning(ctx context.Context, entry *ActiveExecution, workers int) bool {
	entry.mu.Lock()
	record := entry.record
	if !record.Status.CanTransitionTo(types.StatusRunning) {
		entry.mu.Unlock()
		return false
	}
	record.Status = types.StatusRunning
	remaining := record.Counts.Total - record.Counts.Terminal()
	record.Counts.Running = min(workers, remaining)
	record.Counts.Queued = remaining - record.Counts.Running
	snapshot := record.Clone()
	entry.mu.Unlock()

	o.persist(ctx, snapshot)
	return true
}

// worker claims and executes units until the queue drains or the
// execution is aborted. The unit itself runs with no lock held.
func (o *Orchestrator) worker(ctx context.Context, entry *ActiveExecution, state *dispatchState) {
	for {
		unit, ok := o.claim(entry, state)
		if !ok {
			return
		}

		result := o.runUnit(ctx, entry, unit)
		o.completeUnit(entry, result)
		o.persist(ctx, entry.Snapshot())
	}
}

// claim takes the next queued unit under the shared critical section.
// It observes ABORTED cooperatively: once stop has been requested no
// further units are handed out.
func (o *Orchestrator) claim(entry *ActiveExecution, state *dispatchState) (types.UnitDescriptor, bool) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.record.Status != types.StatusRunning {
		return types.UnitDescriptor{}, false
	}
	if state.next >= len(state.units) {
		return types.UnitDescriptor{}, false
	}
	unit := state.units[state.next]
	state.next++
	return unit, true
}

// runUnit executes one unit through the runner collaborator.
// Infrastructure failures, including a panicking runner, become an
// ERROR outcome for that unit only.
func (o *Orchestrator) runUnit(ctx context.Context, entry *ActiveExecution, unit types.UnitDescriptor) (result types.UnitResult) {
	record := entry.Snapshot()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Unit runner panicked", "execution", record.ID, "unit", unit.ID, "panic", r)
			finished := time.Now()
			result = types.UnitResult{
				UnitID:     unit.ID,
				Name:       unit.DisplayName(),
				Outcome:    types.OutcomeError,
				Error:      fmt.Sprintf("runner panic: %v", r),
				Duration:   finished.Sub(start),
				StartedAt:  start,
				FinishedAt: finished,
			}
			metrics.RecordErrorDetails("runner_panic", fmt.Errorf("%v", r))
		}
	}()

	outcome, err := o.runner.Execute(ctx, unit, record.Config)
	finished := time.Now()

	result = types.UnitResult{
		UnitID:     unit.ID,
		Name:       unit.DisplayName(),
		Outcome:    outcome,
		Duration:   finished.Sub(start),
		StartedAt:  start,
		FinishedAt: finished,
	}
	if err != nil {
		o.log.Error("Unit execution failed", "execution", record.ID, "unit", unit.ID, "error", err)
		result.Outcome = types.OutcomeError
		result.Error = err.Error()
	}
	return result
}

// completeUnit applies one terminal unit outcome to the counts and
// recomputes the running/queued split, all inside the single critical
// section shared with claim.
func (o *Orchestrator) completeUnit(entry *ActiveExecution, result types.UnitResult) {
	entry.mu.Lock()
	record := entry.record
	record.Counts.Record(result.Outcome)
	record.Units = append(record.Units, result)

	workers := record.Config.Workers(record.Counts.Total)
	remaining := record.Counts.Total - record.Counts.Terminal()
	switch record.Status {
	case types.StatusRunning:
		record.Counts.Running = min(workers, remaining)
		record.Counts.Queued = remaining - record.Counts.Running
	case types.StatusQueued:
		// Pre-dispatch bookkeeping (unresolvable units recorded
		// before the RUNNING transition)
		record.Counts.Queued = remaining
	}
	projectID := record.ProjectID
	entry.mu.Unlock()

	metrics.RecordUnitResult(projectID, result.Outcome)
}

// finalize computes the overall status once every unit is accounted
// for: FAILED if any unit failed or errored, SKIPPED if all were
// skipped, PASSED otherwise. An observed abort leaves ABORTED in place.
func (o *Orchestrator) finalize(ctx context.Context, entry *ActiveExecution) {
	entry.mu.Lock()
	record := entry.record

	if record.Status == types.StatusRunning {
		switch {
		case record.Counts.Failed > 0 || record.Counts.Errored > 0:
			record.Status = types.StatusFailed
		case record.Counts.Skipped == record.Counts.Total:
			record.Status = types.StatusSkipped
		default:
			record.Status = types.StatusPassed
		}
		record.EndedAt = time.Now()
		record.Duration = record.EndedAt.Sub(record.StartedAt)
	}

	record.Counts.Running = 0
	record.Counts.Queued = 0
	snapshot := record.Clone()
	entry.mu.Unlock()

	o.persist(ctx, snapshot)
	entry.markCompleted()

	metrics.RecordExecutionCompleted(snapshot.ProjectID, snapshot.ID, snapshot.Status, snapshot.Duration)
	o.log.Info("Execution finished",
		"execution", snapshot.ID, "status", snapshot.Status,
		"passed", snapshot.Counts.Passed, "failed", snapshot.Counts.Failed,
		"skipped", snapshot.Counts.Skipped, "errored", snapshot.Counts.Errored,
		"duration", snapshot.Duration)
}

// settleDispatchFailure transitions the whole execution to ERROR after
// an uncaught dispatch failure. Never silently lost: the terminal state
// is persisted so pollers observe it.
func (o *Orchestrator) settleDispatchFailure(ctx context.Context, entry *ActiveExecution, cause error) {
	entry.mu.Lock()
	record := entry.record
	if !record.Status.IsTerminal() {
		record.Status = types.StatusError
		record.EndedAt = time.Now()
		record.Duration = record.EndedAt.Sub(record.StartedAt)
		record.Counts.Running = 0
		record.Counts.Queued = 0
		if record.Custom == nil {
			record.Custom = make(map[string]string)
		}
		record.Custom["dispatch.error"] = cause.Error()
	}
	snapshot := record.Clone()
	entry.mu.Unlock()

	o.persist(ctx, snapshot)
	entry.markCompleted()
	metrics.RecordErrorDetails("dispatch_failure", cause)
}

// persist writes a snapshot to the store. The registry stays at least
// as fresh as the store; a failed write is logged and retried on the
// next status change rather than failing the run.
func (o *Orchestrator) persist(ctx context.Context, snapshot *types.ExecutionRecord) {
	if err := o.store.Update(ctx, snapshot.ProjectID, snapshot.ID, snapshot); err != nil {
		o.log.Error("Failed to persist execution state",
			"execution", snapshot.ID, "status", snapshot.Status, "error", err)
		metrics.RecordErrorDetails("store_update", err)
	}
}
