package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/qaforge/runner"
	"github.com/qaforge/qaforge/store"
	"github.com/qaforge/qaforge/types"
)

const testProject = "web-shop"

// stubCatalog serves one project with a fixed unit set
type stubCatalog struct {
	units map[string]types.UnitDescriptor
}

func newStubCatalog(unitIDs ...string) *stubCatalog {
	units := make(map[string]types.UnitDescriptor, len(unitIDs))
	for _, id := range unitIDs {
		units[id] = types.UnitDescriptor{
			ID:      id,
			Name:    id,
			Package: "./tests/" + id,
			Kind:    types.UnitKindAPI,
		}
	}
	return &stubCatalog{units: units}
}

func (c *stubCatalog) Exists(projectID string) bool {
	return projectID == testProject
}

func (c *stubCatalog) Resolve(projectID, unitID string) (types.UnitDescriptor, bool) {
	if projectID != testProject {
		return types.UnitDescriptor{}, false
	}
	u, ok := c.units[unitID]
	return u, ok
}

// fakeRunner returns scripted outcomes and tracks its own concurrency
type fakeRunner struct {
	outcomes map[string]types.UnitOutcome
	errs     map[string]error
	delay    time.Duration
	jitter   time.Duration
	gate     chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
	mu        sync.Mutex
	calls     []string
}

func (r *fakeRunner) Execute(ctx context.Context, unit types.UnitDescriptor, cfg types.ExecutionConfig) (types.UnitOutcome, error) {
	cur := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		prev := r.maxActive.Load()
		if cur <= prev || r.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, unit.ID)
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return types.OutcomeError, ctx.Err()
		}
	}
	if r.delay > 0 {
		sleep := r.delay
		if r.jitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(r.jitter)))
		}
		time.Sleep(sleep)
	}

	if err, ok := r.errs[unit.ID]; ok {
		return types.OutcomeError, err
	}
	if out, ok := r.outcomes[unit.ID]; ok {
		return out, nil
	}
	return types.OutcomePassed, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	orch   *Orchestrator
	reg    *ActiveRegistry
	store  store.ExecutionStore
	runner *fakeRunner
}

func newHarness(t *testing.T, r *fakeRunner, unitIDs ...string) *harness {
	t.Helper()
	h := newHarnessWithRunner(t, r, unitIDs...)
	h.runner = r
	return h
}

func newHarnessWithRunner(t *testing.T, r runner.UnitRunner, unitIDs ...string) *harness {
	t.Helper()
	logger := log.New()

	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := NewActiveRegistry(time.Minute, logger)
	t.Cleanup(reg.Stop)

	cat := newStubCatalog(unitIDs...)
	orch, err := New(Config{
		Log:      logger,
		Projects: cat,
		Units:    cat,
		Runner:   r,
		Store:    st,
		Registry: reg,
	})
	require.NoError(t, err)

	return &harness{orch: orch, reg: reg, store: st}
}

func (h *harness) wait(t *testing.T, id string) *types.ExecutionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.orch.WaitForCompletion(ctx, id))

	record, err := h.orch.GetExecutionStatus(ctx, id)
	require.NoError(t, err)
	return record
}

func assertCountsConserved(t *testing.T, c types.Counts) {
	t.Helper()
	assert.Equal(t, c.Total, c.Running+c.Queued+c.Terminal(),
		"count conservation violated: %+v", c)
}

func TestRunTestsReturnsQueuedImmediately(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeRunner{gate: gate}, "login", "checkout", "search")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login", "checkout", "search"}, types.ExecutionConfig{}, "tester")
	require.NoError(t, err)

	assert.Equal(t, types.StatusQueued, record.Status)
	assert.Equal(t, 3, record.Counts.Total)
	assert.Equal(t, 3, record.Counts.Queued)
	assert.Equal(t, 0, record.Counts.Terminal())
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "tester", record.TriggeredBy)
	assertCountsConserved(t, record.Counts)

	close(gate)
	h.wait(t, record.ID)
}

func TestRunTestsValidation(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	_, err := h.orch.RunTests(context.Background(), testProject, nil, types.ExecutionConfig{}, "")
	assert.True(t, IsValidationError(err))

	_, err = h.orch.RunTests(context.Background(), testProject, []string{"login"},
		types.ExecutionConfig{Parallel: true, MaxParallel: 0}, "")
	assert.True(t, IsValidationError(err))

	_, err = h.orch.RunTests(context.Background(), "ghost-project", []string{"login"}, types.ExecutionConfig{}, "")
	assert.True(t, IsNotFoundError(err))
}

func TestSerialRunAllPass(t *testing.T) {
	r := &fakeRunner{}
	h := newHarness(t, r, "login", "checkout", "search")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login", "checkout", "search"}, types.ExecutionConfig{Environment: "staging"}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusPassed, final.Status)
	assert.Equal(t, 3, final.Counts.Passed)
	assert.Equal(t, 0, final.Counts.Running)
	assert.Equal(t, 0, final.Counts.Queued)
	assertCountsConserved(t, final.Counts)
	assert.True(t, final.Finished())
	assert.GreaterOrEqual(t, final.Duration, time.Duration(0))

	// Sequential dispatch preserves request order.
	assert.Equal(t, []string{"login", "checkout", "search"}, r.calls)
	require.Len(t, final.Units, 3)
	for _, u := range final.Units {
		assert.Equal(t, types.OutcomePassed, u.Outcome)
	}

	// The durable copy matches the registry's view.
	stored, err := h.store.FindByID(context.Background(), testProject, record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, stored.Status)
	assert.Equal(t, final.Counts, stored.Counts)
}

func TestParallelRunWithUnitErrorFails(t *testing.T) {
	r := &fakeRunner{
		errs:  map[string]error{"cart": fmt.Errorf("browser crashed")},
		delay: time.Millisecond,
	}
	h := newHarness(t, r, "u1", "u2", "cart", "u4", "u5")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"u1", "u2", "cart", "u4", "u5"},
		types.ExecutionConfig{Parallel: true, MaxParallel: 2}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, 4, final.Counts.Passed)
	assert.Equal(t, 1, final.Counts.Errored)
	assertCountsConserved(t, final.Counts)
	assert.LessOrEqual(t, r.maxActive.Load(), int32(2))

	var errored *types.UnitResult
	for i := range final.Units {
		if final.Units[i].UnitID == "cart" {
			errored = &final.Units[i]
		}
	}
	require.NotNil(t, errored)
	assert.Equal(t, types.OutcomeError, errored.Outcome)
	assert.Contains(t, errored.Error, "browser crashed")
}

func TestParallelBoundNeverExceeded(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("unit-%d", i)
	}
	r := &fakeRunner{delay: time.Millisecond, jitter: 3 * time.Millisecond}
	h := newHarness(t, r, ids...)

	record, err := h.orch.RunTests(context.Background(), testProject, ids,
		types.ExecutionConfig{Parallel: true, MaxParallel: 4}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusPassed, final.Status)
	assert.Equal(t, 10, final.Counts.Passed)
	assert.Equal(t, 10, r.callCount())
	assert.LessOrEqual(t, r.maxActive.Load(), int32(4),
		"concurrency exceeded maxParallel")
}

func TestCountConservationDuringRun(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	r := &fakeRunner{delay: 2 * time.Millisecond}
	h := newHarness(t, r, ids...)

	record, err := h.orch.RunTests(context.Background(), testProject, ids,
		types.ExecutionConfig{Parallel: true, MaxParallel: 3}, "")
	require.NoError(t, err)

	entry, ok := h.reg.Get(record.ID)
	require.True(t, ok)

	// Every observable snapshot satisfies the invariant, not just the
	// terminal one.
	for {
		snap := entry.Snapshot()
		assertCountsConserved(t, snap.Counts)
		if snap.Status.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	final := h.wait(t, record.ID)
	assert.Equal(t, 6, final.Counts.Terminal())
}

func TestStopExecutionIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeRunner{gate: gate}, "slow-1", "slow-2", "slow-3")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"slow-1", "slow-2", "slow-3"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)

	// Wait until the first unit is actually in flight.
	require.Eventually(t, func() bool {
		return h.runner.callCount() > 0
	}, 5*time.Second, time.Millisecond)

	first, err := h.orch.StopExecution(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, first.Status)

	second, err := h.orch.StopExecution(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, second.Status)
	assert.Equal(t, first.EndedAt, second.EndedAt)

	// The in-flight unit drains; queued ones are never started.
	close(gate)
	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusAborted, final.Status)
	assert.Equal(t, 1, h.runner.callCount())
	assert.Len(t, final.Units, 1)
	assert.Equal(t, 0, final.Counts.Running)
	assert.Equal(t, 0, final.Counts.Queued)
}

func TestStopOnFinishedExecutionIsNoOp(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)
	final := h.wait(t, record.ID)
	require.Equal(t, types.StatusPassed, final.Status)

	stopped, err := h.orch.StopExecution(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, stopped.Status)
	assert.Equal(t, final.EndedAt, stopped.EndedAt)
}

func TestStopUnknownExecution(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	_, err := h.orch.StopExecution(context.Background(), "no-such-id")
	assert.True(t, IsNotFoundError(err))
}

// explodingRunner panics on one unit and behaves normally otherwise
type explodingRunner struct {
	inner   fakeRunner
	panicOn string
}

func (r *explodingRunner) Execute(ctx context.Context, unit types.UnitDescriptor, cfg types.ExecutionConfig) (types.UnitOutcome, error) {
	if unit.ID == r.panicOn {
		panic("browser driver crashed")
	}
	return r.inner.Execute(ctx, unit, cfg)
}

func TestPanickingRunnerSettlesExecution(t *testing.T) {
	h := newHarnessWithRunner(t, &explodingRunner{panicOn: "cart"}, "login", "cart", "search")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login", "cart", "search"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)

	// The panic settles as a unit-level ERROR; the batch keeps going
	// and reaches a terminal status instead of dying mid-dispatch.
	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Counts.Passed)
	assert.Equal(t, 1, final.Counts.Errored)
	assertCountsConserved(t, final.Counts)
	assert.True(t, final.Finished())

	var errored *types.UnitResult
	for i := range final.Units {
		if final.Units[i].UnitID == "cart" {
			errored = &final.Units[i]
		}
	}
	require.NotNil(t, errored)
	assert.Equal(t, types.OutcomeError, errored.Outcome)
	assert.Contains(t, errored.Error, "panic")

	stored, err := h.store.FindByID(context.Background(), testProject, record.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.IsTerminal())
}

func TestPanickingRunnerInParallelDispatch(t *testing.T) {
	h := newHarnessWithRunner(t, &explodingRunner{panicOn: "u3"}, "u1", "u2", "u3", "u4", "u5")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"u1", "u2", "u3", "u4", "u5"},
		types.ExecutionConfig{Parallel: true, MaxParallel: 2}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, 4, final.Counts.Passed)
	assert.Equal(t, 1, final.Counts.Errored)
	assertCountsConserved(t, final.Counts)
	assert.Len(t, final.Units, 5)
}

func TestUnresolvableUnitIsSkipped(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login", "ghost"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusPassed, final.Status)
	assert.Equal(t, 1, final.Counts.Passed)
	assert.Equal(t, 1, final.Counts.Skipped)
	assertCountsConserved(t, final.Counts)
	assert.Equal(t, 1, h.runner.callCount())

	var skipped *types.UnitResult
	for i := range final.Units {
		if final.Units[i].UnitID == "ghost" {
			skipped = &final.Units[i]
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, types.OutcomeSkipped, skipped.Outcome)
	assert.Contains(t, skipped.Error, "not found")
}

func TestAllUnitsSkippedMarksExecutionSkipped(t *testing.T) {
	h := newHarness(t, &fakeRunner{outcomes: map[string]types.UnitOutcome{
		"a": types.OutcomeSkipped,
		"b": types.OutcomeSkipped,
	}}, "a", "b")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"a", "b"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)

	final := h.wait(t, record.ID)
	assert.Equal(t, types.StatusSkipped, final.Status)
	assert.Equal(t, 2, final.Counts.Skipped)
}

func TestGetExecutionStatusFallsBackToStore(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)
	h.wait(t, record.ID)

	// Retire the registry entry; the store copy must still serve reads.
	evicted := h.reg.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)

	got, err := h.orch.GetExecutionStatus(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPassed, got.Status)

	_, err = h.orch.GetExecutionStatus(context.Background(), "no-such-id")
	assert.True(t, IsNotFoundError(err))
}

func TestDeleteRejectsInFlightExecution(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeRunner{gate: gate}, "login")

	record, err := h.orch.RunTests(context.Background(), testProject,
		[]string{"login"}, types.ExecutionConfig{}, "")
	require.NoError(t, err)

	_, err = h.orch.Delete(context.Background(), record.ID)
	assert.True(t, IsValidationError(err))

	close(gate)
	h.wait(t, record.ID)

	deleted, err := h.orch.Delete(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = h.orch.GetExecutionStatus(context.Background(), record.ID)
	assert.True(t, IsNotFoundError(err))
}

func TestHistoryEmptyProject(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	records, err := h.orch.History(context.Background(), testProject, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryListsCompletedExecutions(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	for i := 0; i < 3; i++ {
		record, err := h.orch.RunTests(context.Background(), testProject,
			[]string{"login"}, types.ExecutionConfig{}, "")
		require.NoError(t, err)
		h.wait(t, record.ID)
	}

	records, err := h.orch.History(context.Background(), testProject, 2, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWaitForCompletionUnknownID(t *testing.T) {
	h := newHarness(t, &fakeRunner{}, "login")

	err := h.orch.WaitForCompletion(context.Background(), "no-such-id")
	assert.True(t, IsNotFoundError(err))
}
