package orchestrator

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/qaforge/qaforge/metrics"
	"github.com/qaforge/qaforge/types"
)

// DefaultRetention is how long a finished execution stays in the active
// registry before the janitor evicts it, leaving the store as the sole
// source of truth.
const DefaultRetention = 5 * time.Minute

// janitorInterval is how often the janitor looks for evictable entries
const janitorInterval = 30 * time.Second

// ActiveExecution is the live, mutable state of one in-flight execution.
// Its mutex is the single critical section for the run: dispatch workers
// claim units and mutate counts under it, and status readers snapshot
// under it. The lock is never held across unit execution.
type ActiveExecution struct {
	mu          sync.RWMutex
	record      *types.ExecutionRecord
	done        chan struct{}
	completedAt time.Time
}

func newActiveExecution(record *types.ExecutionRecord) *ActiveExecution {
	return &ActiveExecution{
		record: record,
		done:   make(chan struct{}),
	}
}

// Snapshot returns a deep copy of the current record state
func (a *ActiveExecution) Snapshot() *types.ExecutionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.record.Clone()
}

// Done is closed once the execution has been finalized.
// Internal hook for test harnesses; the public API never blocks on it.
func (a *ActiveExecution) Done() <-chan struct{} {
	return a.done
}

// markCompleted stamps the completion time and releases waiters.
// Safe to call more than once; only the first call closes the channel.
func (a *ActiveExecution) markCompleted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completedAt.IsZero() {
		a.completedAt = time.Now()
		close(a.done)
	}
}

// evictable reports whether the entry finished before the cutoff.
// Entries are never evictable while QUEUED or RUNNING.
func (a *ActiveExecution) evictable(cutoff time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.record.Status.IsTerminal() {
		return false
	}
	return !a.completedAt.IsZero() && a.completedAt.Before(cutoff)
}

// ActiveRegistry owns the map of in-flight and recently finished
// executions. It is injected into the orchestrator so tests can use a
// fresh instance per run; it is never package-global state.
type ActiveRegistry struct {
	entries   map[string]*ActiveExecution
	retention time.Duration
	log       log.Logger
	mu        sync.RWMutex

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewActiveRegistry creates a registry with the given retention window.
// retention <= 0 falls back to DefaultRetention.
func NewActiveRegistry(retention time.Duration, logger log.Logger) *ActiveRegistry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &ActiveRegistry{
		entries:   make(map[string]*ActiveExecution),
		retention: retention,
		log:       logger.New("component", "active-registry"),
		done:      make(chan struct{}),
	}
}

// Insert registers a new live execution
func (r *ActiveRegistry) Insert(record *types.ExecutionRecord) *ActiveExecution {
	entry := newActiveExecution(record)

	r.mu.Lock()
	r.entries[record.ID] = entry
	size := len(r.entries)
	r.mu.Unlock()

	metrics.SetActiveExecutions(size)
	return entry
}

// Get returns the live entry for an execution ID, if present
func (r *ActiveRegistry) Get(id string) (*ActiveExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Remove drops an entry regardless of state. Used by explicit deletes;
// the janitor handles ordinary retirement.
func (r *ActiveRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	size := len(r.entries)
	r.mu.Unlock()

	metrics.SetActiveExecutions(size)
}

// Len returns the number of live entries
func (r *ActiveRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StartJanitor begins periodic eviction of retired entries
func (r *ActiveRegistry) StartJanitor() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep(time.Now())
			case <-r.done:
				return
			}
		}
	}()
}

// Sweep evicts terminal entries whose retention window has elapsed.
// Exported so tests can trigger eviction deterministically.
func (r *ActiveRegistry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	evicted := 0
	for id, entry := range r.entries {
		if entry.evictable(cutoff) {
			delete(r.entries, id)
			evicted++
		}
	}
	size := len(r.entries)
	r.mu.Unlock()

	if evicted > 0 {
		r.log.Debug("Evicted retired executions", "count", evicted, "remaining", size)
		metrics.SetActiveExecutions(size)
	}
	return evicted
}

// Stop halts the janitor and waits for it to exit
func (r *ActiveRegistry) Stop() {
	r.stopped.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
