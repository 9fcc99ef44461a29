package types

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the possible states of a batch execution
type ExecutionStatus string

const (
	StatusQueued  ExecutionStatus = "queued"
	StatusRunning ExecutionStatus = "running"
	StatusPassed  ExecutionStatus = "passed"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
	StatusError   ExecutionStatus = "error"
	StatusAborted ExecutionStatus = "aborted"

	// StatusBlocked is reserved for upstream dependency gating.
	// Nothing in the orchestrator produces or consumes it.
	StatusBlocked ExecutionStatus = "blocked"
)

// IsTerminal reports whether no further transition can occur from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusError, StatusAborted:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates a status transition against the execution
// state machine: queued -> running -> {passed,failed,skipped,error},
// and queued|running -> aborted.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusQueued
	case StatusPassed, StatusFailed, StatusSkipped, StatusError:
		return s == StatusRunning || s == StatusQueued
	case StatusAborted:
		return s == StatusQueued || s == StatusRunning
	default:
		return false
	}
}

// UnitOutcome is the terminal result of a single test unit
type UnitOutcome string

const (
	OutcomePassed  UnitOutcome = "passed"
	OutcomeFailed  UnitOutcome = "failed"
	OutcomeSkipped UnitOutcome = "skipped"
	OutcomeError   UnitOutcome = "error"
)

// ExecutionConfig describes how a batch of test units is run.
// It is immutable once attached to an execution.
type ExecutionConfig struct {
	Environment string            `json:"environment" yaml:"environment"`
	Browser     string            `json:"browser" yaml:"browser"`
	Headless    bool              `json:"headless" yaml:"headless"`
	Parallel    bool              `json:"parallel" yaml:"parallel"`
	MaxParallel int               `json:"maxParallel" yaml:"max_parallel"`
	UnitTimeout time.Duration     `json:"unitTimeout" yaml:"unit_timeout"`
	Retries     int               `json:"retries" yaml:"retries"`
	Screenshots bool              `json:"screenshots" yaml:"screenshots"`
	Video       bool              `json:"video" yaml:"video"`
	Custom      map[string]string `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Validate checks config invariants that must hold before a run is created
func (c ExecutionConfig) Validate() error {
	if c.Parallel && c.MaxParallel < 1 {
		return fmt.Errorf("maxParallel must be >= 1 for parallel runs, got %d", c.MaxParallel)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative, got %d", c.Retries)
	}
	return nil
}

// Workers returns the number of concurrent workers dispatch should use
// for a batch of the given size.
func (c ExecutionConfig) Workers(total int) int {
	if !c.Parallel {
		return 1
	}
	if c.MaxParallel < total {
		return c.MaxParallel
	}
	return total
}

// Counts tracks unit bookkeeping for an execution.
// Total is fixed at creation; terminal counts never decrease and
// running+queued+passed+failed+skipped+errored == total while dispatching.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"error"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Terminal returns the number of units that reached a terminal outcome
func (c Counts) Terminal() int {
	return c.Passed + c.Failed + c.Skipped + c.Errored
}

// Record applies a single unit outcome to the terminal counters
func (c *Counts) Record(outcome UnitOutcome) {
	switch outcome {
	case OutcomePassed:
		c.Passed++
	case OutcomeFailed:
		c.Failed++
	case OutcomeSkipped:
		c.Skipped++
	default:
		c.Errored++
	}
}

// UnitResult is the terminal outcome of one test unit within an execution
type UnitResult struct {
	UnitID     string        `json:"unitId"`
	Name       string        `json:"name,omitempty"`
	Outcome    UnitOutcome   `json:"outcome"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// ExecutionRecord is the authoritative entity for one batch run
type ExecutionRecord struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Status      ExecutionStatus   `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	EndedAt     time.Time         `json:"endedAt,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Environment string            `json:"environment,omitempty"`
	Browser     string            `json:"browser,omitempty"`
	Counts      Counts            `json:"counts"`
	Config      ExecutionConfig   `json:"config"`
	TriggeredBy string            `json:"triggeredBy,omitempty"`
	Units       []UnitResult      `json:"units,omitempty"`
	Custom      map[string]string `json:"customSettings,omitempty"`
}

// Clone returns a deep copy of the record. Status readers always receive
// clones so they can never mutate the live registry entry.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	cp := *r
	if r.Units != nil {
		cp.Units = make([]UnitResult, len(r.Units))
		copy(cp.Units, r.Units)
	}
	if r.Custom != nil {
		cp.Custom = make(map[string]string, len(r.Custom))
		for k, v := range r.Custom {
			cp.Custom[k] = v
		}
	}
	if r.Config.Custom != nil {
		cp.Config.Custom = make(map[string]string, len(r.Config.Custom))
		for k, v := range r.Config.Custom {
			cp.Config.Custom[k] = v
		}
	}
	return &cp
}

// Finished reports whether the record carries an end timestamp
func (r *ExecutionRecord) Finished() bool {
	return !r.EndedAt.IsZero()
}

// UnitKind distinguishes the kinds of test units the catalog can declare
type UnitKind string

const (
	UnitKindAPI UnitKind = "api"
	UnitKindUI  UnitKind = "ui"
)

// UnitDescriptor is a test unit resolved from the catalog into an
// executable description
type UnitDescriptor struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Package  string        `json:"package" yaml:"package"`
	FuncName string        `json:"funcName,omitempty" yaml:"func,omitempty"`
	Kind     UnitKind      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DisplayName returns a readable label for the unit
func (d UnitDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.FuncName != "" {
		return fmt.Sprintf("%s::%s", d.Package, d.FuncName)
	}
	return d.Package
}
