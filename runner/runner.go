// Package runner executes individual test units. The orchestrator only
// depends on the UnitRunner contract; the shipped implementation shells
// out to `go test -json` and maps the terminal event to an outcome.
package runner

import (
	"context"
	"fmt"

	"github.com/qaforge/qaforge/types"
)

// UnitRunner yields exactly one terminal outcome per unit, or returns an
// error on infrastructure failure (which the orchestrator records as an
// ERROR outcome for that unit without failing the batch).
type UnitRunner interface {
	Execute(ctx context.Context, unit types.UnitDescriptor, cfg types.ExecutionConfig) (types.UnitOutcome, error)
}

// UnitExecutionError wraps an infrastructure failure for a single unit
type UnitExecutionError struct {
	UnitID string
	Err    error
}

func (e *UnitExecutionError) Error() string {
	return fmt.Sprintf("unit %s: execution failed: %v", e.UnitID, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *UnitExecutionError) Unwrap() error {
	return e.Err
}
