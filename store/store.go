// Package store persists execution records. The orchestrator treats a
// store as last-write-wins per record and never relies on multi-record
// atomicity, so backends only need single-document durability.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/qaforge/qaforge/types"
)

// ErrNotFound is returned when an execution is absent from the store
var ErrNotFound = errors.New("execution not found")

// Filters narrows FindByFilters queries. Zero values match everything.
type Filters struct {
	Status      types.ExecutionStatus
	Environment string
	Since       time.Time
	Until       time.Time
}

// ExecutionStore is the durable record store contract
type ExecutionStore interface {
	// Create persists a new record. It fails if the ID already exists.
	Create(ctx context.Context, projectID string, record *types.ExecutionRecord) error

	// Update overwrites an existing record, last write wins
	Update(ctx context.Context, projectID, id string, record *types.ExecutionRecord) error

	// FindByID loads a single record, ErrNotFound if absent
	FindByID(ctx context.Context, projectID, id string) (*types.ExecutionRecord, error)

	// Find loads a record by execution ID alone. Execution IDs are
	// unique across projects, so this is a convenience for callers
	// that only hold the ID.
	Find(ctx context.Context, id string) (*types.ExecutionRecord, error)

	// FindAll returns the project's records ordered by start time
	// descending, with offset/limit applied after ordering.
	// limit <= 0 means no limit.
	FindAll(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error)

	// FindByUnitID returns records that include the given test unit
	FindByUnitID(ctx context.Context, projectID, unitID string) ([]*types.ExecutionRecord, error)

	// FindByFilters returns records matching the filters, start-desc ordered
	FindByFilters(ctx context.Context, projectID string, f Filters) ([]*types.ExecutionRecord, error)

	// Delete removes a record, reporting whether it existed
	Delete(ctx context.Context, projectID, id string) (bool, error)

	// DeleteOlderThan removes records started before the cutoff,
	// returning the number removed
	DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time) (int, error)

	// Close releases backend resources
	Close() error
}

// matches reports whether a record satisfies the filters
func (f Filters) matches(r *types.ExecutionRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Environment != "" && r.Environment != f.Environment {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.StartedAt.After(f.Until) {
		return false
	}
	return true
}
