package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/qaforge/qaforge/types"
)

// PostgresStore persists execution records in a single executions table:
// indexed columns for the query paths, the full record as JSONB payload.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ ExecutionStore = (*PostgresStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	record     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_project_started_idx
	ON executions (project_id, started_at DESC);
`

// NewPostgresStore connects to the database and ensures the schema exists
func NewPostgresStore(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to db")
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ensure schema")
	}
	return &PostgresStore{pool: pool}, nil
}

func encodeRecord(record *types.ExecutionRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal record")
	}
	return data, nil
}

// Create implements ExecutionStore
func (p *PostgresStore) Create(ctx context.Context, projectID string, record *types.ExecutionRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	sql := `
INSERT INTO executions (id, project_id, status, environment, started_at, record)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := p.pool.Exec(ctx, sql,
		record.ID,
		projectID,
		string(record.Status),
		record.Environment,
		record.StartedAt,
		data,
	); err != nil {
		return errors.Wrap(err, "failed to insert execution")
	}
	return nil
}

// Update implements ExecutionStore
func (p *PostgresStore) Update(ctx context.Context, projectID, id string, record *types.ExecutionRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	sql := `
UPDATE executions SET status = $3, environment = $4, record = $5
WHERE id = $1 AND project_id = $2
`
	tag, err := p.pool.Exec(ctx, sql, id, projectID, string(record.Status), record.Environment, data)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID implements ExecutionStore
func (p *PostgresStore) FindByID(ctx context.Context, projectID, id string) (*types.ExecutionRecord, error) {
	sql := `SELECT record FROM executions WHERE id = $1 AND project_id = $2`

	var data []byte
	if err := p.pool.QueryRow(ctx, sql, id, projectID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load execution")
	}
	return decodeRecord(data)
}

// Find implements ExecutionStore
func (p *PostgresStore) Find(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	sql := `SELECT record FROM executions WHERE id = $1`

	var data []byte
	if err := p.pool.QueryRow(ctx, sql, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load execution")
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*types.ExecutionRecord, error) {
	var rec types.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to parse execution record")
	}
	return &rec, nil
}

func (p *PostgresStore) queryRecords(ctx context.Context, sql string, args ...any) ([]*types.ExecutionRecord, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var out []*types.ExecutionRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution row")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	if out == nil {
		out = []*types.ExecutionRecord{}
	}
	return out, nil
}

// FindAll implements ExecutionStore
func (p *PostgresStore) FindAll(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error) {
	sql := `
SELECT record FROM executions WHERE project_id = $1
ORDER BY started_at DESC OFFSET $2
`
	args := []any{projectID, max(offset, 0)}
	if limit > 0 {
		sql += " LIMIT $3"
		args = append(args, limit)
	}
	return p.queryRecords(ctx, sql, args...)
}

// FindByUnitID implements ExecutionStore
func (p *PostgresStore) FindByUnitID(ctx context.Context, projectID, unitID string) ([]*types.ExecutionRecord, error) {
	sql := `
SELECT record FROM executions
WHERE project_id = $1 AND record->'units' @> $2::jsonb
ORDER BY started_at DESC
`
	match, err := json.Marshal([]map[string]string{{"unitId": unitID}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build unit filter")
	}
	return p.queryRecords(ctx, sql, projectID, match)
}

// FindByFilters implements ExecutionStore
func (p *PostgresStore) FindByFilters(ctx context.Context, projectID string, f Filters) ([]*types.ExecutionRecord, error) {
	sql := `
SELECT record FROM executions
WHERE project_id = $1
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR environment = $3)
  AND ($4::timestamptz IS NULL OR started_at >= $4)
  AND ($5::timestamptz IS NULL OR started_at <= $5)
ORDER BY started_at DESC
`
	var since, until *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}
	return p.queryRecords(ctx, sql, projectID, string(f.Status), f.Environment, since, until)
}

// Delete implements ExecutionStore
func (p *PostgresStore) Delete(ctx context.Context, projectID, id string) (bool, error) {
	sql := `DELETE FROM executions WHERE id = $1 AND project_id = $2`
	tag, err := p.pool.Exec(ctx, sql, id, projectID)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete execution")
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteOlderThan implements ExecutionStore
func (p *PostgresStore) DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time) (int, error) {
	sql := `DELETE FROM executions WHERE project_id = $1 AND started_at < $2`
	tag, err := p.pool.Exec(ctx, sql, projectID, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old executions")
	}
	return int(tag.RowsAffected()), nil
}

// Close implements ExecutionStore
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
