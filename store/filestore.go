package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/qaforge/qaforge/types"
)

// FileStore keeps one JSON document per execution under
// {root}/{projectID}/{executionID}.json. Writes go through a temp file
// and rename so a crashed write never leaves a truncated record behind.
type FileStore struct {
	root string
	log  log.Logger
	mu   sync.Mutex
}

var _ ExecutionStore = (*FileStore)(nil)

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(dir string, logger log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %s", dir)
	}
	return &FileStore{root: dir, log: logger.New("component", "filestore")}, nil
}

func (s *FileStore) recordPath(projectID, id string) string {
	return filepath.Join(s.root, projectID, id+".json")
}

// Create implements ExecutionStore
func (s *FileStore) Create(ctx context.Context, projectID string, record *types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(projectID, record.ID)
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("execution %s already exists", record.ID)
	}
	return s.write(path, record)
}

// Update implements ExecutionStore
func (s *FileStore) Update(ctx context.Context, projectID, id string, record *types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.recordPath(projectID, id), record)
}

func (s *FileStore) write(path string, record *types.ExecutionRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create project directory")
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal record")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write record")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "failed to move record into place")
	}
	return nil
}

// FindByID implements ExecutionStore
func (s *FileStore) FindByID(ctx context.Context, projectID, id string) (*types.ExecutionRecord, error) {
	return s.read(s.recordPath(projectID, id))
}

// Find implements ExecutionStore by checking each project directory
func (s *FileStore) Find(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to list store root")
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := s.recordPath(e.Name(), id)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return s.read(path)
	}
	return nil, ErrNotFound
}

func (s *FileStore) read(path string) (*types.ExecutionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read record")
	}

	var rec types.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse record %s", path)
	}
	return &rec, nil
}

// FindAll implements ExecutionStore
func (s *FileStore) FindAll(ctx context.Context, projectID string, limit, offset int) ([]*types.ExecutionRecord, error) {
	records, err := s.scan(projectID)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if offset >= len(records) {
			return []*types.ExecutionRecord{}, nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// FindByUnitID implements ExecutionStore
func (s *FileStore) FindByUnitID(ctx context.Context, projectID, unitID string) ([]*types.ExecutionRecord, error) {
	records, err := s.scan(projectID)
	if err != nil {
		return nil, err
	}

	var out []*types.ExecutionRecord
	for _, r := range records {
		for _, u := range r.Units {
			if u.UnitID == unitID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// FindByFilters implements ExecutionStore
func (s *FileStore) FindByFilters(ctx context.Context, projectID string, f Filters) ([]*types.ExecutionRecord, error) {
	records, err := s.scan(projectID)
	if err != nil {
		return nil, err
	}

	out := make([]*types.ExecutionRecord, 0, len(records))
	for _, r := range records {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// scan loads every record for a project, start-time descending
func (s *FileStore) scan(projectID string) ([]*types.ExecutionRecord, error) {
	dir := filepath.Join(s.root, projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.ExecutionRecord{}, nil
		}
		return nil, errors.Wrap(err, "failed to list project directory")
	}

	records := make([]*types.ExecutionRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(filepath.Join(dir, e.Name()))
		if err != nil {
			// A single corrupt document must not poison history reads
			s.log.Warn("Skipping unreadable record", "file", e.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Delete implements ExecutionStore
func (s *FileStore) Delete(ctx context.Context, projectID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(projectID, id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to delete record")
	}
	return true, nil
}

// DeleteOlderThan implements ExecutionStore
func (s *FileStore) DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time) (int, error) {
	records, err := s.scan(projectID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, r := range records {
		if r.StartedAt.Before(cutoff) {
			if err := os.Remove(s.recordPath(projectID, r.ID)); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return deleted, errors.Wrapf(err, "failed to delete record %s", r.ID)
			}
			deleted++
		}
	}
	return deleted, nil
}

// Close implements ExecutionStore
func (s *FileStore) Close() error {
	return nil
}
