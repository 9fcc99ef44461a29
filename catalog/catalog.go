// Package catalog loads the project and test-unit definitions the
// orchestrator validates run requests against. Projects and their units
// are declared in a YAML file rather than discovered from disk, so a
// request can only reference units the operator has published.
package catalog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/qaforge/qaforge/types"
)

// ProjectCatalog answers project existence checks for run validation
type ProjectCatalog interface {
	Exists(projectID string) bool
}

// TestCatalog resolves test-unit references into executable descriptors
type TestCatalog interface {
	Resolve(projectID, unitID string) (types.UnitDescriptor, bool)
}

// ProjectConfig is one project entry in the catalog file
type ProjectConfig struct {
	ID          string                 `yaml:"id"`
	Description string                 `yaml:"description,omitempty"`
	Units       []types.UnitDescriptor `yaml:"units"`
}

// File is the top-level catalog file structure
type File struct {
	Projects []ProjectConfig `yaml:"projects"`
}

// Config contains catalog configuration
type Config struct {
	Log            log.Logger
	CatalogFile    string
	DefaultTimeout time.Duration
}

// Catalog is a YAML-backed implementation of both collaborator contracts
type Catalog struct {
	config   Config
	projects map[string]ProjectConfig
	units    map[string]map[string]types.UnitDescriptor
	mu       sync.RWMutex
}

var _ ProjectCatalog = (*Catalog)(nil)
var _ TestCatalog = (*Catalog)(nil)

// New creates a catalog from the configured file
func New(cfg Config) (*Catalog, error) {
	if cfg.CatalogFile == "" {
		return nil, fmt.Errorf("catalog file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	c := &Catalog{config: cfg}
	if err := c.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	cfg.Log.Debug("Catalog loaded", "projects", len(c.projects))
	return c, nil
}

// Reload re-reads the catalog file, replacing the in-memory view
func (c *Catalog) Reload() error {
	file, err := loadFile(c.config.CatalogFile)
	if err != nil {
		return err
	}

	projects := make(map[string]ProjectConfig, len(file.Projects))
	units := make(map[string]map[string]types.UnitDescriptor, len(file.Projects))

	for _, p := range file.Projects {
		if p.ID == "" {
			return fmt.Errorf("catalog contains a project without an id")
		}
		if _, dup := projects[p.ID]; dup {
			return fmt.Errorf("duplicate project %q in catalog", p.ID)
		}

		byID := make(map[string]types.UnitDescriptor, len(p.Units))
		for _, u := range p.Units {
			if u.ID == "" {
				return fmt.Errorf("project %q contains a unit without an id", p.ID)
			}
			if u.Package == "" {
				return fmt.Errorf("unit %q in project %q has no package", u.ID, p.ID)
			}
			if _, dup := byID[u.ID]; dup {
				return fmt.Errorf("duplicate unit %q in project %q", u.ID, p.ID)
			}
			if u.Timeout == 0 {
				u.Timeout = c.config.DefaultTimeout
			}
			byID[u.ID] = u
		}

		projects[p.ID] = p
		units[p.ID] = byID
	}

	c.mu.Lock()
	c.projects = projects
	c.units = units
	c.mu.Unlock()
	return nil
}

// Exists implements ProjectCatalog
func (c *Catalog) Exists(projectID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.projects[projectID]
	return ok
}

// Resolve implements TestCatalog
func (c *Catalog) Resolve(projectID, unitID string) (types.UnitDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID, ok := c.units[projectID]
	if !ok {
		return types.UnitDescriptor{}, false
	}
	u, ok := byID[unitID]
	return u, ok
}

// Units returns all units declared for a project, or nil if unknown
func (c *Catalog) Units(projectID string) []types.UnitDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID, ok := c.units[projectID]
	if !ok {
		return nil
	}
	out := make([]types.UnitDescriptor, 0, len(byID))
	for _, u := range byID {
		out = append(out, u)
	}
	return out
}

// Projects returns the IDs of all declared projects
func (c *Catalog) Projects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.projects))
	for id := range c.projects {
		out = append(out, id)
	}
	return out
}

// loadFile reads and parses a catalog file
func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}
	return &f, nil
}
