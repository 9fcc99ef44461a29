package orchestrator

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/qaforge/qaforge/types"
)

const enrichCacheSize = 128

// ArtifactResolver produces artifact path hints for one unit result.
// The default resolver derives them from the fixed naming convention
// under {projectID}/{executionID}/{unitID}/; a remote artifact index
// could be substituted without touching the enricher.
type ArtifactResolver interface {
	Paths(projectID, executionID string, unit types.UnitResult, cfg types.ExecutionConfig) (map[string]string, error)
}

// EnricherConfig holds configuration for creating an Enricher
type EnricherConfig struct {
	Log       log.Logger
	Artifacts ArtifactResolver
}

// Enricher decorates execution records with best-effort derived data:
// unit duration statistics, artifact path hints and run-time
// environment metadata. Everything lands in the record's custom
// settings; authoritative fields are never touched, and any failure
// returns the base record unchanged.
type Enricher struct {
	log       log.Logger
	artifacts ArtifactResolver
	cache     *lru.Cache
}

// NewEnricher creates an enricher with the convention-based resolver
// unless another one is supplied
func NewEnricher(cfg EnricherConfig) *Enricher {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = conventionResolver{}
	}
	// Only fails for non-positive sizes
	cache, _ := lru.New(enrichCacheSize)

	return &Enricher{
		log:       cfg.Log.New("component", "enricher"),
		artifacts: cfg.Artifacts,
		cache:     cache,
	}
}

// Enrich returns a decorated copy of the record. Terminal records are
// cached; live ones are recomputed per call since their units grow.
func (e *Enricher) Enrich(record *types.ExecutionRecord) (enriched *types.ExecutionRecord) {
	cacheKey := ""
	if record.Status.IsTerminal() {
		cacheKey = fmt.Sprintf("%s@%d", record.ID, record.EndedAt.UnixNano())
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached.(*types.ExecutionRecord).Clone()
		}
	}

	enriched = record
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("Enrichment panicked, returning base record", "execution", record.ID, "panic", r)
			enriched = record
		}
	}()

	cp := record.Clone()
	if cp.Custom == nil {
		cp.Custom = make(map[string]string)
	}

	e.attachDurationStats(cp)
	e.attachArtifacts(cp)
	e.attachEnvironment(cp)

	if cacheKey != "" {
		e.cache.Add(cacheKey, cp.Clone())
	}
	return cp
}

// attachDurationStats computes min/max/average unit durations
func (e *Enricher) attachDurationStats(record *types.ExecutionRecord) {
	if len(record.Units) == 0 {
		return
	}

	minD := record.Units[0].Duration
	maxD := record.Units[0].Duration
	var total time.Duration
	for _, u := range record.Units {
		if u.Duration < minD {
			minD = u.Duration
		}
		if u.Duration > maxD {
			maxD = u.Duration
		}
		total += u.Duration
	}

	record.Custom["stats.unitDuration.min"] = minD.String()
	record.Custom["stats.unitDuration.max"] = maxD.String()
	record.Custom["stats.unitDuration.avg"] = (total / time.Duration(len(record.Units))).String()
}

// attachArtifacts records path hints for each unit's artifacts
func (e *Enricher) attachArtifacts(record *types.ExecutionRecord) {
	for _, u := range record.Units {
		paths, err := e.artifacts.Paths(record.ProjectID, record.ID, u, record.Config)
		if err != nil {
			e.log.Debug("Artifact resolution failed", "execution", record.ID, "unit", u.UnitID, "error", err)
			continue
		}
		for kind, p := range paths {
			record.Custom[fmt.Sprintf("artifacts.%s.%s", u.UnitID, kind)] = p
		}
	}
}

// attachEnvironment copies through run-time environment metadata
func (e *Enricher) attachEnvironment(record *types.ExecutionRecord) {
	if host, err := os.Hostname(); err == nil {
		record.Custom["env.hostname"] = host
	}
	if record.Config.Environment != "" {
		record.Custom["env.name"] = record.Config.Environment
	}
	if record.Config.Browser != "" {
		record.Custom["env.browser"] = record.Config.Browser
		record.Custom["env.headless"] = fmt.Sprintf("%t", record.Config.Headless)
	}
}

// conventionResolver derives artifact locations from the fixed layout
// {projectID}/{executionID}/{unitID}/<artifact>
type conventionResolver struct{}

func (conventionResolver) Paths(projectID, executionID string, unit types.UnitResult, cfg types.ExecutionConfig) (map[string]string, error) {
	base := path.Join(projectID, executionID, unit.UnitID)
	paths := map[string]string{
		"log": path.Join(base, "unit.log"),
	}
	if cfg.Screenshots {
		paths["screenshot"] = path.Join(base, "screenshot.png")
	}
	if cfg.Video {
		paths["video"] = path.Join(base, "video.webm")
	}
	return paths, nil
}
