package qaforge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/qaforge/qaforge/flags"
	"github.com/qaforge/qaforge/types"
)

// TOMLDuration parses duration strings like "5m" in config files
type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

// ServerConfig is the [server] block of the config file
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	RateLimit      float64  `toml:"rate_limit"`
	RateBurst      int      `toml:"rate_burst"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StoreConfig is the [store] block of the config file
type StoreConfig struct {
	Backend     string       `toml:"backend"`
	Dir         string       `toml:"dir"`
	PostgresURL string       `toml:"postgres_url"`
	Retention   TOMLDuration `toml:"retention"`
}

// FileConfig is the optional TOML configuration file
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Store  StoreConfig  `toml:"store"`
}

// Config holds the application configuration
type Config struct {
	CatalogFile string
	WorkDir     string
	GoBinary    string
	Retention   time.Duration

	Server ServerConfig
	Store  StoreConfig

	// Run-once mode: execute one batch, print the summary and exit
	RunOnce     bool
	Project     string
	Units       []string
	Environment string
	Parallel    bool
	MaxParallel int

	Log log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	catalogFile, err := filepath.Abs(ctx.String(flags.CatalogFile.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}
	workDir, err := filepath.Abs(ctx.String(flags.WorkDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work directory: %w", err)
	}

	var fileCfg FileConfig
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if err := loadConfigFile(path, &fileCfg); err != nil {
			return nil, err
		}
	}

	server := fileCfg.Server
	if server.Host == "" || ctx.IsSet(flags.HTTPHost.Name) {
		server.Host = ctx.String(flags.HTTPHost.Name)
	}
	if server.Port == 0 || ctx.IsSet(flags.HTTPPort.Name) {
		server.Port = ctx.Int(flags.HTTPPort.Name)
	}

	store := fileCfg.Store
	if store.Backend == "" || ctx.IsSet(flags.StoreBackend.Name) {
		store.Backend = ctx.String(flags.StoreBackend.Name)
	}
	if store.Dir == "" || ctx.IsSet(flags.StoreDir.Name) {
		store.Dir = ctx.String(flags.StoreDir.Name)
	}
	switch store.Backend {
	case "file":
	case "postgres":
		if store.PostgresURL == "" {
			return nil, errors.New("postgres backend requires store.postgres_url in the config file")
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q, expected 'file' or 'postgres'", store.Backend)
	}

	retention := ctx.Duration(flags.Retention.Name)
	if retention == 0 {
		retention = time.Duration(store.Retention)
	}

	project := ctx.String(flags.Project.Name)
	units := ctx.StringSlice(flags.Units.Name)
	runOnce := project != "" || len(units) > 0
	if runOnce && (project == "" || len(units) == 0) {
		return nil, errors.New("run-once mode requires both --project and --units")
	}

	return &Config{
		CatalogFile: catalogFile,
		WorkDir:     workDir,
		GoBinary:    ctx.String(flags.GoBinary.Name),
		Retention:   retention,
		Server:      server,
		Store:       store,
		RunOnce:     runOnce,
		Project:     project,
		Units:       units,
		Environment: ctx.String(flags.Environment.Name),
		Parallel:    ctx.Bool(flags.Parallel.Name),
		MaxParallel: ctx.Int(flags.MaxParallel.Name),
		Log:         logger,
	}, nil
}

// ExecutionConfig translates the run-once flags into a batch config
func (c *Config) ExecutionConfig() types.ExecutionConfig {
	return types.ExecutionConfig{
		Environment: c.Environment,
		Parallel:    c.Parallel,
		MaxParallel: c.MaxParallel,
	}
}

func loadConfigFile(path string, out *FileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
