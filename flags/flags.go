package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "QAFORGE"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	CatalogFile = &cli.StringFlag{
		Name:     "catalog",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("CATALOG"),
		Usage:    "Path to the project/test-unit catalog file (eg. 'catalog.yaml')",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("CONFIG"),
		Usage:   "Path to an optional TOML file with server and store configuration",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: prefixEnvVars("WORKDIR"),
		Usage:   "Directory test units are executed from",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: prefixEnvVars("GO_BINARY"),
		Usage:   "Path to the Go binary to use for running test units",
	}
	HTTPHost = &cli.StringFlag{
		Name:    "http-host",
		Value:   "0.0.0.0",
		EnvVars: prefixEnvVars("HTTP_HOST"),
		Usage:   "Host the HTTP API binds to",
	}
	HTTPPort = &cli.IntFlag{
		Name:    "http-port",
		Value:   8080,
		EnvVars: prefixEnvVars("HTTP_PORT"),
		Usage:   "Port the HTTP API binds to",
	}
	Retention = &cli.DurationFlag{
		Name:    "retention",
		Value:   0,
		EnvVars: prefixEnvVars("RETENTION"),
		Usage:   "How long finished executions stay in the active registry (eg. '5m'). 0 uses the default.",
	}
	StoreBackend = &cli.StringFlag{
		Name:    "store-backend",
		Value:   "file",
		EnvVars: prefixEnvVars("STORE_BACKEND"),
		Usage:   "Record store backend: 'file' or 'postgres'",
	}
	StoreDir = &cli.StringFlag{
		Name:    "store-dir",
		Value:   "executions",
		EnvVars: prefixEnvVars("STORE_DIR"),
		Usage:   "Directory for the file store backend",
	}
	Project = &cli.StringFlag{
		Name:    "project",
		Value:   "",
		EnvVars: prefixEnvVars("PROJECT"),
		Usage:   "Project to run in run-once mode. Requires --units.",
	}
	Units = &cli.StringSliceFlag{
		Name:    "units",
		EnvVars: prefixEnvVars("UNITS"),
		Usage:   "Test units to run in run-once mode (repeatable)",
	}
	Parallel = &cli.BoolFlag{
		Name:    "parallel",
		Value:   false,
		EnvVars: prefixEnvVars("PARALLEL"),
		Usage:   "Dispatch run-once units through the bounded worker pool",
	}
	MaxParallel = &cli.IntFlag{
		Name:    "max-parallel",
		Value:   4,
		EnvVars: prefixEnvVars("MAX_PARALLEL"),
		Usage:   "Worker pool bound for parallel run-once dispatch",
	}
	Environment = &cli.StringFlag{
		Name:    "environment",
		Value:   "",
		EnvVars: prefixEnvVars("ENVIRONMENT"),
		Usage:   "Target environment label attached to executions (eg. 'staging')",
	}
	Verbosity = &cli.IntFlag{
		Name:    "verbosity",
		Value:   3,
		EnvVars: prefixEnvVars("VERBOSITY"),
		Usage:   "Log verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
	}
)

var requiredFlags = []cli.Flag{
	CatalogFile,
}

var optionalFlags = []cli.Flag{
	ConfigFile,
	WorkDir,
	GoBinary,
	HTTPHost,
	HTTPPort,
	Retention,
	StoreBackend,
	StoreDir,
	Project,
	Units,
	Parallel,
	MaxParallel,
	Environment,
	Verbosity,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
