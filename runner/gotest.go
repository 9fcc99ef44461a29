package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/qaforge/qaforge/types"
)

// go test -json (TestEvent) action constants
// See https://cs.opensource.google/go/go/+/master:src/cmd/test2json/main.go
const (
	ActionPass = "pass"
	ActionFail = "fail"
	ActionSkip = "skip"

	TestCommand = "test"
	JSONFlag    = "-json"
	CountFlag   = "-count=1"
	TimeoutFlag = "-timeout"
	RunFlag     = "-run"

	DefaultGoBinary = "go"
)

// TestEvent is one line of go test -json output
type TestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Elapsed float64
	Output  string
}

// CmdBuilder constructs the command to run; swapped out in tests
type CmdBuilder func(ctx context.Context, name string, arg ...string) *exec.Cmd

// GoTestRunner executes units as Go tests in a working directory
type GoTestRunner struct {
	workDir    string
	goBinary   string
	log        log.Logger
	cmdBuilder CmdBuilder
}

var _ UnitRunner = (*GoTestRunner)(nil)

// GoTestConfig holds configuration for creating a GoTestRunner
type GoTestConfig struct {
	WorkDir    string
	GoBinary   string
	Log        log.Logger
	CmdBuilder CmdBuilder // defaults to exec.CommandContext
}

// NewGoTestRunner creates a runner that execs the Go toolchain per unit
func NewGoTestRunner(cfg GoTestConfig) (*GoTestRunner, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.CmdBuilder == nil {
		cfg.CmdBuilder = exec.CommandContext
	}

	return &GoTestRunner{
		workDir:    cfg.WorkDir,
		goBinary:   cfg.GoBinary,
		log:        cfg.Log.New("component", "gotest-runner"),
		cmdBuilder: cfg.CmdBuilder,
	}, nil
}

// Execute implements UnitRunner. Retries configured on the execution
// apply to infrastructure failures only; a clean fail is a fail.
func (r *GoTestRunner) Execute(ctx context.Context, unit types.UnitDescriptor, cfg types.ExecutionConfig) (types.UnitOutcome, error) {
	var lastErr error
	attempts := cfg.Retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.log.Warn("Retrying unit after infrastructure failure",
				"unit", unit.ID, "attempt", attempt+1, "error", lastErr)
		}

		outcome, err := r.runOnce(ctx, unit, cfg)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return types.OutcomeError, &UnitExecutionError{UnitID: unit.ID, Err: lastErr}
}

func (r *GoTestRunner) runOnce(ctx context.Context, unit types.UnitDescriptor, cfg types.ExecutionConfig) (types.UnitOutcome, error) {
	args := r.buildTestArgs(unit, cfg)
	r.log.Debug("Running unit", "unit", unit.ID, "args", args)

	cmd := r.cmdBuilder(ctx, r.goBinary, args...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), buildUnitEnv(cfg)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outcome, found := parseOutcome(&stdout, unit)

	if runErr != nil {
		exitErr := &exec.ExitError{}
		if errors.As(runErr, &exitErr) {
			// Exit code 1 with a parsed fail is an ordinary test failure
			if exitErr.ExitCode() == 1 && found {
				r.log.Debug("Unit finished", "unit", unit.ID, "outcome", outcome, "duration", duration)
				return outcome, nil
			}
			return types.OutcomeError, fmt.Errorf("test process exited with code %d: %s",
				exitErr.ExitCode(), stripansi.Strip(stderr.String()))
		}
		return types.OutcomeError, fmt.Errorf("failed to run test process: %w", runErr)
	}

	if !found {
		return types.OutcomeError, fmt.Errorf("no terminal event in test output for %s", unit.DisplayName())
	}

	r.log.Debug("Unit finished", "unit", unit.ID, "outcome", outcome, "duration", duration)
	return outcome, nil
}

func (r *GoTestRunner) buildTestArgs(unit types.UnitDescriptor, cfg types.ExecutionConfig) []string {
	args := []string{TestCommand, JSONFlag, CountFlag}

	timeout := unit.Timeout
	if timeout == 0 && cfg.UnitTimeout > 0 {
		timeout = cfg.UnitTimeout
	}
	if timeout > 0 {
		args = append(args, TimeoutFlag, timeout.String())
	}

	args = append(args, unit.Package)
	if unit.FuncName != "" {
		args = append(args, RunFlag, fmt.Sprintf("^%s$", unit.FuncName))
	}
	return args
}

// buildUnitEnv exposes the run configuration to the test process
func buildUnitEnv(cfg types.ExecutionConfig) []string {
	env := []string{
		fmt.Sprintf("QAFORGE_ENVIRONMENT=%s", cfg.Environment),
		fmt.Sprintf("QAFORGE_BROWSER=%s", cfg.Browser),
		fmt.Sprintf("QAFORGE_HEADLESS=%t", cfg.Headless),
	}
	for k, v := range cfg.Custom {
		env = append(env, fmt.Sprintf("QAFORGE_%s=%s", k, v))
	}
	return env
}

// parseOutcome scans the JSON event stream for the terminal action of
// the target test (or of the package when no function is named).
func parseOutcome(output *bytes.Buffer, unit types.UnitDescriptor) (types.UnitOutcome, bool) {
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var outcome types.UnitOutcome
	found := false

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var ev TestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		// Package-level terminal events carry no Test name; when a
		// function is targeted, only its own event is authoritative.
		if unit.FuncName != "" && ev.Test != unit.FuncName {
			continue
		}
		if unit.FuncName == "" && ev.Test != "" {
			continue
		}

		switch ev.Action {
		case ActionPass:
			outcome, found = types.OutcomePassed, true
		case ActionFail:
			outcome, found = types.OutcomeFailed, true
		case ActionSkip:
			outcome, found = types.OutcomeSkipped, true
		}
	}
	return outcome, found
}
