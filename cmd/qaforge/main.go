package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	qaforge "github.com/qaforge/qaforge"
	"github.com/qaforge/qaforge/flags"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "qaforge"
	app.Usage = "Test Execution Orchestration Service"
	app.Description = "qaforge runs batches of test units and tracks their results"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if qaforge.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to set up open telemetry", "message", err)
	}
	defer otelShutdown()

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(ctx.Int(flags.Verbosity.Name)), true)
	logger := log.NewLogger(handler)
	log.SetDefault(logger)

	cfg, err := qaforge.NewConfig(ctx, logger)
	if err != nil {
		return qaforge.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	appCtx, cancel := context.WithCancelCause(ctx.Context)
	defer cancel(nil)

	svc, err := qaforge.New(appCtx, cfg, Version, cancel)
	if err != nil {
		return qaforge.NewRuntimeError(fmt.Errorf("failed to create service: %w", err))
	}

	if err := svc.Start(appCtx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("Received signal, shutting down", "signal", s)
	case <-appCtx.Done():
		if cause := context.Cause(appCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			logger.Error("Service failed", "error", cause)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		return qaforge.NewRuntimeError(fmt.Errorf("failed to stop service: %w", err))
	}
	return svc.WaitForShutdown(stopCtx)
}
