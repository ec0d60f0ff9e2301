// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/energy-measurement/ema/config"
	"github.com/energy-measurement/ema/internal/service"
	promexp "github.com/energy-measurement/ema/pkg/exporter/prometheus"
	"github.com/energy-measurement/ema/pkg/ema"
)

// commandRunner runs one external command inside a measurement region
type commandRunner struct {
	logger *slog.Logger
	region *ema.Region
	args   []string
	stdout io.Writer
	stderr io.Writer

	exitCode int
	start    time.Time
	end      time.Time
}

var _ service.Runner = (*commandRunner)(nil)

func newCommandRunner(region *ema.Region, args []string, stdout, stderr io.Writer, logger *slog.Logger) *commandRunner {
	return &commandRunner{
		logger: logger.With("service", "command"),
		region: region,
		args:   args,
		stdout: stdout,
		stderr: stderr,
	}
}

func (c *commandRunner) Name() string {
	return "command"
}

// Run measures the command. A command exiting non-zero is not an error of
// the runner; its exit code is kept for the caller.
func (c *commandRunner) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	c.logger.Info("Running command", "args", c.args)
	c.start = time.Now()
	if err := c.region.Begin(); err != nil {
		return fmt.Errorf("failed to begin region: %w", err)
	}

	runErr := cmd.Run()

	endErr := c.region.End()
	c.end = time.Now()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		c.exitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			c.exitCode = 128 + int(ws.Signal())
		}
		c.logger.Warn("Command exited with failure", "exit_code", c.exitCode)
	default:
		return fmt.Errorf("failed to run %s: %w", c.args[0], runErr)
	}

	if endErr != nil {
		return fmt.Errorf("failed to end region: %w", endErr)
	}
	c.logger.Info("Command finished", "duration", c.end.Sub(c.start), "exit_code", c.exitCode)
	return nil
}

type timestamps struct {
	Start string `csv:"ts_start"`
	End   string `csv:"ts_end"`
}

type measureOpts struct {
	regionName string
	exclude    string
	stdout     io.Writer
	stderr     io.Writer
	signals    []os.Signal
}

// measure runs args inside one region, writes the report and returns the
// exit code of the command
func measure(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, opts measureOpts) (int, error) {
	if len(args) == 0 {
		return 1, fmt.Errorf("no command to measure")
	}

	registry := newRegistry(cfg, logger)
	if err := registry.Init(nil); err != nil {
		return 1, err
	}
	defer func() {
		if err := registry.Finalize(); err != nil {
			logger.Warn("Failed to finalize registry", "error", err)
		}
	}()
	for _, name := range registry.Unavailable() {
		logger.Info("Plugin unavailable", "plugin", name)
	}

	filter, err := registry.NewFilter(opts.exclude)
	if err != nil {
		return 1, err
	}
	loc := ema.Location{File: args[0], Function: "main"}
	region, err := registry.DefineRegion(opts.regionName, loc, filter)
	if err != nil {
		_ = filter.Finalize()
		return 1, err
	}

	runner := newCommandRunner(region, args, opts.stdout, opts.stderr, logger)
	services := []service.Service{runner}
	if len(opts.signals) > 0 {
		services = append(services, service.NewSignalHandler(opts.signals...))
	}
	runErr := service.Run(ctx, logger, services)

	reportErr := writeReport(cfg, registry, runner)
	if cfg.Report.Metrics != "" {
		if err := promexp.WriteTextfile(cfg.Report.Metrics, registry, logger); err != nil {
			reportErr = errors.Join(reportErr, fmt.Errorf("failed to write metrics: %w", err))
		}
	}

	if err := region.Finalize(); err != nil {
		logger.Warn("Failed to finalize region", "error", err)
	}
	if err := filter.Finalize(); err != nil {
		logger.Warn("Failed to finalize filter", "error", err)
	}

	if runErr != nil {
		return 1, runErr
	}
	if reportErr != nil {
		return 1, reportErr
	}
	return runner.exitCode, nil
}

// writeReport writes the region report and, for file output, the start and
// end timestamps of the command next to it
func writeReport(cfg *config.Config, registry *ema.Registry, runner *commandRunner) (errRet error) {
	format, err := ema.ParseFormat(cfg.Report.Format)
	if err != nil {
		return err
	}

	if cfg.Report.Output == "-" {
		return registry.PrintAll(runner.stdout, format)
	}

	pid := os.Getpid()
	output := cfg.Report.Output
	if output == "" {
		output = fmt.Sprintf("output.EMA.%d", pid)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && errRet == nil {
			errRet = err
		}
	}()
	if err := registry.PrintAll(f, format); err != nil {
		return err
	}

	if runner.start.IsZero() {
		return nil
	}
	ts, err := csvutil.Marshal([]timestamps{{
		Start: runner.start.Format(time.RFC3339),
		End:   runner.end.Format(time.RFC3339),
	}})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(output), fmt.Sprintf("timestamps.EMA.%d", pid)), ts, 0o644)
}
