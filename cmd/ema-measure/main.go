// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/energy-measurement/ema/config"
	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/internal/version"
)

const (
	runCommand     = "run"
	devicesCommand = "devices"
)

type cliArgs struct {
	command string
	cfg     *config.Config
	region  string
	exclude string
	cmdArgs []string
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}
	cfg := args.cfg
	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg, os.Stderr)

	switch args.command {
	case devicesCommand:
		if err := listDevices(cfg, logger, os.Stdout); err != nil {
			logger.Error("Failed to list devices", "error", err)
			os.Exit(1)
		}
	case runCommand:
		code, err := measure(context.Background(), cfg, logger, args.cmdArgs, measureOpts{
			regionName: args.region,
			exclude:    args.exclude,
			stdout:     os.Stdout,
			stderr:     os.Stderr,
			signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
		})
		if err != nil {
			logger.Error("Measurement failed", "error", err)
		}
		os.Exit(code)
	}
}

func newApp() *kingpin.Application {
	app := kingpin.New("ema-measure", "Measure the energy consumed by a command.")
	app.Version(version.Info().String())
	app.HelpFlag.Short('h')
	return app
}

// parseArgs parses the command line, loads the optional configuration file
// and applies the flags on top of it
func parseArgs(argv []string) (*cliArgs, error) {
	app := newApp()
	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)

	run := app.Command(runCommand, "Run a command inside a measurement region.").Default()
	region := run.Flag("region", "Name of the measured region").Default("region").String()
	exclude := run.Flag("exclude", "Glob of plugin names excluded from the region").String()
	cmdArgs := run.Arg("cmd", "Command and arguments to measure").Required().Strings()

	app.Command(devicesCommand, "List the devices of every available plugin.")

	command, err := app.Parse(argv)
	if err != nil {
		app.Errorf("%s", err)
		return nil, err
	}

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		log.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
	}

	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return &cliArgs{
		command: command,
		cfg:     cfg,
		region:  *region,
		exclude: *exclude,
		cmdArgs: *cmdArgs,
	}, nil
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Debug("EMA version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config, w io.Writer) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(w, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}
