// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs all Runners until the first one returns, then interrupts the rest
// and shuts down those that implement Shutdowner. The error of the first
// Runner to return is the result.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("not a runner", "service", s.Name())
			continue
		}

		g.Add(
			func() error {
				logger.Debug("Running service", "service", s.Name())
				return runner.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Debug("service interrupted", "service", s.Name(), "reason", err)
				}

				shutdowner, ok := s.(Shutdowner)
				if !ok {
					return
				}
				if err := shutdowner.Shutdown(); err != nil {
					logger.Warn("service shutdown failed", "service", s.Name(), "error", err)
				}
			},
		)
	}

	return g.Run()
}
