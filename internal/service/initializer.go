// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Init initializes every service that implements Initializer. Unlike a strict
// startup, a failing service does not abort the others: it is left out of the
// returned slice and its error is joined into the returned error. Services
// that do not implement Initializer are returned as-is.
func Init(logger *slog.Logger, services []Service) ([]Service, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var errs error
	ready := make([]Service, 0, len(services))

	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			logger.Debug("service needs no initialization", "service", s.Name())
			ready = append(ready, s)
			continue
		}

		logger.Debug("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			logger.Warn("service unavailable", "service", s.Name(), "error", err)
			errs = errors.Join(errs, fmt.Errorf("failed to initialize %s: %w", s.Name(), err))
			continue
		}
		ready = append(ready, s)
	}

	return ready, errs
}

// Shutdown shuts down services in reverse order. Every Shutdowner is called
// even if an earlier one fails; all failures are joined.
func Shutdown(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var errs error
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		srv, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
			errs = errors.Join(errs, fmt.Errorf("failed to shutdown %s: %w", s.Name(), err))
			continue
		}
		logger.Debug("service shutdown successfully", "service", s.Name())
	}
	return errs
}
