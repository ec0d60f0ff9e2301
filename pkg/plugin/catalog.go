// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin holds the catalog of measurement backends. Each backend
// lives in its own subpackage and is registered with a Catalog by the
// program assembling the registry.
package plugin

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/energy-measurement/ema/pkg/device"
)

// Factory creates a PowerMeter. It returns an error when the backend cannot
// exist on this host at all, e.g. the library is missing; hardware detection
// belongs in the meter's Init.
type Factory func(logger *slog.Logger) (device.PowerMeter, error)

type entry struct {
	name    string
	factory Factory
}

// Catalog is an ordered set of backend factories. Discovery order is
// registration order.
type Catalog struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries []entry
	failed  []string
}

// NewCatalog returns an empty Catalog
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{logger: logger.With("service", "plugin-catalog")}
}

// Register adds a factory under name. Registering a name again replaces the
// factory but keeps its position.
func (c *Catalog) Register(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].name == name {
			c.entries[i].factory = factory
			return
		}
	}
	c.entries = append(c.entries, entry{name: name, factory: factory})
}

// Unregister removes name from the catalog
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = slices.DeleteFunc(c.entries, func(e entry) bool { return e.name == name })
}

// Names returns the registered backends in discovery order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.name)
	}
	return names
}

// Discover runs every factory and returns the meters that could be created.
// Meters are returned uninitialized.
func (c *Catalog) Discover() ([]device.PowerMeter, error) {
	c.mu.RLock()
	entries := slices.Clone(c.entries)
	c.mu.RUnlock()

	meters := make([]device.PowerMeter, 0, len(entries))
	var failed []string
	for _, e := range entries {
		meter, err := e.factory(c.logger)
		if err != nil {
			c.logger.Warn("Plugin unavailable", "plugin", e.name, "error", err)
			failed = append(failed, e.name)
			continue
		}
		if meter == nil {
			continue
		}
		meters = append(meters, meter)
	}

	c.mu.Lock()
	c.failed = failed
	c.mu.Unlock()
	return meters, nil
}

// Unavailable lists the backends whose factory failed during the last
// Discover
func (c *Catalog) Unavailable() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.failed)
}
