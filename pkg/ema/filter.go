// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"path"

	"github.com/google/uuid"

	"github.com/energy-measurement/ema/pkg/device"
)

// Filter is a frozen selection of plugins. Its membership is computed once
// when it is created and does not follow later changes of the registry.
type Filter struct {
	id       uuid.UUID
	registry *Registry
	pattern  string
	plugins  []*Plugin
	devices  []*device.Device

	// guarded by registry.mu
	refs     int
	released bool
}

// NewFilter selects every plugin whose name does not match excludePattern.
// The pattern uses path.Match syntax, so a plain plugin name excludes exactly
// that plugin. An empty pattern selects all plugins.
func (r *Registry) NewFilter(excludePattern string) (*Filter, error) {
	if excludePattern != "" {
		if _, err := path.Match(excludePattern, ""); err != nil {
			return nil, wrapError(CodeInvalidFilter, err, "bad exclude pattern %q", excludePattern)
		}
	}

	f, err := r.newFilter(func(p *Plugin) bool {
		if excludePattern == "" {
			return true
		}
		matched, _ := path.Match(excludePattern, p.Name())
		return !matched
	})
	if err != nil {
		return nil, err
	}
	f.pattern = excludePattern
	return f, nil
}

// NewFilterFunc selects the plugins for which keep returns true
func (r *Registry) NewFilterFunc(keep func(*Plugin) bool) (*Filter, error) {
	if keep == nil {
		return nil, newError(CodeInvalidFilter, "nil filter predicate")
	}
	return r.newFilter(keep)
}

func (r *Registry) newFilter(keep func(*Plugin) bool) (*Filter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ready(); err != nil {
		return nil, err
	}

	f := &Filter{
		id:       uuid.New(),
		registry: r,
	}
	for _, p := range r.plugins {
		if !keep(p) {
			continue
		}
		f.plugins = append(f.plugins, p)
		f.devices = append(f.devices, p.devices...)
	}
	r.filters[f] = struct{}{}

	r.logger.Debug("Filter created", "filter", f.id, "plugins", len(f.plugins), "devices", len(f.devices))
	return f, nil
}

func (f *Filter) ID() string {
	return f.id.String()
}

// Pattern is the exclude pattern the filter was built from, if any
func (f *Filter) Pattern() string {
	return f.pattern
}

// Plugins returns the selected plugins in discovery order
func (f *Filter) Plugins() ([]*Plugin, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}
	plugins := make([]*Plugin, len(f.plugins))
	copy(plugins, f.plugins)
	return plugins, nil
}

// Devices returns the devices of the selected plugins in discovery order
func (f *Filter) Devices() ([]*device.Device, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}
	devices := make([]*device.Device, len(f.devices))
	copy(devices, f.devices)
	return devices, nil
}

// Includes reports whether the named plugin was selected
func (f *Filter) Includes(plugin string) bool {
	for _, p := range f.plugins {
		if p.Name() == plugin {
			return true
		}
	}
	return false
}

func (f *Filter) valid() error {
	f.registry.mu.RLock()
	defer f.registry.mu.RUnlock()
	if f.released {
		return newError(CodeInvalidFilter, "filter %s is released", f.id)
	}
	return nil
}

// Finalize releases the filter. Every region defined with it must be
// finalized first.
func (f *Filter) Finalize() error {
	r := f.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.released {
		return newError(CodeInvalidFilter, "filter %s is already released", f.id)
	}
	if f.refs > 0 {
		return newError(CodeFilterInUse, "filter %s is used by %d regions", f.id, f.refs)
	}
	f.released = true
	delete(r.filters, f)
	return nil
}
