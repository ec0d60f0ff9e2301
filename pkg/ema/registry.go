// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/energy-measurement/ema/internal/service"
	"github.com/energy-measurement/ema/pkg/device"
)

// RegistryState is the lifecycle of a Registry
type RegistryState int

const (
	RegistryUninitialized RegistryState = iota
	RegistryReady
	RegistryFinalized
)

func (s RegistryState) String() string {
	switch s {
	case RegistryUninitialized:
		return "uninitialized"
	case RegistryReady:
		return "ready"
	case RegistryFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// InitCallback runs once at the end of a successful discovery, before Init
// returns. Returning an error aborts Init and tears the catalog down unless
// the callback already finalized it.
type InitCallback func(r *Registry) error

// Registry is the catalog of plugins and devices plus the bookkeeping of all
// filters and regions created from it. The catalog is immutable between Init
// and Finalize.
type Registry struct {
	logger           *slog.Logger
	discoverer       Discoverer
	ticker           clock.WithTicker
	clock            *Clock
	trackOverflow    bool
	overflowInterval time.Duration

	// lifecycle serializes Init and Finalize
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       RegistryState
	generation  uint64
	plugins     []*Plugin
	unavailable []string
	devices     []*device.Device
	tracker     *overflowTracker
	filters     map[*Filter]struct{}
	regions     []*Region
	live        map[string]*Region
	openRegions int
}

// New returns an uninitialized Registry that discovers its plugins with d
func New(d Discoverer, applyOpts ...OptionFn) *Registry {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Registry{
		logger:           opts.logger.With("service", "ema"),
		discoverer:       d,
		ticker:           opts.clock,
		clock:            NewClock(opts.clock),
		trackOverflow:    opts.trackOverflow,
		overflowInterval: opts.overflowInterval,
		filters:          make(map[*Filter]struct{}),
		live:             make(map[string]*Region),
	}
}

// Init discovers and initializes plugins. Plugins that fail to initialize or
// expose no devices are left out of the catalog; only a failing discovery or
// callback fails Init.
func (r *Registry) Init(cb InitCallback) error {
	generation, err := r.discover()
	if err != nil {
		return err
	}
	if cb == nil {
		return nil
	}

	// the callback runs unlocked and may use the whole registry API,
	// Finalize included
	if err := cb(r); err != nil {
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()

		r.mu.RLock()
		current := r.state == RegistryReady && r.generation == generation
		r.mu.RUnlock()
		if current {
			if tdErr := r.teardown(true); tdErr != nil {
				r.logger.Warn("Failed to tear down after init callback error", "error", tdErr)
			}
		}
		return wrapError(CodeInit, err, "init callback failed")
	}
	return nil
}

// discover builds the catalog and returns its generation
func (r *Registry) discover() (uint64, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.State() == RegistryReady {
		return 0, newError(CodeInvalidState, "registry is already initialized")
	}
	if r.discoverer == nil {
		return 0, newError(CodeInit, "no plugin discoverer configured")
	}

	meters, err := r.discoverer.Discover()
	if err != nil {
		return 0, wrapError(CodeInit, err, "plugin discovery failed")
	}

	plugins, unavailable := r.initPlugins(meters)
	if reporter, ok := r.discoverer.(UnavailableReporter); ok {
		unavailable = append(reporter.Unavailable(), unavailable...)
	}

	var devices []*device.Device
	for _, p := range plugins {
		devices = append(devices, p.devices...)
	}

	var tracker *overflowTracker
	if r.trackOverflow {
		tracker = newOverflowTracker(r.logger, r.ticker, r.overflowInterval, devices)
	}

	r.mu.Lock()
	r.plugins = plugins
	r.unavailable = unavailable
	r.devices = devices
	r.tracker = tracker
	r.filters = make(map[*Filter]struct{})
	r.regions = nil
	r.live = make(map[string]*Region)
	r.openRegions = 0
	r.generation++
	generation := r.generation
	r.state = RegistryReady
	r.mu.Unlock()

	if tracker != nil {
		tracker.start()
	}

	r.logger.Info("Registry initialized", "plugins", len(plugins), "devices", len(devices))
	return generation, nil
}

func (r *Registry) initPlugins(meters []device.PowerMeter) ([]*Plugin, []string) {
	seen := make(map[string]bool, len(meters))
	candidates := make([]service.Service, 0, len(meters))
	for _, m := range meters {
		if m == nil {
			continue
		}
		if seen[m.Name()] {
			r.logger.Warn("Skipping duplicate plugin", "plugin", m.Name())
			continue
		}
		seen[m.Name()] = true
		candidates = append(candidates, m)
	}

	// failures are logged by service.Init; an unavailable plugin is normal
	ready, _ := service.Init(r.logger, candidates)

	initialized := make(map[string]bool, len(ready))
	for _, s := range ready {
		initialized[s.Name()] = true
	}
	var unavailable []string
	for _, c := range candidates {
		if !initialized[c.Name()] {
			unavailable = append(unavailable, c.Name())
		}
	}

	plugins := make([]*Plugin, 0, len(ready))
	for _, s := range ready {
		meter := s.(device.PowerMeter)
		infos, err := meter.Devices()
		if err == nil && len(infos) == 0 {
			err = fmt.Errorf("no devices found")
		}
		if err != nil {
			r.logger.Warn("Skipping plugin", "plugin", meter.Name(), "error", err)
			if err := meter.Shutdown(); err != nil {
				r.logger.Warn("Failed to shutdown skipped plugin", "plugin", meter.Name(), "error", err)
			}
			unavailable = append(unavailable, meter.Name())
			continue
		}

		p := newPlugin(meter, infos)
		plugins = append(plugins, p)
		r.logger.Debug("Plugin initialized", "plugin", p.Name(), "devices", len(p.devices))
	}
	return plugins, unavailable
}

// Finalize shuts down all plugins in reverse discovery order. It fails while
// any filter or region created from this registry is still open.
func (r *Registry) Finalize() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.teardown(false)
}

// teardown releases the catalog. Unless forced it refuses to run while
// filters or regions are open; forcing invalidates them instead.
func (r *Registry) teardown(force bool) error {
	r.mu.Lock()
	if r.state != RegistryReady {
		state := r.state
		r.mu.Unlock()
		return newError(CodeInvalidState, "cannot finalize a %s registry", state)
	}
	if !force && (len(r.filters) > 0 || r.openRegions > 0) {
		filters, regions := len(r.filters), r.openRegions
		r.mu.Unlock()
		return newError(CodeOutstandingReferences, "%d filters and %d regions are still open", filters, regions)
	}

	plugins, tracker := r.plugins, r.tracker
	for f := range r.filters {
		f.released = true
	}
	regions := r.regions
	r.plugins = nil
	r.devices = nil
	r.unavailable = nil
	r.tracker = nil
	r.filters = make(map[*Filter]struct{})
	r.regions = nil
	r.live = make(map[string]*Region)
	r.openRegions = 0
	r.state = RegistryFinalized
	r.mu.Unlock()

	for _, region := range regions {
		region.invalidate()
	}
	if tracker != nil {
		tracker.stop()
	}

	services := make([]service.Service, 0, len(plugins))
	for _, p := range plugins {
		services = append(services, p.meter)
	}
	err := service.Shutdown(r.logger, services)
	for _, p := range plugins {
		p.state.Store(int32(PluginFinalized))
	}
	r.logger.Info("Registry finalized", "plugins", len(plugins))

	if err != nil {
		return fmt.Errorf("failed to finalize plugins: %w", err)
	}
	return nil
}

// State returns the lifecycle state of the registry
func (r *Registry) State() RegistryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Registry) ready() error {
	if r.state != RegistryReady {
		return newError(CodeInvalidState, "registry is %s", r.state)
	}
	return nil
}

// Plugins returns the initialized plugins in discovery order
func (r *Registry) Plugins() ([]*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return nil, err
	}

	plugins := make([]*Plugin, len(r.plugins))
	copy(plugins, r.plugins)
	return plugins, nil
}

// Devices returns every device of every plugin in discovery order
func (r *Registry) Devices() ([]*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return nil, err
	}

	devices := make([]*device.Device, len(r.devices))
	copy(devices, r.devices)
	return devices, nil
}

// PluginDevices returns the devices of the named plugin
func (r *Registry) PluginDevices(name string) ([]*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return nil, err
	}

	for _, p := range r.plugins {
		if p.Name() == name {
			return p.Devices(), nil
		}
	}
	return nil, fmt.Errorf("unknown plugin %q", name)
}

// ReadEnergy reads the counter of d. With overflow tracking enabled the
// value is the extended 64 bit counter.
func (r *Registry) ReadEnergy(d *device.Device) (device.Energy, error) {
	r.mu.RLock()
	err := r.ready()
	tracker := r.tracker
	r.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	e, err := readCounter(tracker, d)
	if err != nil {
		return 0, wrapError(CodeCounterRead, err, "device %s", d)
	}
	return e, nil
}

// Now returns the registry clock in microseconds
func (r *Registry) Now() uint64 {
	return r.clock.NowMicroseconds()
}

// Unavailable lists the plugins left out of the catalog: those the
// discoverer reported as unavailable, then those that failed to initialize
// or exposed no devices
func (r *Registry) Unavailable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.unavailable))
	copy(names, r.unavailable)
	return names
}

func readCounter(t *overflowTracker, d *device.Device) (device.Energy, error) {
	if t != nil && t.tracks(d) {
		return t.read(d)
	}
	return d.Read()
}

// counterMax is the wrap boundary of d as seen through readCounter
func counterMax(t *overflowTracker, d *device.Device) device.Energy {
	if t != nil && t.tracks(d) {
		return device.MaxForWidth(64)
	}
	return d.Info().Max()
}

// Regions returns the statistics of every region defined since Init, in
// definition order, finalized or not
func (r *Registry) Regions() []RegionStats {
	r.mu.RLock()
	regions := make([]*Region, len(r.regions))
	copy(regions, r.regions)
	r.mu.RUnlock()

	stats := make([]RegionStats, 0, len(regions))
	for _, region := range regions {
		stats = append(stats, region.Stats())
	}
	return stats
}

// PrintAll writes a report of all regions to w
func (r *Registry) PrintAll(w io.Writer, format Format) error {
	return NewReporter(WithFormat(format)).PrintAll(w, r.Regions())
}
