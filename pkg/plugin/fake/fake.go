// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package fake provides a synthetic PowerMeter for development on hosts
// without measurement hardware. It must not be used for real measurements.
package fake

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	// Name is the default plugin name
	Name = "fake"

	defaultMaxEnergy = device.Energy(1_000_000)
)

var defaultZones = []string{"package", "core", "dram"}

var zoneKinds = map[string]device.Kind{
	"package": device.KindCPU,
	"core":    device.KindCore,
	"dram":    device.KindDRAM,
	"uncore":  device.KindUncore,
}

var zoneIncrement = map[string]device.Energy{
	"package": 112,
	"core":    108,
	"dram":    105,
	"uncore":  102,
}

type zone struct {
	name      string
	increment device.Energy

	mu     sync.Mutex
	energy device.Energy
}

// PowerMeter advances synthetic counters on every read
type PowerMeter struct {
	name      string
	logger    *slog.Logger
	maxEnergy device.Energy
	jitter    float64
	zones     []*zone

	mu    sync.RWMutex
	ready bool
}

var _ device.PowerMeter = (*PowerMeter)(nil)

// OptFn configures a fake PowerMeter
type OptFn func(*PowerMeter)

// WithName overrides the plugin name
func WithName(name string) OptFn {
	return func(m *PowerMeter) {
		m.name = name
	}
}

func WithLogger(l *slog.Logger) OptFn {
	return func(m *PowerMeter) {
		m.logger = l
	}
}

// WithMaxEnergy sets the value after which the counters wrap to zero
func WithMaxEnergy(e device.Energy) OptFn {
	return func(m *PowerMeter) {
		m.maxEnergy = e
	}
}

// WithJitter sets the random share added to each increment; zero makes the
// counters deterministic
func WithJitter(f float64) OptFn {
	return func(m *PowerMeter) {
		m.jitter = f
	}
}

// WithZones replaces the default package, core and dram zones
func WithZones(names ...string) OptFn {
	return func(m *PowerMeter) {
		m.zones = newZones(names)
	}
}

func newZones(names []string) []*zone {
	zones := make([]*zone, 0, len(names))
	for _, name := range names {
		inc, ok := zoneIncrement[name]
		if !ok {
			inc = 100
		}
		zones = append(zones, &zone{name: name, increment: inc})
	}
	return zones
}

// NewPowerMeter creates a fake meter
func NewPowerMeter(opts ...OptFn) (*PowerMeter, error) {
	m := &PowerMeter{
		name:      Name,
		logger:    slog.Default(),
		maxEnergy: defaultMaxEnergy,
		jitter:    0.5,
		zones:     newZones(defaultZones),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.maxEnergy == 0 {
		return nil, fmt.Errorf("max energy must be positive")
	}
	if m.jitter < 0 {
		return nil, fmt.Errorf("jitter must not be negative: %v", m.jitter)
	}
	m.logger = m.logger.With("plugin", m.name)
	return m, nil
}

func (m *PowerMeter) Name() string {
	return m.name
}

func (m *PowerMeter) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	m.logger.Warn("Using fake power meter; readings are synthetic")
	return nil
}

func (m *PowerMeter) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	return nil
}

func (m *PowerMeter) Devices() ([]device.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, fmt.Errorf("%s: not initialized", m.name)
	}

	infos := make([]device.Info, 0, len(m.zones))
	for i, z := range m.zones {
		kind, ok := zoneKinds[z.name]
		if !ok {
			kind = device.KindUnknown
		}
		infos = append(infos, device.Info{
			Name:      z.name,
			UID:       fmt.Sprintf("%s:%d", m.name, i),
			Kind:      kind,
			MaxEnergy: m.maxEnergy,
			// far below the time it takes to pass maxEnergy at one read per
			// millisecond
			UpdateInterval: time.Second,
		})
	}
	return infos, nil
}

func (m *PowerMeter) Energy(index int) (device.Energy, error) {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()
	if !ready {
		return 0, fmt.Errorf("%s: not initialized", m.name)
	}
	if index < 0 || index >= len(m.zones) {
		return 0, fmt.Errorf("%s: no device at index %d", m.name, index)
	}

	z := m.zones[index]
	z.mu.Lock()
	defer z.mu.Unlock()

	step := z.increment + device.Energy(rand.Float64()*float64(z.increment)*m.jitter)
	z.energy = (z.energy + step) % (m.maxEnergy + 1)
	return z.energy, nil
}
