// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package rapl reads RAPL energy counters through the Linux powercap sysfs
// interface.
package rapl

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	Name = "rapl"

	// DefaultUpdateInterval is used for zones without a power constraint
	DefaultUpdateInterval = time.Minute

	maxPowerConstraints = 3
)

// PowerMeter exposes one device per powercap zone
type PowerMeter struct {
	logger         *slog.Logger
	fs             sysfs.FS
	zoneFilter     []string
	updateInterval time.Duration

	mu    sync.RWMutex
	zones []sysfs.RaplZone
	infos []device.Info
}

var _ device.PowerMeter = (*PowerMeter)(nil)

type OptionFn func(*PowerMeter)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(pm *PowerMeter) {
		pm.logger = logger
	}
}

// WithZoneFilter restricts the meter to the named zones. If empty, all
// zones are included.
func WithZoneFilter(zones []string) OptionFn {
	return func(pm *PowerMeter) {
		pm.zoneFilter = zones
	}
}

// WithUpdateInterval overrides the polling interval derived from the zone
// power constraints
func WithUpdateInterval(d time.Duration) OptionFn {
	return func(pm *PowerMeter) {
		pm.updateInterval = d
	}
}

// NewPowerMeter creates a RAPL meter reading below sysfsPath, usually /sys
func NewPowerMeter(sysfsPath string, opts ...OptionFn) (*PowerMeter, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}

	pm := &PowerMeter{
		logger: slog.Default(),
		fs:     fs,
	}
	for _, opt := range opts {
		opt(pm)
	}
	pm.logger = pm.logger.With("plugin", Name)
	return pm, nil
}

func (pm *PowerMeter) Name() string {
	return Name
}

// Init enumerates the zones and verifies the first one can be read
func (pm *PowerMeter) Init() error {
	zones, err := sysfs.GetRaplZones(pm.fs)
	if err != nil {
		return fmt.Errorf("failed to read rapl zones: %w", err)
	}
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found")
	}

	zones = pm.filterZones(zones)
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones found after filtering")
	}
	zones = dedupZones(zones)

	if _, err := zones[0].GetEnergyMicrojoules(); err != nil {
		return fmt.Errorf("failed to read energy from zone %s: %w", zones[0].Name, err)
	}

	infos := make([]device.Info, 0, len(zones))
	seen := make(map[string]int, len(zones))
	for _, z := range zones {
		seen[z.Name]++
	}
	for _, z := range zones {
		name := z.Name
		if seen[name] > 1 {
			name = fmt.Sprintf("%s-%d", z.Name, z.Index)
		}
		infos = append(infos, device.Info{
			Name:           name,
			UID:            z.Path,
			Kind:           zoneKind(z.Name),
			MaxEnergy:      device.Energy(z.MaxMicrojoules),
			UpdateInterval: pm.zoneUpdateInterval(z),
		})
	}

	pm.mu.Lock()
	pm.zones = zones
	pm.infos = infos
	pm.mu.Unlock()

	pm.logger.Info("RAPL zones found", "zones", len(zones))
	return nil
}

func (pm *PowerMeter) filterZones(zones []sysfs.RaplZone) []sysfs.RaplZone {
	if len(pm.zoneFilter) == 0 {
		return zones
	}

	wanted := make(map[string]bool, len(pm.zoneFilter))
	for _, name := range pm.zoneFilter {
		wanted[strings.ToLower(name)] = true
	}
	var included, excluded []string
	filtered := make([]sysfs.RaplZone, 0, len(zones))
	for _, z := range zones {
		if wanted[strings.ToLower(z.Name)] {
			filtered = append(filtered, z)
			included = append(included, z.Name)
		} else {
			excluded = append(excluded, z.Name)
		}
	}
	pm.logger.Debug("Filtered RAPL zones", "included", included, "excluded", excluded)
	return filtered
}

// dedupZones drops zones that duplicate a zone of the standard intel-rapl
// tree, e.g. the intel-rapl-mmio mirror, and orders the rest by path
func dedupZones(zones []sysfs.RaplZone) []sysfs.RaplZone {
	byKey := make(map[string]sysfs.RaplZone, len(zones))
	for _, z := range zones {
		key := fmt.Sprintf("%s-%d", z.Name, z.Index)
		if existing, ok := byKey[key]; ok && isStandardRaplPath(existing.Path) {
			continue
		}
		byKey[key] = z
	}

	out := make([]sysfs.RaplZone, 0, len(byKey))
	for _, z := range byKey {
		out = append(out, z)
	}
	slices.SortFunc(out, func(a, b sysfs.RaplZone) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

// zoneUpdateInterval is the time the zone needs to pass its whole energy
// range at its highest power limit
func (pm *PowerMeter) zoneUpdateInterval(z sysfs.RaplZone) time.Duration {
	if pm.updateInterval > 0 {
		return pm.updateInterval
	}

	maxPower := constraintMaxPower(z.Path)
	if maxPower == 0 || z.MaxMicrojoules == 0 {
		return DefaultUpdateInterval
	}
	// µJ / µW = s
	return time.Duration(z.MaxMicrojoules/maxPower) * time.Second
}

// constraintMaxPower returns the first non-zero constraint_N_max_power_uw
// of the zone, or 0
func constraintMaxPower(zonePath string) uint64 {
	for i := range maxPowerConstraints {
		data, err := os.ReadFile(filepath.Join(zonePath, fmt.Sprintf("constraint_%d_max_power_uw", i)))
		if err != nil {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || v == 0 {
			continue
		}
		return v
	}
	return 0
}

func isStandardRaplPath(path string) bool {
	return strings.Contains(path, "/intel-rapl:")
}

func zoneKind(name string) device.Kind {
	switch {
	case strings.HasPrefix(name, "package"):
		return device.KindCPU
	case strings.HasPrefix(name, "core"):
		return device.KindCore
	case strings.HasPrefix(name, "dram"):
		return device.KindDRAM
	case strings.HasPrefix(name, "uncore"):
		return device.KindUncore
	case strings.HasPrefix(name, "psys"):
		return device.KindNode
	default:
		return device.KindUnknown
	}
}

func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.zones = nil
	pm.infos = nil
	return nil
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.zones == nil {
		return nil, fmt.Errorf("rapl: not initialized")
	}
	return slices.Clone(pm.infos), nil
}

func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	if index < 0 || index >= len(pm.zones) {
		pm.mu.RUnlock()
		return 0, fmt.Errorf("rapl: no zone at index %d", index)
	}
	z := pm.zones[index]
	pm.mu.RUnlock()

	uj, err := z.GetEnergyMicrojoules()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", z.Path, err)
	}
	return device.Energy(uj), nil
}
