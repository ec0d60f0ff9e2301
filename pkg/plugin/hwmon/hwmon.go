// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwmon exposes hwmon energy sensors (energyN_input, microjoules)
// and, optionally, power sensors integrated into energy counters.
package hwmon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/energy-measurement/ema/pkg/device"
)

const Name = "hwmon"

// power sensors are sampled at least this often so the integration stays
// accurate
const powerUpdateInterval = time.Second

var (
	invalidNameChars = regexp.MustCompile("[^a-z0-9:_]")
	sensorPattern    = regexp.MustCompile(`^(energy|power)(\d+)_(.+)$`)
)

type sensor struct {
	name   string
	chip   string
	index  int
	path   string
	power  bool
	energy *device.Integrator
}

// PowerMeter reads hwmon sensors below <sysfs>/class/hwmon
type PowerMeter struct {
	logger         *slog.Logger
	basePath       string
	zoneFilter     []string
	integratePower bool
	clock          clock.PassiveClock

	mu      sync.RWMutex
	sensors []*sensor
	infos   []device.Info
}

var _ device.PowerMeter = (*PowerMeter)(nil)

type OptionFn func(*PowerMeter)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(pm *PowerMeter) {
		pm.logger = logger
	}
}

// WithZoneFilter restricts the meter to sensors with the given labels. If
// empty, all sensors are included.
func WithZoneFilter(zones []string) OptionFn {
	return func(pm *PowerMeter) {
		pm.zoneFilter = zones
	}
}

// WithPowerIntegration also exposes power sensors, integrating their samples
// over time
func WithPowerIntegration(enabled bool) OptionFn {
	return func(pm *PowerMeter) {
		pm.integratePower = enabled
	}
}

// WithClock sets the clock timing power integration
func WithClock(c clock.PassiveClock) OptionFn {
	return func(pm *PowerMeter) {
		pm.clock = c
	}
}

// NewPowerMeter creates a hwmon meter reading below sysfsPath, usually /sys
func NewPowerMeter(sysfsPath string, opts ...OptionFn) (*PowerMeter, error) {
	pm := &PowerMeter{
		logger:   slog.Default(),
		basePath: filepath.Join(sysfsPath, "class", "hwmon"),
		clock:    clock.RealClock{},
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

func (pm *PowerMeter) Init() error {
	sensors, err := pm.discover()
	if err != nil {
		return err
	}
	sensors = pm.filter(sensors)
	if len(sensors) == 0 {
		return fmt.Errorf("no hwmon sensors found after filtering")
	}

	if _, err := readUint(sensors[0].path); err != nil {
		return fmt.Errorf("failed to read sensor %s: %w", sensors[0].name, err)
	}

	infos := make([]device.Info, 0, len(sensors))
	for _, s := range sensors {
		info := device.Info{
			Name: s.chip + "/" + s.name,
			UID:  s.path,
			Kind: sensorKind(s.name),
		}
		if s.power {
			s.energy = device.NewIntegrator(pm.clock)
			info.UpdateInterval = powerUpdateInterval
		}
		infos = append(infos, info)
	}

	pm.mu.Lock()
	pm.sensors = sensors
	pm.infos = infos
	pm.mu.Unlock()

	pm.logger.Info("hwmon sensors found", "sensors", len(sensors))
	return nil
}

func (pm *PowerMeter) discover() ([]*sensor, error) {
	entries, err := os.ReadDir(pm.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("hwmon not available: %w", err)
		}
		return nil, fmt.Errorf("failed to read hwmon directory: %w", err)
	}

	var sensors []*sensor
	for _, entry := range entries {
		dir := filepath.Join(pm.basePath, entry.Name())
		if !entry.IsDir() && !isSymlink(dir) {
			continue
		}
		found, err := pm.discoverChip(dir)
		if err != nil {
			pm.logger.Debug("Skipping hwmon device", "path", dir, "error", err)
			continue
		}
		sensors = append(sensors, found...)
	}
	if len(sensors) == 0 {
		return nil, fmt.Errorf("no hwmon energy sensors found")
	}

	slices.SortFunc(sensors, func(a, b *sensor) int {
		if c := strings.Compare(a.chip, b.chip); c != 0 {
			return c
		}
		if a.power != b.power {
			if a.power {
				return 1
			}
			return -1
		}
		return a.index - b.index
	})
	return sensors, nil
}

func (pm *PowerMeter) discoverChip(dir string) ([]*sensor, error) {
	chip := chipName(dir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type key struct {
		power bool
		index int
	}
	props := map[key]map[string]string{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := sensorPattern.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		power := m[1] == "power"
		if power && !pm.integratePower {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		k := key{power, n}
		if props[k] == nil {
			props[k] = map[string]string{}
		}
		props[k][m[3]] = f.Name()
	}

	var sensors []*sensor
	for k, p := range props {
		input := p["input"]
		if avg, ok := p["average"]; ok && k.power {
			input = avg
		}
		if input == "" {
			continue
		}

		prefix := "energy"
		if k.power {
			prefix = "power"
		}
		name := fmt.Sprintf("%s%d", prefix, k.index)
		if label, ok := p["label"]; ok {
			if data, err := os.ReadFile(filepath.Join(dir, label)); err == nil {
				if clean := cleanName(string(data)); clean != "" {
					name = clean
				}
			}
		}
		sensors = append(sensors, &sensor{
			name:  name,
			chip:  chip,
			index: k.index,
			path:  filepath.Join(dir, input),
			power: k.power,
		})
	}
	return sensors, nil
}

func (pm *PowerMeter) filter(sensors []*sensor) []*sensor {
	if len(pm.zoneFilter) == 0 {
		return sensors
	}
	wanted := make(map[string]bool, len(pm.zoneFilter))
	for _, name := range pm.zoneFilter {
		wanted[strings.ToLower(name)] = true
	}
	return slices.DeleteFunc(sensors, func(s *sensor) bool {
		return !wanted[s.name]
	})
}

func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.sensors = nil
	pm.infos = nil
	return nil
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.sensors == nil {
		return nil, fmt.Errorf("hwmon: not initialized")
	}
	return slices.Clone(pm.infos), nil
}

func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	if index < 0 || index >= len(pm.sensors) {
		pm.mu.RUnlock()
		return 0, fmt.Errorf("hwmon: no sensor at index %d", index)
	}
	s := pm.sensors[index]
	pm.mu.RUnlock()

	v, err := readUint(s.path)
	if err != nil {
		return 0, err
	}
	if s.power {
		return s.energy.Add(device.Power(v)), nil
	}
	return device.Energy(v), nil
}

func sensorKind(label string) device.Kind {
	switch {
	case strings.Contains(label, "package"), strings.Contains(label, "socket"),
		strings.Contains(label, "cpu"), strings.HasPrefix(label, "ppt"):
		return device.KindCPU
	case strings.Contains(label, "core"):
		return device.KindCore
	case strings.Contains(label, "gpu"), strings.Contains(label, "vddgfx"):
		return device.KindGPU
	case strings.Contains(label, "dram"), strings.Contains(label, "mem"):
		return device.KindDRAM
	default:
		return device.KindUnknown
	}
}

// chipName prefers the name file and falls back to the directory name
func chipName(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
		if name := cleanName(string(data)); name != "" {
			return name
		}
	}
	return cleanName(filepath.Base(dir))
}

func cleanName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.Trim(invalidNameChars.ReplaceAllLiteralString(lower, "_"), "_")
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}

func readUint(path string) (uint64, error) {
	data, err := sysReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}

// sysReadFile reads with a single read system call. Some hwmon drivers
// return EAGAIN, which makes os.ReadFile poll forever.
func sysReadFile(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	b := make([]byte, 128)
	n, err := unix.Read(int(f.Fd()), b)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("read of %q returned %d bytes", file, n)
	}
	return b[:n], nil
}
