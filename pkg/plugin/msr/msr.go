// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package msr reads the RAPL energy status registers through the msr
// character devices, one CPU per physical package.
package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"
	"golang.org/x/sys/unix"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	Name = "msr"

	DefaultDevicePath = "/dev/cpu/%d/msr"

	// DefaultUpdateInterval is a fraction of the ~70 minutes a 32 bit
	// counter with the default energy unit lasts at 60 W
	DefaultUpdateInterval = time.Minute

	// IA32_RAPL_POWER_UNIT, energy status unit in bits 12:8
	powerUnitRegister = 0x606
	counterMask       = 0xFFFFFFFF
	counterRange      = 1 << 32
)

type domain struct {
	name     string
	kind     device.Kind
	register int64
}

var domains = []domain{
	{"package", device.KindCPU, 0x611},
	{"core", device.KindCore, 0x639},
	{"dram", device.KindDRAM, 0x619},
}

type counter struct {
	file     *os.File
	path     string
	register int64
}

// PowerMeter exposes the package, core and dram counters of every socket
type PowerMeter struct {
	logger         *slog.Logger
	devicePath     string
	sysfsPath      string
	updateInterval time.Duration

	mu       sync.RWMutex
	files    []*os.File
	counters []counter
	infos    []device.Info
	unit     float64
}

var _ device.PowerMeter = (*PowerMeter)(nil)

type OptionFn func(*PowerMeter)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(pm *PowerMeter) {
		pm.logger = logger
	}
}

// WithDevicePath sets the printf template of the msr device, e.g.
// /dev/cpu/%d/msr
func WithDevicePath(path string) OptionFn {
	return func(pm *PowerMeter) {
		pm.devicePath = path
	}
}

// WithSysFSPath sets the sysfs mount used to map CPUs to packages
func WithSysFSPath(path string) OptionFn {
	return func(pm *PowerMeter) {
		pm.sysfsPath = path
	}
}

func WithUpdateInterval(d time.Duration) OptionFn {
	return func(pm *PowerMeter) {
		pm.updateInterval = d
	}
}

// NewPowerMeter creates an MSR meter. No device is opened before Init.
func NewPowerMeter(opts ...OptionFn) (*PowerMeter, error) {
	pm := &PowerMeter{
		logger:         slog.Default(),
		devicePath:     DefaultDevicePath,
		sysfsPath:      "/sys",
		updateInterval: DefaultUpdateInterval,
	}
	for _, opt := range opts {
		opt(pm)
	}
	if strings.Count(pm.devicePath, "%d") != 1 {
		return nil, fmt.Errorf("msr device path %q must contain exactly one %%d", pm.devicePath)
	}
	pm.logger = pm.logger.With("plugin", Name)
	return pm, nil
}

func (pm *PowerMeter) Name() string {
	return Name
}

// Init opens the msr device of the first CPU of every package, reads the
// energy unit and keeps the readable energy registers.
func (pm *PowerMeter) Init() error {
	packages, err := pm.packageCPUs()
	if err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var infos []device.Info
	var counters []counter
	var files []*os.File
	unit := 0.0

	for _, pkg := range packages {
		path := fmt.Sprintf(pm.devicePath, pkg.cpu)
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			_ = closeAll(files)
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		files = append(files, f)

		if unit == 0 {
			raw, err := readRegister(f, powerUnitRegister)
			if err != nil {
				_ = closeAll(files)
				return fmt.Errorf("failed to read energy unit from %s: %w", path, err)
			}
			unit = energyUnit(raw)
		}

		for _, d := range domains {
			if _, err := readRegister(f, d.register); err != nil {
				pm.logger.Debug("MSR register not readable, skipping",
					"cpu", pkg.cpu, "domain", d.name, "register", fmt.Sprintf("0x%x", d.register))
				continue
			}
			counters = append(counters, counter{file: f, path: path, register: d.register})
			infos = append(infos, device.Info{
				Name:           fmt.Sprintf("%s-%d", d.name, pkg.id),
				UID:            fmt.Sprintf("%s:0x%x", path, d.register),
				Kind:           d.kind,
				MaxEnergy:      toEnergy(counterRange, unit) - 1,
				UpdateInterval: pm.updateInterval,
			})
		}
	}

	if len(counters) == 0 {
		_ = closeAll(files)
		return fmt.Errorf("no readable MSR energy counters found")
	}

	pm.files = files
	pm.counters = counters
	pm.infos = infos
	pm.unit = unit
	pm.logger.Info("MSR counters found", "packages", len(packages), "devices", len(infos), "energy_unit_uj", unit)
	return nil
}

type packageCPU struct {
	id  int
	cpu int
}

// packageCPUs returns the lowest numbered CPU of every physical package.
// Without topology information only CPU 0 is used.
func (pm *PowerMeter) packageCPUs() ([]packageCPU, error) {
	fs, err := sysfs.NewFS(pm.sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}

	cpus, err := fs.CPUs()
	if err != nil || len(cpus) == 0 {
		pm.logger.Warn("CPU topology unavailable, reading package 0 only", "error", err)
		return []packageCPU{{id: 0, cpu: 0}}, nil
	}

	first := map[int]int{}
	for _, c := range cpus {
		n, err := strconv.Atoi(c.Number())
		if err != nil {
			continue
		}
		topo, err := c.Topology()
		if err != nil {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(topo.PhysicalPackageID))
		if err != nil {
			continue
		}
		if cur, ok := first[id]; !ok || n < cur {
			first[id] = n
		}
	}
	if len(first) == 0 {
		pm.logger.Warn("No CPU with package information, reading package 0 only")
		return []packageCPU{{id: 0, cpu: 0}}, nil
	}

	packages := make([]packageCPU, 0, len(first))
	for id, cpu := range first {
		packages = append(packages, packageCPU{id: id, cpu: cpu})
	}
	slices.SortFunc(packages, func(a, b packageCPU) int { return a.id - b.id })
	return packages, nil
}

func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	err := closeAll(pm.files)
	pm.files = nil
	pm.counters = nil
	pm.infos = nil
	return err
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.counters == nil {
		return nil, fmt.Errorf("msr: not initialized")
	}
	return slices.Clone(pm.infos), nil
}

// Energy returns the 32 bit counter scaled to microjoules. It wraps at
// MaxEnergy.
func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if index < 0 || index >= len(pm.counters) {
		return 0, fmt.Errorf("msr: no counter at index %d", index)
	}
	c := pm.counters[index]
	raw, err := readRegister(c.file, c.register)
	if err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x from %s: %w", c.register, c.path, err)
	}
	return toEnergy(raw&counterMask, pm.unit), nil
}

// energyUnit decodes IA32_RAPL_POWER_UNIT into microjoules per counter step
func energyUnit(raw uint64) float64 {
	esu := (raw >> 8) & 0x1F
	return 1e6 / math.Pow(2, float64(esu))
}

func toEnergy(raw uint64, unit float64) device.Energy {
	return device.Energy(float64(raw) * unit)
}

// readRegister reads the 64 bit register at offset. Pread keeps concurrent
// reads of one file independent of the file offset.
func readRegister(f *os.File, register int64) (uint64, error) {
	buf := make([]byte, 8)
	n, err := unix.Pread(int(f.Fd()), buf, register)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read of %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func closeAll(files []*os.File) error {
	var errs error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
