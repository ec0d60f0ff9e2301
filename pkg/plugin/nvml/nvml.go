// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package nvml reads the total energy counters of NVIDIA GPUs. GPUs without
// an energy counter fall back to integrating their power usage.
package nvml

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/utils/clock"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	Name = "nvml"

	powerUpdateInterval = time.Second
)

type gpu struct {
	index  int
	handle deviceHandle
	// set when the GPU has no energy counter
	integrator *device.Integrator
}

// PowerMeter exposes one device per GPU
type PowerMeter struct {
	logger *slog.Logger
	lib    nvmlLib
	clock  clock.PassiveClock

	mu          sync.RWMutex
	initialized bool
	gpus        []gpu
	infos       []device.Info
}

var _ device.PowerMeter = (*PowerMeter)(nil)

type OptionFn func(*PowerMeter)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(pm *PowerMeter) {
		pm.logger = logger
	}
}

// WithClock sets the clock timing power integration
func WithClock(c clock.PassiveClock) OptionFn {
	return func(pm *PowerMeter) {
		pm.clock = c
	}
}

func withLib(lib nvmlLib) OptionFn {
	return func(pm *PowerMeter) {
		pm.lib = lib
	}
}

// NewPowerMeter creates an NVML meter. The library is loaded by Init.
func NewPowerMeter(opts ...OptionFn) (*PowerMeter, error) {
	pm := &PowerMeter{
		logger: slog.Default(),
		lib:    realLib{},
		clock:  clock.RealClock{},
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
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.initialized {
		return nil
	}

	if ret := pm.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %s", pm.lib.ErrorString(ret))
	}

	count, ret := pm.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = pm.lib.Shutdown()
		return fmt.Errorf("failed to get device count: %s", pm.lib.ErrorString(ret))
	}

	gpus := make([]gpu, 0, count)
	infos := make([]device.Info, 0, count)
	for i := range count {
		handle, ret := pm.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			pm.logger.Warn("Failed to get device handle", "index", i, "error", pm.lib.ErrorString(ret))
			continue
		}

		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = fmt.Sprintf("gpu-%d", i)
		}
		model, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			model = "Unknown NVIDIA GPU"
		}

		g := gpu{index: i, handle: handle}
		info := device.Info{
			Name: fmt.Sprintf("gpu%d", i),
			UID:  uuid,
			Kind: device.KindGPU,
		}

		if _, ret := handle.GetTotalEnergyConsumption(); ret != nvml.SUCCESS {
			if _, pret := handle.GetPowerUsage(); pret != nvml.SUCCESS {
				pm.logger.Warn("GPU reports neither energy nor power, skipping",
					"index", i, "energy_error", pm.lib.ErrorString(ret), "power_error", pm.lib.ErrorString(pret))
				continue
			}
			g.integrator = device.NewIntegrator(pm.clock)
			info.UpdateInterval = powerUpdateInterval
			pm.logger.Info("GPU has no energy counter, integrating power", "index", i)
		}

		gpus = append(gpus, g)
		infos = append(infos, info)
		pm.logger.Info("Discovered GPU", "index", i, "uuid", uuid, "model", model)
	}

	pm.gpus = gpus
	pm.infos = infos
	pm.initialized = true
	pm.logger.Info("NVML initialized", "devices", len(gpus))
	return nil
}

func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.initialized {
		return nil
	}
	pm.gpus = nil
	pm.infos = nil
	pm.initialized = false

	if ret := pm.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", pm.lib.ErrorString(ret))
	}
	return nil
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if !pm.initialized {
		return nil, fmt.Errorf("nvml: not initialized")
	}
	return slices.Clone(pm.infos), nil
}

// Energy returns the GPU energy counter in microjoules. NVML counts
// millijoules since the driver was loaded.
func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if index < 0 || index >= len(pm.gpus) {
		return 0, fmt.Errorf("nvml: no GPU at index %d", index)
	}
	g := pm.gpus[index]

	if g.integrator != nil {
		mw, ret := g.handle.GetPowerUsage()
		if ret != nvml.SUCCESS {
			return 0, fmt.Errorf("failed to get power usage of gpu%d: %s", g.index, pm.lib.ErrorString(ret))
		}
		return g.integrator.Add(device.Power(mw) * device.MilliWatt), nil
	}

	mj, ret := g.handle.GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get total energy of gpu%d: %s", g.index, pm.lib.ErrorString(ret))
	}
	return device.Energy(mj) * device.MilliJoule, nil
}
