// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"sync/atomic"

	"github.com/energy-measurement/ema/pkg/device"
)

// PluginState is the one-way lifecycle of a plugin
type PluginState int32

const (
	PluginUninitialized PluginState = iota
	PluginInitialized
	PluginFinalized
)

func (s PluginState) String() string {
	switch s {
	case PluginUninitialized:
		return "uninitialized"
	case PluginInitialized:
		return "initialized"
	case PluginFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Plugin is a registry-owned, initialized PowerMeter together with its
// devices.
type Plugin struct {
	meter   device.PowerMeter
	state   atomic.Int32
	devices []*device.Device
}

func newPlugin(meter device.PowerMeter, infos []device.Info) *Plugin {
	p := &Plugin{meter: meter}
	p.devices = make([]*device.Device, 0, len(infos))
	for i, info := range infos {
		p.devices = append(p.devices, device.New(meter, i, info))
	}
	p.state.Store(int32(PluginInitialized))
	return p
}

func (p *Plugin) Name() string {
	return p.meter.Name()
}

func (p *Plugin) State() PluginState {
	return PluginState(p.state.Load())
}

// Devices returns the plugin's devices in enumeration order
func (p *Plugin) Devices() []*device.Device {
	devices := make([]*device.Device, len(p.devices))
	copy(devices, p.devices)
	return devices
}

func (p *Plugin) String() string {
	return p.Name()
}

// Discoverer returns the ordered list of candidate plugins. The meters are
// not yet initialized; the Registry does that.
type Discoverer interface {
	Discover() ([]device.PowerMeter, error)
}

// UnavailableReporter is implemented by discoverers that can fail to create
// some of their plugins. The names are listed by Registry.Unavailable ahead
// of the plugins that failed to initialize.
type UnavailableReporter interface {
	Unavailable() []string
}

// DiscovererFunc adapts a function to the Discoverer interface
type DiscovererFunc func() ([]device.PowerMeter, error)

func (f DiscovererFunc) Discover() ([]device.PowerMeter, error) {
	return f()
}

// Static returns a Discoverer that always yields meters
func Static(meters ...device.PowerMeter) Discoverer {
	return DiscovererFunc(func() ([]device.PowerMeter, error) {
		out := make([]device.PowerMeter, len(meters))
		copy(out, meters)
		return out, nil
	})
}
