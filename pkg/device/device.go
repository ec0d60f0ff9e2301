// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"

	"github.com/energy-measurement/ema/internal/service"
)

// Kind classifies what a device measures
type Kind string

const (
	KindCPU     Kind = "cpu"
	KindCore    Kind = "core"
	KindDRAM    Kind = "dram"
	KindUncore  Kind = "uncore"
	KindGPU     Kind = "gpu"
	KindNode    Kind = "node"
	KindUnknown Kind = "unknown"
)

// Info describes a single device as enumerated by its PowerMeter.
type Info struct {
	// Name is human readable and unique within the owning meter
	Name string
	// UID is a stable identifier such as a GPU UUID or a sysfs path
	UID  string
	Kind Kind

	// Width is the raw counter width in bits; 0 means 64
	Width uint
	// MaxEnergy is the largest counter value before it wraps to zero. When
	// zero it is derived from Width.
	MaxEnergy Energy

	// UpdateInterval is the longest time between two reads that still
	// guarantees at most one wrap. Zero means the counter does not need
	// polling.
	UpdateInterval time.Duration
}

// Max returns the largest raw counter value of the device
func (i Info) Max() Energy {
	if i.MaxEnergy != 0 {
		return i.MaxEnergy
	}
	return MaxForWidth(i.Width)
}

// Bits returns the counter width, defaulting to 64
func (i Info) Bits() uint {
	if i.Width == 0 || i.Width > 64 {
		return 64
	}
	return i.Width
}

// PowerMeter is the capability contract every measurement backend
// implements. Devices is only valid after Init and its result must not change
// until Shutdown.
type PowerMeter interface {
	service.Initializer
	service.Shutdowner

	// Devices returns the devices owned by the meter in a stable order
	Devices() ([]Info, error)

	// Energy returns the cumulative counter of the device at index, in
	// microjoules
	Energy(index int) (Energy, error)
}

// Device is a single energy source owned by exactly one PowerMeter.
type Device struct {
	meter PowerMeter
	index int
	info  Info
}

// New binds the device at index of meter. Only the owner of the meter's
// lifecycle is expected to create devices.
func New(meter PowerMeter, index int, info Info) *Device {
	if info.Kind == "" {
		info.Kind = KindUnknown
	}
	return &Device{
		meter: meter,
		index: index,
		info:  info,
	}
}

func (d *Device) Plugin() string {
	return d.meter.Name()
}

func (d *Device) Index() int {
	return d.index
}

func (d *Device) Name() string {
	return d.info.Name
}

func (d *Device) UID() string {
	return d.info.UID
}

func (d *Device) Kind() Kind {
	return d.info.Kind
}

func (d *Device) Info() Info {
	return d.info
}

// Read asks the owning meter for the raw counter
func (d *Device) Read() (Energy, error) {
	return d.meter.Energy(d.index)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s/%s", d.meter.Name(), d.info.Name)
}
