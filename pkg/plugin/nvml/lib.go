// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package nvml

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLib is the subset of NVML the meter uses
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (deviceHandle, nvml.Return)
	ErrorString(ret nvml.Return) string
}

type deviceHandle interface {
	GetUUID() (string, nvml.Return)
	GetName() (string, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetTotalEnergyConsumption() (uint64, nvml.Return)
}

type realLib struct{}

type realHandle struct {
	device nvml.Device
}

func (realLib) Init() nvml.Return {
	return nvml.Init()
}

func (realLib) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (realLib) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (realLib) DeviceGetHandleByIndex(index int) (deviceHandle, nvml.Return) {
	d, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return realHandle{device: d}, ret
}

func (realLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

func (h realHandle) GetUUID() (string, nvml.Return) {
	return h.device.GetUUID()
}

func (h realHandle) GetName() (string, nvml.Return) {
	return h.device.GetName()
}

func (h realHandle) GetPowerUsage() (uint32, nvml.Return) {
	return h.device.GetPowerUsage()
}

func (h realHandle) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	return h.device.GetTotalEnergyConsumption()
}
