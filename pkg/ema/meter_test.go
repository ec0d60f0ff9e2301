// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"math"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/pkg/device"
)

// MockPowerMeter is a mock implementation of device.PowerMeter
type MockPowerMeter struct {
	mock.Mock
}

var _ device.PowerMeter = (*MockPowerMeter)(nil)

func (m *MockPowerMeter) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockPowerMeter) Init() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPowerMeter) Shutdown() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPowerMeter) Devices() ([]device.Info, error) {
	args := m.Called()
	infos, _ := args.Get(0).([]device.Info)
	return infos, args.Error(1)
}

func (m *MockPowerMeter) Energy(index int) (device.Energy, error) {
	args := m.Called(index)
	return args.Get(0).(device.Energy), args.Error(1)
}

// counterMeter advances every device counter by step on each read and wraps
// at the device maximum
type counterMeter struct {
	name  string
	infos []device.Info

	mu       sync.Mutex
	values   []device.Energy
	step     device.Energy
	readErr  error
	reads    int
	events   *[]string
	shutdown bool
}

var _ device.PowerMeter = (*counterMeter)(nil)

func newCounterMeter(name string, devices int, step device.Energy) *counterMeter {
	m := &counterMeter{name: name, step: step}
	for i := range devices {
		m.infos = append(m.infos, device.Info{Name: name + "-" + string(rune('a'+i)), Kind: device.KindCPU})
	}
	m.values = make([]device.Energy, devices)
	return m
}

func (m *counterMeter) withWidth(width uint) *counterMeter {
	for i := range m.infos {
		m.infos[i].Width = width
	}
	return m
}

func (m *counterMeter) Name() string { return m.name }

func (m *counterMeter) Init() error {
	m.record("init")
	return nil
}

func (m *counterMeter) Shutdown() error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.record("shutdown")
	return nil
}

func (m *counterMeter) Devices() ([]device.Info, error) {
	return m.infos, nil
}

func (m *counterMeter) Energy(index int) (device.Energy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readErr != nil {
		return 0, m.readErr
	}
	m.reads++
	v := m.values[index]
	maxValue := m.infos[index].Max()
	if maxValue == math.MaxUint64 {
		m.values[index] = v + m.step
	} else {
		m.values[index] = (v + m.step) % (maxValue + 1)
	}
	return v, nil
}

func (m *counterMeter) set(index int, v device.Energy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[index] = v
}

func (m *counterMeter) setStep(step device.Energy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = step
}

func (m *counterMeter) failReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *counterMeter) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *counterMeter) record(event string) {
	if m.events != nil {
		*m.events = append(*m.events, m.name+":"+event)
	}
}

func newTestRegistry(meters ...device.PowerMeter) *Registry {
	return New(Static(meters...), WithLogger(logger.Discard()))
}
