// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/pkg/device"
)

func TestRegistryInit(t *testing.T) {
	cpu := newCounterMeter("cpu", 2, 10)
	gpu := newCounterMeter("gpu", 1, 10)
	r := newTestRegistry(cpu, gpu)
	assert.Equal(t, RegistryUninitialized, r.State())

	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })
	assert.Equal(t, RegistryReady, r.State())

	plugins, err := r.Plugins()
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "cpu", plugins[0].Name())
	assert.Equal(t, "gpu", plugins[1].Name())
	assert.Equal(t, PluginInitialized, plugins[0].State())

	devices, err := r.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "cpu/cpu-a", devices[0].String())
	assert.Equal(t, "cpu/cpu-b", devices[1].String())
	assert.Equal(t, "gpu/gpu-a", devices[2].String())

	gpuDevices, err := r.PluginDevices("gpu")
	require.NoError(t, err)
	assert.Len(t, gpuDevices, 1)

	_, err = r.PluginDevices("nope")
	assert.Error(t, err)
}

func TestRegistryInitTwice(t *testing.T) {
	r := newTestRegistry(newCounterMeter("cpu", 1, 1))
	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	err := r.Init(nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryDiscoveryFailure(t *testing.T) {
	t.Run("no discoverer", func(t *testing.T) {
		r := New(nil)
		assert.ErrorIs(t, r.Init(nil), ErrInit)
	})

	t.Run("discoverer error", func(t *testing.T) {
		r := New(DiscovererFunc(func() ([]device.PowerMeter, error) {
			return nil, errors.New("boom")
		}))
		err := r.Init(nil)
		assert.ErrorIs(t, err, ErrInit)
		assert.ErrorContains(t, err, "boom")
		assert.Equal(t, RegistryUninitialized, r.State())
	})
}

func TestRegistrySkipsUnavailablePlugins(t *testing.T) {
	broken := &MockPowerMeter{}
	broken.On("Name").Return("broken").Maybe()
	broken.On("Init").Return(errors.New("no hardware"))

	empty := &MockPowerMeter{}
	empty.On("Name").Return("empty").Maybe()
	empty.On("Init").Return(nil)
	empty.On("Devices").Return([]device.Info{}, nil)
	empty.On("Shutdown").Return(nil)

	ok := newCounterMeter("ok", 1, 1)
	r := newTestRegistry(broken, empty, ok)

	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	plugins, err := r.Plugins()
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "ok", plugins[0].Name())
	assert.ElementsMatch(t, []string{"broken", "empty"}, r.Unavailable())

	broken.AssertNotCalled(t, "Shutdown")
	empty.AssertCalled(t, "Shutdown")
}

func TestRegistryNoPluginsAvailable(t *testing.T) {
	broken := &MockPowerMeter{}
	broken.On("Name").Return("broken").Maybe()
	broken.On("Init").Return(errors.New("no hardware"))

	r := newTestRegistry(broken)
	require.NoError(t, r.Init(nil))

	devices, err := r.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)
	require.NoError(t, r.Finalize())
}

func TestRegistryDuplicatePlugin(t *testing.T) {
	first := newCounterMeter("cpu", 1, 1)
	second := newCounterMeter("cpu", 2, 1)
	r := newTestRegistry(first, second)
	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	devices, err := r.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRegistryInitCallback(t *testing.T) {
	t.Run("sees the catalog", func(t *testing.T) {
		r := newTestRegistry(newCounterMeter("cpu", 2, 1))
		var seen int
		require.NoError(t, r.Init(func(r *Registry) error {
			devices, err := r.Devices()
			seen = len(devices)
			return err
		}))
		t.Cleanup(func() { _ = r.Finalize() })
		assert.Equal(t, 2, seen)
	})

	t.Run("failure tears down", func(t *testing.T) {
		var events []string
		cpu := newCounterMeter("cpu", 1, 1)
		cpu.events = &events
		r := newTestRegistry(cpu)

		err := r.Init(func(r *Registry) error {
			_, err := r.NewFilter("")
			require.NoError(t, err)
			return errors.New("callback failed")
		})
		assert.ErrorIs(t, err, ErrInit)
		assert.Equal(t, RegistryFinalized, r.State())
		assert.Equal(t, []string{"cpu:init", "cpu:shutdown"}, events)
	})

	t.Run("may finalize the registry", func(t *testing.T) {
		var events []string
		cpu := newCounterMeter("cpu", 1, 1)
		cpu.events = &events
		r := newTestRegistry(cpu)

		done := make(chan error, 1)
		go func() {
			done <- r.Init(func(r *Registry) error {
				if err := r.Finalize(); err != nil {
					return err
				}
				return errors.New("no usable devices")
			})
		}()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrInit)
		case <-time.After(5 * time.Second):
			t.Fatal("Init did not return")
		}
		assert.Equal(t, RegistryFinalized, r.State())
		assert.Equal(t, []string{"cpu:init", "cpu:shutdown"}, events, "plugins are shut down once")
	})

	t.Run("failure after re-init keeps the new catalog", func(t *testing.T) {
		r := newTestRegistry(newCounterMeter("cpu", 1, 1))

		err := r.Init(func(r *Registry) error {
			require.NoError(t, r.Finalize())
			require.NoError(t, r.Init(nil))
			return errors.New("stale")
		})
		assert.ErrorIs(t, err, ErrInit)
		assert.Equal(t, RegistryReady, r.State())
		require.NoError(t, r.Finalize())
	})
}

type failingDiscoverer struct {
	Discoverer
	failed []string
}

func (d failingDiscoverer) Unavailable() []string {
	return d.failed
}

func TestRegistryUnavailableFromDiscoverer(t *testing.T) {
	broken := &MockPowerMeter{}
	broken.On("Name").Return("broken").Maybe()
	broken.On("Init").Return(errors.New("EPERM"))

	r := New(failingDiscoverer{
		Discoverer: Static(newCounterMeter("cpu", 1, 1), broken),
		failed:     []string{"nvml"},
	}, WithLogger(logger.Discard()))
	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	assert.Equal(t, []string{"nvml", "broken"}, r.Unavailable())
}

func TestRegistryFinalize(t *testing.T) {
	t.Run("reverse order", func(t *testing.T) {
		var events []string
		a := newCounterMeter("a", 1, 1)
		b := newCounterMeter("b", 1, 1)
		c := newCounterMeter("c", 1, 1)
		for _, m := range []*counterMeter{a, b, c} {
			m.events = &events
		}

		r := newTestRegistry(a, b, c)
		require.NoError(t, r.Init(nil))
		plugins, err := r.Plugins()
		require.NoError(t, err)

		require.NoError(t, r.Finalize())
		assert.Equal(t, []string{
			"a:init", "b:init", "c:init",
			"c:shutdown", "b:shutdown", "a:shutdown",
		}, events)
		assert.Equal(t, RegistryFinalized, r.State())
		assert.Equal(t, PluginFinalized, plugins[0].State())
	})

	t.Run("not initialized", func(t *testing.T) {
		r := newTestRegistry(newCounterMeter("a", 1, 1))
		assert.ErrorIs(t, r.Finalize(), ErrInvalidState)
	})

	t.Run("twice", func(t *testing.T) {
		r := newTestRegistry(newCounterMeter("a", 1, 1))
		require.NoError(t, r.Init(nil))
		require.NoError(t, r.Finalize())
		assert.ErrorIs(t, r.Finalize(), ErrInvalidState)
	})

	t.Run("outstanding filter", func(t *testing.T) {
		cpu := newCounterMeter("cpu", 1, 1)
		r := newTestRegistry(cpu)
		require.NoError(t, r.Init(nil))

		f, err := r.NewFilter("")
		require.NoError(t, err)

		assert.ErrorIs(t, r.Finalize(), ErrOutstandingReferences)
		assert.Equal(t, RegistryReady, r.State())
		assert.False(t, cpu.shutdown)

		require.NoError(t, f.Finalize())
		require.NoError(t, r.Finalize())
		assert.True(t, cpu.shutdown)
	})

	t.Run("outstanding region", func(t *testing.T) {
		r := newTestRegistry(newCounterMeter("cpu", 1, 1))
		require.NoError(t, r.Init(nil))

		f, err := r.NewFilter("")
		require.NoError(t, err)
		region, err := r.Define("work", f)
		require.NoError(t, err)

		assert.ErrorIs(t, f.Finalize(), ErrFilterInUse)
		assert.ErrorIs(t, r.Finalize(), ErrOutstandingReferences)

		require.NoError(t, region.Finalize())
		require.NoError(t, f.Finalize())
		require.NoError(t, r.Finalize())
	})

	t.Run("shutdown error", func(t *testing.T) {
		m := &MockPowerMeter{}
		m.On("Name").Return("flaky").Maybe()
		m.On("Init").Return(nil)
		m.On("Devices").Return([]device.Info{{Name: "d"}}, nil)
		m.On("Shutdown").Return(errors.New("stuck"))

		r := newTestRegistry(m)
		require.NoError(t, r.Init(nil))
		err := r.Finalize()
		assert.ErrorContains(t, err, "stuck")
		assert.Equal(t, RegistryFinalized, r.State())
		m.AssertExpectations(t)
	})
}

func TestRegistryReinit(t *testing.T) {
	cpu := newCounterMeter("cpu", 1, 5)
	r := newTestRegistry(cpu)

	require.NoError(t, r.Init(nil))
	f, err := r.NewFilter("")
	require.NoError(t, err)
	region, err := r.Define("before", f)
	require.NoError(t, err)
	require.NoError(t, region.Finalize())
	require.NoError(t, f.Finalize())
	require.NoError(t, r.Finalize())

	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })
	assert.Equal(t, RegistryReady, r.State())
	assert.Empty(t, r.Regions(), "regions do not survive a re-init")

	// a filter of the previous catalog stays unusable
	_, err = r.Define("stale", f)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestRegistryNotReady(t *testing.T) {
	r := newTestRegistry(newCounterMeter("cpu", 1, 1))

	_, err := r.Plugins()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = r.Devices()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = r.PluginDevices("cpu")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = r.NewFilter("")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryReadEnergy(t *testing.T) {
	cpu := newCounterMeter("cpu", 1, 7)
	r := newTestRegistry(cpu)
	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	devices, err := r.Devices()
	require.NoError(t, err)

	cpu.set(0, 100)
	e, err := r.ReadEnergy(devices[0])
	require.NoError(t, err)
	assert.Equal(t, device.Energy(100), e)

	e, err = r.ReadEnergy(devices[0])
	require.NoError(t, err)
	assert.Equal(t, device.Energy(107), e)

	cpu.failReads(errors.New("EIO"))
	_, err = r.ReadEnergy(devices[0])
	assert.ErrorIs(t, err, ErrCounterRead)
	assert.ErrorContains(t, err, "EIO")
}

func TestRegistryMockReads(t *testing.T) {
	m := &MockPowerMeter{}
	m.On("Name").Return("mock").Maybe()
	m.On("Init").Return(nil)
	m.On("Devices").Return([]device.Info{{Name: "pkg", Kind: device.KindCPU}}, nil)
	m.On("Energy", 0).Return(device.Energy(1000), nil).Once()
	m.On("Energy", 0).Return(device.Energy(4000), nil).Once()
	m.On("Shutdown").Return(nil)

	r := newTestRegistry(m)
	require.NoError(t, r.Init(nil))

	f, err := r.NewFilter("")
	require.NoError(t, err)
	region, err := r.Define("mocked", f)
	require.NoError(t, err)
	require.NoError(t, region.Begin())
	require.NoError(t, region.End())

	stats := region.Stats()
	assert.Equal(t, device.Energy(3000), stats.Devices[0].Energy)

	require.NoError(t, region.Finalize())
	require.NoError(t, f.Finalize())
	require.NoError(t, r.Finalize())
	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Energy", 2)
}

func TestRegistryPrintAll(t *testing.T) {
	r := newTestRegistry(newCounterMeter("cpu", 1, 10))
	require.NoError(t, r.Init(nil))
	t.Cleanup(func() { _ = r.Finalize() })

	f, err := r.NewFilter("")
	require.NoError(t, err)
	region, err := r.DefineRegion("loop", Location{File: "main.go", Line: 3, Function: "main"}, f)
	require.NoError(t, err)
	require.NoError(t, region.Begin())
	require.NoError(t, region.End())

	var buf bytes.Buffer
	require.NoError(t, r.PrintAll(&buf, FormatCSV))
	assert.Contains(t, buf.String(), "loop,main.go,3,main,1,cpu/cpu-a,cpu,10,")

	require.NoError(t, region.Finalize())
	require.NoError(t, f.Finalize())
}
