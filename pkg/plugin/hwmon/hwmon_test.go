// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package hwmon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/pkg/device"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644))
	}
}

// sysfsFixture lays out an amd_energy style chip with two energy sensors and
// a power sensor, plus a chip without any sensor of interest
func sysfsFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "class", "hwmon", "hwmon0"), map[string]string{
		"name":          "amd_energy",
		"energy1_input": "1000000",
		"energy1_label": "Esocket0",
		"energy2_input": "500000",
		"energy2_label": "Ecore000",
		"power1_input":  "60000000",
		"power1_label":  "PPT",
	})
	writeFiles(t, filepath.Join(root, "class", "hwmon", "hwmon1"), map[string]string{
		"name":        "nvme",
		"temp1_input": "41000",
	})
	return root
}

func TestPowerMeterEnergySensors(t *testing.T) {
	root := sysfsFixture(t)
	pm, err := NewPowerMeter(root, WithLogger(logger.Discard()))
	require.NoError(t, err)
	assert.Equal(t, Name, pm.Name())

	require.NoError(t, pm.Init())
	t.Cleanup(func() { assert.NoError(t, pm.Shutdown()) })

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 2, "power sensors are ignored without integration")

	assert.Equal(t, "amd_energy/esocket0", infos[0].Name)
	assert.Equal(t, device.KindCPU, infos[0].Kind)
	assert.Equal(t, "amd_energy/ecore000", infos[1].Name)
	assert.Equal(t, device.KindCore, infos[1].Kind)
	assert.Zero(t, infos[0].UpdateInterval)

	e, err := pm.Energy(0)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(1_000_000), e)

	writeFiles(t, filepath.Join(root, "class", "hwmon", "hwmon0"), map[string]string{"energy1_input": "1250000"})
	e, err = pm.Energy(0)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(1_250_000), e)

	_, err = pm.Energy(2)
	assert.Error(t, err)
}

func TestPowerMeterPowerIntegration(t *testing.T) {
	root := sysfsFixture(t)
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	pm, err := NewPowerMeter(root, WithLogger(logger.Discard()), WithPowerIntegration(true), WithClock(fc))
	require.NoError(t, err)
	require.NoError(t, pm.Init())

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "amd_energy/ppt", infos[2].Name)
	assert.Equal(t, powerUpdateInterval, infos[2].UpdateInterval)

	e, err := pm.Energy(2)
	require.NoError(t, err)
	assert.Zero(t, e, "first sample starts the integration")

	fc.Step(2 * time.Second)
	e, err = pm.Energy(2)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(120_000_000), e, "60 W for 2 s")
}

func TestPowerMeterZoneFilter(t *testing.T) {
	root := sysfsFixture(t)
	pm, err := NewPowerMeter(root, WithLogger(logger.Discard()), WithZoneFilter([]string{"ESocket0"}))
	require.NoError(t, err)
	require.NoError(t, pm.Init())

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "amd_energy/esocket0", infos[0].Name)

	none, err := NewPowerMeter(root, WithLogger(logger.Discard()), WithZoneFilter([]string{"gpu"}))
	require.NoError(t, err)
	assert.Error(t, none.Init())
}

func TestPowerMeterUnlabeled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "class", "hwmon", "hwmon3"), map[string]string{
		"energy7_input": "42",
	})
	pm, err := NewPowerMeter(root, WithLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, pm.Init())

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "hwmon3/energy7", infos[0].Name)
	assert.Equal(t, device.KindUnknown, infos[0].Kind)
}

func TestPowerMeterUnavailable(t *testing.T) {
	t.Run("no hwmon class", func(t *testing.T) {
		pm, err := NewPowerMeter(t.TempDir(), WithLogger(logger.Discard()))
		require.NoError(t, err)
		assert.Error(t, pm.Init())
		_, err = pm.Devices()
		assert.Error(t, err)
	})

	t.Run("garbage value", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, filepath.Join(root, "class", "hwmon", "hwmon0"), map[string]string{
			"energy1_input": "n/a",
		})
		pm, err := NewPowerMeter(root, WithLogger(logger.Discard()))
		require.NoError(t, err)
		assert.Error(t, pm.Init())
	})
}

func TestCleanName(t *testing.T) {
	assert.Equal(t, "esocket0", cleanName("Esocket0\n"))
	assert.Equal(t, "cpu_power", cleanName(" CPU Power "))
	assert.Equal(t, "a_b", cleanName("__a-b__"))
}
