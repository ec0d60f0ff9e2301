// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/pkg/device"
	"github.com/energy-measurement/ema/pkg/ema"
	"github.com/energy-measurement/ema/pkg/plugin/fake"
)

var (
	_ ema.Discoverer          = (*Catalog)(nil)
	_ ema.UnavailableReporter = (*Catalog)(nil)
)

func fakeFactory(name string) Factory {
	return func(logger *slog.Logger) (device.PowerMeter, error) {
		return fake.NewPowerMeter(fake.WithName(name), fake.WithLogger(logger))
	}
}

func TestCatalogOrder(t *testing.T) {
	c := NewCatalog(logger.Discard())
	c.Register("b", fakeFactory("b"))
	c.Register("a", fakeFactory("a"))
	c.Register("c", fakeFactory("c"))
	assert.Equal(t, []string{"b", "a", "c"}, c.Names())

	c.Register("a", fakeFactory("a2"))
	assert.Equal(t, []string{"b", "a", "c"}, c.Names(), "re-register keeps position")

	meters, err := c.Discover()
	require.NoError(t, err)
	require.Len(t, meters, 3)
	assert.Equal(t, "a2", meters[1].Name())

	c.Unregister("b")
	assert.Equal(t, []string{"a", "c"}, c.Names())
}

func TestCatalogSkipsFailingFactories(t *testing.T) {
	c := NewCatalog(nil)
	c.Register("missing", func(*slog.Logger) (device.PowerMeter, error) {
		return nil, errors.New("libnvidia-ml.so not found")
	})
	c.Register("nil", func(*slog.Logger) (device.PowerMeter, error) {
		return nil, nil
	})
	c.Register("fake", fakeFactory("fake"))

	meters, err := c.Discover()
	require.NoError(t, err)
	require.Len(t, meters, 1)
	assert.Equal(t, "fake", meters[0].Name())
}

func TestCatalogDrivesRegistry(t *testing.T) {
	c := NewCatalog(logger.Discard())
	c.Register("fake", fakeFactory("fake"))

	r := ema.New(c, ema.WithLogger(logger.Discard()))
	require.NoError(t, r.Init(nil))

	devices, err := r.Devices()
	require.NoError(t, err)
	assert.NotEmpty(t, devices)
	require.NoError(t, r.Finalize())
}

func TestCatalogUnavailable(t *testing.T) {
	c := NewCatalog(logger.Discard())
	c.Register("nvml", func(*slog.Logger) (device.PowerMeter, error) {
		return nil, errors.New("libnvidia-ml.so not found")
	})
	c.Register("fake", fakeFactory("fake"))
	assert.Empty(t, c.Unavailable())

	r := ema.New(c, ema.WithLogger(logger.Discard()))
	require.NoError(t, r.Init(nil))
	assert.Equal(t, []string{"nvml"}, c.Unavailable())

	assert.Contains(t, r.Unavailable(), "nvml")
	require.NoError(t, r.Finalize())

	// a later discovery replaces the list
	c.Unregister("nvml")
	_, err := c.Discover()
	require.NoError(t, err)
	assert.Empty(t, c.Unavailable())
}
