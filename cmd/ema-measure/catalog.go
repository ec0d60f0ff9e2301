// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"path/filepath"

	"k8s.io/utils/ptr"

	"github.com/energy-measurement/ema/config"
	"github.com/energy-measurement/ema/pkg/device"
	"github.com/energy-measurement/ema/pkg/ema"
	"github.com/energy-measurement/ema/pkg/plugin"
	"github.com/energy-measurement/ema/pkg/plugin/fake"
	"github.com/energy-measurement/ema/pkg/plugin/hwmon"
	"github.com/energy-measurement/ema/pkg/plugin/mqtt"
	"github.com/energy-measurement/ema/pkg/plugin/msr"
	"github.com/energy-measurement/ema/pkg/plugin/nvml"
	"github.com/energy-measurement/ema/pkg/plugin/rapl"
	"github.com/energy-measurement/ema/pkg/plugin/redfish"
)

// newCatalog registers a factory for every backend enabled in cfg, in the
// order the registry initializes them
func newCatalog(cfg *config.Config, logger *slog.Logger) *plugin.Catalog {
	c := plugin.NewCatalog(logger)

	if ptr.Deref(cfg.Dev.Fake.Enabled, false) {
		c.Register(fake.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			opts := []fake.OptFn{fake.WithLogger(l)}
			if len(cfg.Dev.Fake.Zones) > 0 {
				opts = append(opts, fake.WithZones(cfg.Dev.Fake.Zones...))
			}
			return fake.NewPowerMeter(opts...)
		})
	}

	if ptr.Deref(cfg.Rapl.Enabled, false) {
		c.Register(rapl.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			return rapl.NewPowerMeter(cfg.Host.SysFS,
				rapl.WithLogger(l),
				rapl.WithZoneFilter(cfg.Rapl.Zones),
			)
		})
	}

	if ptr.Deref(cfg.MSR.Enabled, false) {
		c.Register(msr.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			devicePath := cfg.MSR.DevicePath
			if devicePath == "" {
				devicePath = filepath.Join(cfg.Host.DevFS, "cpu", "%d", "msr")
			}
			return msr.NewPowerMeter(
				msr.WithLogger(l),
				msr.WithDevicePath(devicePath),
				msr.WithSysFSPath(cfg.Host.SysFS),
			)
		})
	}

	if ptr.Deref(cfg.Hwmon.Enabled, false) {
		c.Register(hwmon.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			return hwmon.NewPowerMeter(cfg.Host.SysFS,
				hwmon.WithLogger(l),
				hwmon.WithZoneFilter(cfg.Hwmon.Zones),
				hwmon.WithPowerIntegration(ptr.Deref(cfg.Hwmon.IntegratePower, false)),
			)
		})
	}

	if ptr.Deref(cfg.NVML.Enabled, false) {
		c.Register(nvml.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			return nvml.NewPowerMeter(nvml.WithLogger(l))
		})
	}

	if cfg.RedfishEnabled() {
		c.Register(redfish.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			return redfish.NewPowerMeter(cfg.Redfish.Endpoint,
				redfish.WithLogger(l),
				redfish.WithCredentials(cfg.Redfish.Username, cfg.Redfish.Password),
				redfish.WithInsecure(ptr.Deref(cfg.Redfish.Insecure, false)),
				redfish.WithHTTPTimeout(cfg.Redfish.HTTPTimeout),
				redfish.WithSampleInterval(cfg.Redfish.SampleInterval),
			)
		})
	}

	if cfg.MQTTEnabled() {
		c.Register(mqtt.Name, func(l *slog.Logger) (device.PowerMeter, error) {
			opts := []mqtt.OptionFn{
				mqtt.WithLogger(l),
				mqtt.WithTopic(cfg.MQTT.Topic),
				mqtt.WithTimeout(cfg.MQTT.Timeout),
				mqtt.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password),
			}
			if cfg.MQTT.ClientID != "" {
				opts = append(opts, mqtt.WithClientID(cfg.MQTT.ClientID))
			}
			return mqtt.NewPowerMeter(cfg.MQTT.Broker, opts...)
		})
	}

	return c
}

// newRegistry creates an uninitialized registry discovering the catalog of cfg
func newRegistry(cfg *config.Config, logger *slog.Logger) *ema.Registry {
	return ema.New(newCatalog(cfg, logger),
		ema.WithLogger(logger),
		ema.WithOverflowTracking(ptr.Deref(cfg.Overflow.Enabled, false)),
		ema.WithOverflowInterval(cfg.Overflow.Interval),
	)
}
