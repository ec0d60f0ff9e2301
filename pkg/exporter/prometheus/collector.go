// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes region totals as Prometheus metrics. It only
// implements prometheus.Collector; serving them is left to the application.
package prometheus

import (
	"log/slog"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/energy-measurement/ema/internal/version"
	"github.com/energy-measurement/ema/pkg/ema"
)

const namespace = "ema"

// RegionStatsProvider is satisfied by *ema.Registry
type RegionStatsProvider interface {
	Regions() []ema.RegionStats
}

// RegionCollector reports the accumulated totals of every region on each
// scrape
type RegionCollector struct {
	provider RegionStatsProvider
	logger   *slog.Logger

	mutex sync.Mutex

	visitsDesc        *prom.Desc
	elapsedDesc       *prom.Desc
	energyDesc        *prom.Desc
	deviceElapsedDesc *prom.Desc
}

var _ prom.Collector = (*RegionCollector)(nil)

// NewRegionCollector creates a collector reading from provider
func NewRegionCollector(provider RegionStatsProvider, logger *slog.Logger) *RegionCollector {
	// these labels should remain the same across all descriptors to ease querying
	regionLabels := []string{"region_id", "region", "location", "state"}
	deviceLabels := append(regionLabels[:len(regionLabels):len(regionLabels)], "plugin", "device", "kind")

	if logger == nil {
		logger = slog.Default()
	}
	return &RegionCollector{
		provider: provider,
		logger:   logger.With("collector", "region"),

		visitsDesc: prom.NewDesc(
			prom.BuildFQName(namespace, "region", "visits_total"),
			"Number of completed measurement epochs of a region",
			regionLabels, nil),
		elapsedDesc: prom.NewDesc(
			prom.BuildFQName(namespace, "region", "elapsed_seconds_total"),
			"Wall time spent inside a region in seconds",
			regionLabels, nil),
		energyDesc: prom.NewDesc(
			prom.BuildFQName(namespace, "region", "energy_joules_total"),
			"Energy consumed by a device inside a region in joules",
			deviceLabels, nil),
		deviceElapsedDesc: prom.NewDesc(
			prom.BuildFQName(namespace, "region", "device_elapsed_seconds_total"),
			"Time a device was measured inside a region in seconds",
			deviceLabels, nil),
	}
}

func (c *RegionCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.visitsDesc
	ch <- c.elapsedDesc
	ch <- c.energyDesc
	ch <- c.deviceElapsedDesc
}

func (c *RegionCollector) Collect(ch chan<- prom.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := c.provider.Regions()
	c.logger.Debug("Collecting region metrics", "regions", len(stats))

	for _, s := range stats {
		labels := []string{s.ID, s.Name, s.Location.String(), s.State.String()}

		ch <- prom.MustNewConstMetric(c.visitsDesc, prom.CounterValue, float64(s.Visits), labels...)
		ch <- prom.MustNewConstMetric(c.elapsedDesc, prom.CounterValue, s.Elapsed.Seconds(), labels...)

		for _, d := range s.Devices {
			deviceLabels := append(labels[:len(labels):len(labels)], d.Plugin, d.Name, string(d.Kind))
			ch <- prom.MustNewConstMetric(c.energyDesc, prom.CounterValue, d.Energy.Joules(), deviceLabels...)
			ch <- prom.MustNewConstMetric(c.deviceElapsedDesc, prom.CounterValue, d.Elapsed.Seconds(), deviceLabels...)
		}
	}
}

// BuildInfoCollector exports a constant 1 labeled with version information
type BuildInfoCollector struct {
	buildInfo *prom.GaugeVec
}

func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		buildInfo: prom.NewGaugeVec(
			prom.GaugeOpts{
				Namespace: namespace,
				Subsystem: "build",
				Name:      "info",
				Help:      "A metric with a constant '1' value labeled with version information",
			},
			[]string{"arch", "branch", "revision", "version", "goversion"},
		),
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	c.buildInfo.Describe(ch)
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := version.Info()
	c.buildInfo.WithLabelValues(
		info.GoArch,
		info.GitBranch,
		info.GitCommit,
		info.Version,
		info.GoVersion,
	).Set(1)
	c.buildInfo.Collect(ch)
}

// Register adds the region and build info collectors to reg
func Register(reg prom.Registerer, provider RegionStatsProvider, logger *slog.Logger) error {
	for _, c := range []prom.Collector{
		NewRegionCollector(provider, logger),
		NewBuildInfoCollector(),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile writes the current totals of provider to path in the text
// exposition format, for node_exporter's textfile collector
func WriteTextfile(path string, provider RegionStatsProvider, logger *slog.Logger) error {
	reg := prom.NewRegistry()
	if err := Register(reg, provider, logger); err != nil {
		return err
	}
	return prom.WriteToTextfile(path, reg)
}
