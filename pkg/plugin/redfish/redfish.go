// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package redfish reads chassis power from a BMC through the Redfish Power
// API and integrates it into energy counters.
package redfish

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"
	"k8s.io/utils/clock"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	Name = "redfish"

	DefaultHTTPTimeout    = 5 * time.Second
	DefaultSampleInterval = 5 * time.Second
)

// powerControl is one PowerControl entry of a chassis
type powerControl struct {
	chassis  *redfish.Chassis
	memberID string
	index    int
	energy   *device.Integrator
}

// PowerMeter exposes one device per chassis PowerControl entry
type PowerMeter struct {
	logger         *slog.Logger
	clock          clock.PassiveClock
	cfg            gofish.ClientConfig
	sampleInterval time.Duration

	mu       sync.RWMutex
	client   *gofish.APIClient
	controls []*powerControl
	infos    []device.Info
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

func WithCredentials(username, password string) OptionFn {
	return func(pm *PowerMeter) {
		pm.cfg.Username = username
		pm.cfg.Password = password
	}
}

// WithInsecure skips verification of the BMC certificate
func WithInsecure(insecure bool) OptionFn {
	return func(pm *PowerMeter) {
		pm.cfg.Insecure = insecure
	}
}

func WithHTTPTimeout(d time.Duration) OptionFn {
	return func(pm *PowerMeter) {
		if pm.cfg.HTTPClient == nil {
			pm.cfg.HTTPClient = &http.Client{}
		}
		pm.cfg.HTTPClient.Timeout = d
	}
}

// WithSampleInterval sets how often the counters ask to be read so the
// integration follows power changes
func WithSampleInterval(d time.Duration) OptionFn {
	return func(pm *PowerMeter) {
		pm.sampleInterval = d
	}
}

// NewPowerMeter creates a meter for the BMC at endpoint. The BMC is
// contacted by Init.
func NewPowerMeter(endpoint string, opts ...OptionFn) (*PowerMeter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("redfish: endpoint is required")
	}

	pm := &PowerMeter{
		logger: slog.Default(),
		clock:  clock.RealClock{},
		cfg: gofish.ClientConfig{
			Endpoint:   endpoint,
			HTTPClient: &http.Client{Timeout: DefaultHTTPTimeout},
		},
		sampleInterval: DefaultSampleInterval,
	}
	for _, opt := range opts {
		opt(pm)
	}
	if pm.sampleInterval <= 0 {
		return nil, fmt.Errorf("redfish: sample interval must be positive, got %s", pm.sampleInterval)
	}

	if pm.cfg.Insecure {
		pm.cfg.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	pm.logger = pm.logger.With("plugin", Name)
	return pm, nil
}

func (pm *PowerMeter) Name() string {
	return Name
}

// Init connects to the BMC and enumerates the PowerControl entries of every
// chassis. Chassis without the Power API are skipped.
func (pm *PowerMeter) Init() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.client != nil {
		return nil
	}

	client, err := gofish.Connect(pm.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to BMC at %s: %w", pm.cfg.Endpoint, err)
	}

	needsCleanup := true
	defer func() {
		if needsCleanup {
			client.Logout()
		}
	}()

	if client.Service == nil {
		return fmt.Errorf("BMC service is not available")
	}
	chassis, err := client.Service.Chassis()
	if err != nil {
		return fmt.Errorf("failed to get chassis collection: %w", err)
	}

	var controls []*powerControl
	var infos []device.Info
	for i, ch := range chassis {
		if ch == nil {
			pm.logger.Warn("Skipping nil chassis", "index", i)
			continue
		}
		power, err := ch.Power()
		if err != nil || power == nil {
			pm.logger.Warn("Chassis has no power information, skipping", "chassis_id", ch.ID, "error", err)
			continue
		}

		for j, pc := range power.PowerControl {
			memberID := pc.MemberID
			if memberID == "" {
				memberID = fmt.Sprintf("%d", j)
			}
			controls = append(controls, &powerControl{
				chassis:  ch,
				memberID: memberID,
				index:    j,
				energy:   device.NewIntegrator(pm.clock),
			})
			infos = append(infos, device.Info{
				Name:           fmt.Sprintf("chassis-%s/%s", ch.ID, memberID),
				UID:            fmt.Sprintf("%s%s/Power#/PowerControl/%s", pm.cfg.Endpoint, ch.ODataID, memberID),
				Kind:           device.KindNode,
				UpdateInterval: pm.sampleInterval,
			})
			pm.logger.Info("Discovered power control",
				"chassis_id", ch.ID, "member_id", memberID, "name", pc.Name,
				"power_watts", pc.PowerConsumedWatts)
		}
	}

	if len(controls) == 0 {
		return fmt.Errorf("no chassis with power control found at %s", pm.cfg.Endpoint)
	}

	pm.client = client
	pm.controls = controls
	pm.infos = infos
	needsCleanup = false
	return nil
}

// Shutdown logs out from the BMC
func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.client == nil {
		return nil
	}
	pm.client.Logout()
	pm.client = nil
	pm.controls = nil
	pm.infos = nil
	return nil
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.client == nil {
		return nil, fmt.Errorf("redfish: not initialized")
	}
	return slices.Clone(pm.infos), nil
}

// Energy samples the current chassis power and returns the integrated
// counter in microjoules
func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if index < 0 || index >= len(pm.controls) {
		return 0, fmt.Errorf("redfish: no power control at index %d", index)
	}
	pc := pm.controls[index]

	power, err := pc.chassis.Power()
	if err != nil {
		return 0, fmt.Errorf("failed to read power of chassis %s: %w", pc.chassis.ID, err)
	}
	if power == nil || pc.index >= len(power.PowerControl) {
		return 0, fmt.Errorf("chassis %s lost power control %s", pc.chassis.ID, pc.memberID)
	}

	watts := power.PowerControl[pc.index].PowerConsumedWatts
	return pc.energy.Add(device.Power(watts) * device.Watt), nil
}
