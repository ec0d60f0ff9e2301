// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package mqtt reads energy counters published by remote agents over MQTT.
// A header topic announces the devices and each device publishes its
// counter on its own topic.
package mqtt

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/energy-measurement/ema/pkg/device"
)

const (
	Name = "mqtt"

	DefaultTopic   = "ema/devices"
	DefaultTimeout = 5 * time.Second
)

type remote struct {
	topic string

	mu     sync.Mutex
	latest Sample
	first  chan struct{}
	seen   bool
}

func (r *remote) update(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = s
	if !r.seen {
		r.seen = true
		close(r.first)
	}
}

func (r *remote) sample() Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// PowerMeter exposes the devices announced on the header topic
type PowerMeter struct {
	logger  *slog.Logger
	topic   string
	timeout time.Duration
	client  subscriber

	mu        sync.RWMutex
	connected bool
	remotes   []*remote
	byTopic   map[string]*remote
	infos     []device.Info
}

var _ device.PowerMeter = (*PowerMeter)(nil)

type config struct {
	clientID string
	username string
	password string
}

type OptionFn func(*PowerMeter, *config)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(pm *PowerMeter, _ *config) {
		pm.logger = logger
	}
}

// WithTopic sets the header topic devices are announced on
func WithTopic(topic string) OptionFn {
	return func(pm *PowerMeter, _ *config) {
		pm.topic = topic
	}
}

// WithTimeout bounds connecting, subscribing and waiting for the first
// message of a topic
func WithTimeout(d time.Duration) OptionFn {
	return func(pm *PowerMeter, _ *config) {
		pm.timeout = d
	}
}

func WithClientID(id string) OptionFn {
	return func(_ *PowerMeter, c *config) {
		c.clientID = id
	}
}

func WithCredentials(username, password string) OptionFn {
	return func(_ *PowerMeter, c *config) {
		c.username = username
		c.password = password
	}
}

func withClient(s subscriber) OptionFn {
	return func(pm *PowerMeter, _ *config) {
		pm.client = s
	}
}

// NewPowerMeter creates a meter reading from broker, e.g. tcp://localhost:1883
func NewPowerMeter(broker string, opts ...OptionFn) (*PowerMeter, error) {
	if broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}

	pm := &PowerMeter{
		logger:  slog.Default(),
		topic:   DefaultTopic,
		timeout: DefaultTimeout,
	}
	cfg := &config{clientID: "ema-" + uuid.NewString()}
	for _, opt := range opts {
		opt(pm, cfg)
	}

	if pm.topic == "" {
		return nil, fmt.Errorf("mqtt: header topic is required")
	}
	if pm.timeout <= 0 {
		return nil, fmt.Errorf("mqtt: timeout must be positive, got %s", pm.timeout)
	}
	if pm.client == nil {
		pm.client = newPahoClient(broker, cfg.clientID, cfg.username, cfg.password, pm.timeout)
	}
	pm.logger = pm.logger.With("plugin", Name, "broker", broker)
	return pm, nil
}

func (pm *PowerMeter) Name() string {
	return Name
}

// Init connects, waits for the device header and subscribes to every
// announced device topic
func (pm *PowerMeter) Init() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.connected {
		return nil
	}

	if err := pm.client.Connect(); err != nil {
		return err
	}
	needsCleanup := true
	defer func() {
		if needsCleanup {
			pm.client.Disconnect()
		}
	}()

	headers := make(chan []byte, 1)
	err := pm.client.Subscribe(pm.topic, func(_ string, payload []byte) {
		select {
		case headers <- slices.Clone(payload):
		default:
		}
	})
	if err != nil {
		return err
	}

	var payload []byte
	select {
	case payload = <-headers:
	case <-time.After(pm.timeout):
		return fmt.Errorf("no device header on %q within %s", pm.topic, pm.timeout)
	}

	announced, err := ParseHeader(payload)
	if err != nil {
		return fmt.Errorf("invalid device header on %q: %w", pm.topic, err)
	}

	remotes := make([]*remote, 0, len(announced))
	byTopic := make(map[string]*remote, len(announced))
	infos := make([]device.Info, 0, len(announced))
	for _, a := range announced {
		if _, dup := byTopic[a.Topic]; dup {
			pm.logger.Warn("Skipping device with duplicate topic", "name", a.Name, "topic", a.Topic)
			continue
		}
		r := &remote{topic: a.Topic, first: make(chan struct{})}
		remotes = append(remotes, r)
		byTopic[a.Topic] = r
		infos = append(infos, device.Info{
			Name:      a.Name,
			UID:       a.Topic,
			Kind:      a.Kind(),
			MaxEnergy: device.Energy(math.MaxUint64),
		})
	}

	for _, r := range remotes {
		if err := pm.client.Subscribe(r.topic, pm.onSample); err != nil {
			return err
		}
	}

	pm.remotes = remotes
	pm.byTopic = byTopic
	pm.infos = infos
	pm.connected = true
	needsCleanup = false
	pm.logger.Info("MQTT devices announced", "topic", pm.topic, "devices", len(infos))
	return nil
}

// onSample runs on the client's delivery goroutine. Messages delivered while
// Init still holds the lock wait for it to publish the topic map.
func (pm *PowerMeter) onSample(topic string, payload []byte) {
	pm.mu.RLock()
	r := pm.byTopic[topic]
	pm.mu.RUnlock()
	if r == nil {
		return
	}

	s, err := ParseSample(payload)
	if err != nil {
		pm.logger.Warn("Dropping malformed energy message", "topic", topic, "error", err)
		return
	}
	r.update(s)
}

func (pm *PowerMeter) Shutdown() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.connected {
		return nil
	}
	pm.client.Disconnect()
	pm.connected = false
	pm.remotes = nil
	pm.byTopic = nil
	pm.infos = nil
	return nil
}

func (pm *PowerMeter) Devices() ([]device.Info, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if !pm.connected {
		return nil, fmt.Errorf("mqtt: not connected")
	}
	return slices.Clone(pm.infos), nil
}

// Energy returns the latest counter published for the device. Before the
// first message it waits up to the configured timeout.
func (pm *PowerMeter) Energy(index int) (device.Energy, error) {
	pm.mu.RLock()
	if index < 0 || index >= len(pm.remotes) {
		pm.mu.RUnlock()
		return 0, fmt.Errorf("mqtt: no device at index %d", index)
	}
	r := pm.remotes[index]
	pm.mu.RUnlock()

	select {
	case <-r.first:
	case <-time.After(pm.timeout):
		return 0, fmt.Errorf("no energy message on %q within %s", r.topic, pm.timeout)
	}
	return r.sample().Energy, nil
}
