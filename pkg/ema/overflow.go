// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/energy-measurement/ema/pkg/device"
)

const defaultOverflowInterval = time.Second

// trackedDevice extends a narrow counter to 64 bits by counting wraps
type trackedDevice struct {
	dev *device.Device
	max device.Energy

	mu     sync.Mutex
	primed bool
	last   device.Energy
	wraps  uint64
}

// sample reads the hardware counter and returns the extended value. The read
// happens under the device lock so that wraps are detected in read order.
func (t *trackedDevice) sample() (device.Energy, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.dev.Read()
	if err != nil {
		return 0, err
	}
	if t.primed && raw < t.last {
		t.wraps++
	}
	t.primed = true
	t.last = raw
	return device.Energy(t.wraps)*(t.max+1) + raw, nil
}

// overflowTracker polls narrow counters often enough to never miss a wrap
type overflowTracker struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	interval time.Duration

	devices map[*device.Device]*trackedDevice
	order   []*trackedDevice
	reads   singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// newOverflowTracker returns nil when no device needs tracking. A zero
// interval selects the smallest update interval of the tracked devices.
func newOverflowTracker(logger *slog.Logger, c clock.WithTicker, interval time.Duration, devices []*device.Device) *overflowTracker {
	t := &overflowTracker{
		logger:  logger.With("service", "overflow-tracker"),
		clock:   c,
		devices: make(map[*device.Device]*trackedDevice),
	}

	var shortest time.Duration
	for _, d := range devices {
		info := d.Info()
		if info.Max() == math.MaxUint64 {
			continue
		}
		td := &trackedDevice{dev: d, max: info.Max()}
		t.devices[d] = td
		t.order = append(t.order, td)

		if ui := info.UpdateInterval; ui > 0 && (shortest == 0 || ui < shortest) {
			shortest = ui
		}
	}
	if len(t.order) == 0 {
		return nil
	}

	switch {
	case interval > 0:
		t.interval = interval
	case shortest > 0:
		t.interval = shortest
	default:
		t.interval = defaultOverflowInterval
	}
	return t
}

func (t *overflowTracker) tracks(d *device.Device) bool {
	_, ok := t.devices[d]
	return ok
}

// read returns the extended counter of d. Concurrent reads of the same device
// share one hardware read.
func (t *overflowTracker) read(d *device.Device) (device.Energy, error) {
	td := t.devices[d]
	key := d.Plugin() + "/" + strconv.Itoa(d.Index())
	v, err, _ := t.reads.Do(key, func() (any, error) {
		return td.sample()
	})
	if err != nil {
		return 0, err
	}
	return v.(device.Energy), nil
}

func (t *overflowTracker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	t.poll()
	t.logger.Debug("Tracking counter overflows", "devices", len(t.order), "interval", t.interval)
	go t.loop(ctx)
}

func (t *overflowTracker) loop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-t.clock.After(t.interval):
			t.poll()
		case <-ctx.Done():
			return
		}
	}
}

func (t *overflowTracker) poll() {
	for _, td := range t.order {
		if _, err := t.read(td.dev); err != nil {
			t.logger.Debug("Failed to poll counter", "device", td.dev.String(), "error", err)
		}
	}
}

func (t *overflowTracker) stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
}
