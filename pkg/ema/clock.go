// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Clock is a monotonic microsecond time source. Readings count from the
// creation of the Clock and are only meaningful as differences.
type Clock struct {
	clock clock.PassiveClock
	start time.Time
	last  atomic.Uint64
}

// NewClock returns a Clock driven by c; nil uses the real clock
func NewClock(c clock.PassiveClock) *Clock {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Clock{clock: c, start: c.Now()}
}

// NowMicroseconds never returns less than a previous call, even if the
// underlying clock steps backwards.
func (c *Clock) NowMicroseconds() uint64 {
	var now uint64
	if d := c.clock.Since(c.start); d > 0 {
		now = uint64(d.Microseconds())
	}

	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
