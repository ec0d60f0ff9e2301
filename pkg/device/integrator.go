// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Integrator turns instantaneous power samples into a cumulative energy
// counter for backends that only report power. Consecutive samples are
// combined with the trapezoidal rule.
type Integrator struct {
	clock clock.PassiveClock

	mu        sync.Mutex
	started   bool
	lastAt    time.Time
	lastPower Power
	total     Energy
}

// NewIntegrator returns an Integrator timed by c
func NewIntegrator(c clock.PassiveClock) *Integrator {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Integrator{clock: c}
}

// Add records a power sample taken now and returns the updated counter
func (i *Integrator) Add(p Power) Energy {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock.Now()
	if !i.started {
		i.started = true
		i.lastAt = now
		i.lastPower = p
		return i.total
	}

	elapsed := now.Sub(i.lastAt)
	i.total += ((i.lastPower + p) / 2).Over(elapsed)
	i.lastAt = now
	i.lastPower = p
	return i.total
}

// Total returns the counter without taking a new sample
func (i *Integrator) Total() Energy {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.total
}
