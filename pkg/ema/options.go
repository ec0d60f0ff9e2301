// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger           *slog.Logger
	clock            clock.WithTicker
	trackOverflow    bool
	overflowInterval time.Duration
}

// DefaultOpts returns the options used by New when none are given
func DefaultOpts() Opts {
	return Opts{
		logger:        slog.Default(),
		clock:         clock.RealClock{},
		trackOverflow: false,
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger of the Registry
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for region timing and overflow polling
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithOverflowTracking enables the background poller that extends narrow
// counters to 64 bits
func WithOverflowTracking(enabled bool) OptionFn {
	return func(o *Opts) {
		o.trackOverflow = enabled
	}
}

// WithOverflowInterval overrides the polling interval of the overflow
// tracker; zero derives it from the devices
func WithOverflowInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.overflowInterval = d
	}
}
