// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger     *slog.Logger
	interval   time.Duration
	capacity   int
	staleAfter int
	clock      clock.WithTicker
}

// DefaultOpts returns the default sampler options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		interval:   time.Second,
		capacity:   60,
		staleAfter: 3,
		clock:      clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Sampler
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithInterval sets the sampling period
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithCapacity sets how many samples the ring buffer retains
func WithCapacity(n int) OptionFn {
	return func(o *Opts) {
		o.capacity = n
	}
}

// WithStaleAfter sets the number of consecutive failed reads after which
// measurements are flagged stale
func WithStaleAfter(n int) OptionFn {
	return func(o *Opts) {
		o.staleAfter = n
	}
}

// WithClock sets the clock the Sampler
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}
