// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// TimedProvider bounds the time spent in the snapshot of another provider.
// Firmware that has not finished initializing its counters (e.g. at boot) can
// stall reads; when the budget is exceeded the snapshot is empty and the late
// result is dropped. At most one inner snapshot runs at a time: while a late
// one is still outstanding, further snapshots are empty and start nothing.
type TimedProvider struct {
	inner  Provider
	budget time.Duration
	clock  clock.Clock
	logger *slog.Logger

	inflight atomic.Bool
}

var _ Provider = (*TimedProvider)(nil)

// TimedOptionFn configures a TimedProvider
type TimedOptionFn func(*TimedProvider)

// WithTimedClock sets the clock used to measure the budget
func WithTimedClock(c clock.Clock) TimedOptionFn {
	return func(p *TimedProvider) {
		p.clock = c
	}
}

// WithTimedLogger sets the logger for the provider
func WithTimedLogger(logger *slog.Logger) TimedOptionFn {
	return func(p *TimedProvider) {
		p.logger = logger.With("provider", p.inner.Name())
	}
}

// NewTimedProvider wraps inner with a freshness budget. A zero or negative
// budget disables the bound.
func NewTimedProvider(inner Provider, budget time.Duration, opts ...TimedOptionFn) *TimedProvider {
	p := &TimedProvider{
		inner:  inner,
		budget: budget,
		clock:  clock.RealClock{},
		logger: slog.Default().With("provider", inner.Name()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TimedProvider) Name() string {
	return p.inner.Name()
}

func (p *TimedProvider) PowerEntities() []PowerEntity {
	return p.inner.PowerEntities()
}

func (p *TimedProvider) Snapshot() []StateResidency {
	if p.budget <= 0 {
		return p.inner.Snapshot()
	}

	if !p.inflight.CompareAndSwap(false, true) {
		p.logger.Warn("previous state residency snapshot still running, skipping")
		return nil
	}

	// buffered so that a late snapshot never blocks its goroutine
	done := make(chan []StateResidency, 1)
	go func() {
		defer p.inflight.Store(false)
		done <- p.inner.Snapshot()
	}()

	timer := p.clock.NewTimer(p.budget)
	defer timer.Stop()

	select {
	case records := <-done:
		return records
	case <-timer.C():
		p.logger.Warn("state residency snapshot exceeded freshness budget", "budget", p.budget)
		return nil
	}
}
