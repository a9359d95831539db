// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

var (
	ErrRunning     = errors.New("meter: sampler already running")
	ErrNoChannels  = errors.New("meter: energy meter reports no channels")
	ErrInvalidOpts = errors.New("meter: invalid sampler options")
)

// EnergyMeasurement is the energy accumulated by one channel. TimestampMs is
// the wall-clock time of the sample in ms since the epoch and DurationMs the
// span over which Energy accumulated.
type EnergyMeasurement struct {
	ChannelID   int32
	TimestampMs int64
	DurationMs  int64
	Energy      device.Energy
}

// Measurements is the answer to a meter query. Stale is set when the meter
// has failed repeatedly and Values may be outdated.
type Measurements struct {
	Values []EnergyMeasurement
	Stale  bool
}

// sample is one complete reading of every channel. Samples are never
// modified once appended to the ring.
type sample struct {
	timestamp time.Time
	energy    map[int32]device.Energy
}

// Sampler periodically reads an energy meter and keeps a bounded history of
// the readings. Its accumulators never go backwards, even when the hardware
// counters reset.
type Sampler struct {
	logger     *slog.Logger
	meter      device.EnergyMeter
	clock      clock.WithTicker
	interval   time.Duration
	staleAfter int

	channels []device.Channel // fixed at Init

	// coalesces concurrent on-demand reads
	demand singleflight.Group

	mu       sync.Mutex
	ring     []sample
	head     int // next write position
	count    int
	origin   time.Time
	lastRaw  map[int32]device.Energy
	acc      map[int32]device.Energy
	failures int

	lifecycle sync.Mutex
	ctx       context.Context // loop context while running
	cancel    context.CancelFunc
	done      chan struct{}
	inflight  sync.WaitGroup // on-demand reads, joined by Stop
}

var (
	_ service.Initializer = (*Sampler)(nil)
	_ service.Runner      = (*Sampler)(nil)
	_ service.Shutdowner  = (*Sampler)(nil)
)

// NewSampler creates a sampler over m. The sampler is stopped until Start or Run.
func NewSampler(m device.EnergyMeter, applyOpts ...OptionFn) (*Sampler, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.interval <= 0 || opts.capacity <= 0 || opts.staleAfter <= 0 {
		return nil, fmt.Errorf("%w: interval=%v capacity=%d staleAfter=%d",
			ErrInvalidOpts, opts.interval, opts.capacity, opts.staleAfter)
	}

	return &Sampler{
		logger:     opts.logger.With("service", "sampler"),
		meter:      m,
		clock:      opts.clock,
		interval:   opts.interval,
		staleAfter: opts.staleAfter,
		ring:       make([]sample, opts.capacity),
		lastRaw:    map[int32]device.Energy{},
		acc:        map[int32]device.Energy{},
	}, nil
}

func (s *Sampler) Name() string {
	return "sampler"
}

// Init initializes the meter and caches its channel table
func (s *Sampler) Init() error {
	if err := s.meter.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", s.meter.Name(), err)
	}

	channels := s.meter.Channels()
	if len(channels) == 0 {
		return fmt.Errorf("%w: %s", ErrNoChannels, s.meter.Name())
	}
	s.channels = channels

	s.logger.Info("energy meter initialized", "meter", s.meter.Name(), "channels", len(channels))
	return nil
}

// Channels returns the channel table of the meter
func (s *Sampler) Channels() []device.Channel {
	return slices.Clone(s.channels)
}

// Start launches the sampling loop
func (s *Sampler) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("sampling started", "interval", s.interval)
	return nil
}

// Stop terminates the sampling loop and waits for it and any on-demand read
// to finish. The meter is not read once Stop returns. Stopping a stopped
// sampler is a no-op.
func (s *Sampler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.inflight.Wait()
	s.ctx, s.cancel, s.done = nil, nil, nil

	s.logger.Info("sampling stopped")
}

// Running reports whether the sampling loop is active
func (s *Sampler) Running() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.cancel != nil
}

func (s *Sampler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Sampler) Shutdown() error {
	s.logger.Info("shutting down sampler")
	s.Stop()
	return s.meter.Close()
}

func (s *Sampler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.sample(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to sample energy meter", "error", err)
	}
}

// sample is one tick: it reads the meter, appends the result to the ring and
// updates the failure count
func (s *Sampler) sample(ctx context.Context) error {
	return s.readAndAppend(ctx, true)
}

// readOnDemand serves a query that found the ring empty. The meter is only
// read while sampling is active, and the outcome never changes staleness.
func (s *Sampler) readOnDemand() {
	s.lifecycle.Lock()
	if s.cancel == nil {
		s.lifecycle.Unlock()
		return
	}
	ctx := s.ctx
	s.inflight.Add(1)
	s.lifecycle.Unlock()
	defer s.inflight.Done()

	if err := s.readOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debug("on-demand energy meter read failed", "error", err)
	}
}

// readOnce reads the meter and appends the result without touching the
// failure count. Concurrent calls share one read.
func (s *Sampler) readOnce(ctx context.Context) error {
	_, err, _ := s.demand.Do("read", func() (any, error) {
		return nil, s.readAndAppend(ctx, false)
	})
	return err
}

func (s *Sampler) readAndAppend(ctx context.Context, tick bool) error {
	// hardware access happens outside the lock
	raw, err := s.meter.ReadAll(ctx)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if tick && ctx.Err() == nil {
			s.failures++
			if s.failures == s.staleAfter {
				s.logger.Error("energy meter is stale", "failures", s.failures)
			}
		}
		return err
	}

	if tick {
		if s.failures >= s.staleAfter {
			s.logger.Info("energy meter recovered", "failures", s.failures)
		}
		s.failures = 0
	}

	for _, c := range s.channels {
		v, ok := raw[c.ID]
		if !ok {
			continue
		}
		prev, seen := s.lastRaw[c.ID]
		if !seen {
			// first reading seeds the accumulator with the hardware total
			s.acc[c.ID] = v
		} else {
			s.acc[c.ID] = s.acc[c.ID].Add(v.Delta(prev))
		}
		s.lastRaw[c.ID] = v
	}

	energy := make(map[int32]device.Energy, len(s.acc))
	for id, e := range s.acc {
		energy[id] = e
	}
	if s.origin.IsZero() {
		s.origin = now
	}
	s.ring[s.head] = sample{timestamp: now, energy: energy}
	s.head = (s.head + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	return nil
}

// Stale reports whether the last staleAfter ticks have all failed
func (s *Sampler) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= s.staleAfter
}

// Len returns the number of samples held in the ring
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ReadEnergyMeter returns measurements of the channels in ids; nil or empty
// ids select every channel and unknown ids are omitted. Without since the
// latest sample is returned, accumulated since sampling began. With since the
// result is the energy accumulated between the first sample taken at or
// after since and the latest sample. When sampling is active but nothing has
// been sampled yet the meter is read once on demand; a stopped sampler with an
// empty ring returns no values.
func (s *Sampler) ReadEnergyMeter(ids []int32, since *time.Time) Measurements {
	if s.Len() == 0 {
		s.readOnDemand()
	}

	s.mu.Lock()
	latest, first, ok := s.window(since)
	origin := s.origin
	stale := s.failures >= s.staleAfter
	s.mu.Unlock()

	ret := Measurements{Stale: stale}
	if !ok {
		return ret
	}

	base, start := map[int32]device.Energy(nil), origin
	if since != nil {
		base, start = first.energy, first.timestamp
	}

	for _, id := range s.selectChannels(ids) {
		e, ok := latest.energy[id]
		if !ok {
			continue
		}
		ret.Values = append(ret.Values, EnergyMeasurement{
			ChannelID:   id,
			TimestampMs: latest.timestamp.UnixMilli(),
			DurationMs:  latest.timestamp.Sub(start).Milliseconds(),
			Energy:      e.Delta(base[id]),
		})
	}
	return ret
}

// window returns the latest sample and, when since is set, the oldest sample
// taken at or after since. Must be called with mu held.
func (s *Sampler) window(since *time.Time) (latest, first sample, ok bool) {
	if s.count == 0 {
		return sample{}, sample{}, false
	}
	size := len(s.ring)
	latest = s.ring[(s.head-1+size)%size]
	if since == nil {
		return latest, sample{}, true
	}

	oldest := (s.head - s.count + size) % size
	for i := range s.count {
		smp := s.ring[(oldest+i)%size]
		if !smp.timestamp.Before(*since) {
			return latest, smp, true
		}
	}
	return sample{}, sample{}, false
}

// selectChannels resolves a query id list against the channel table
func (s *Sampler) selectChannels(ids []int32) []int32 {
	if len(ids) == 0 {
		all := make([]int32, len(s.channels))
		for i, c := range s.channels {
			all[i] = c.ID
		}
		return all
	}

	known := make(map[int32]bool, len(s.channels))
	for _, c := range s.channels {
		known[c.ID] = true
	}
	ret := make([]int32, 0, len(ids))
	for _, id := range ids {
		if known[id] && !slices.Contains(ret, id) {
			ret = append(ret, id)
		}
	}
	return ret
}
