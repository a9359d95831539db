// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package powerstats

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sustainable-computing-io/powerstats/internal/consumer"
	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/meter"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"k8s.io/utils/clock"
)

// EnergyMeter is the sampler surface the registry serves queries from
type EnergyMeter interface {
	consumer.MeterReader
	Stale() bool
}

// PowerEntityInfo is a power entity with the id assigned by the registry
type PowerEntityInfo struct {
	ID       int32
	Name     string
	Provider string
	States   []StateInfo
}

// StateInfo is a state of a power entity with its id within the entity
type StateInfo struct {
	ID   int32
	Name string
}

// Snapshot is everything the registry knows at one instant. Meter and
// ConsumerResults come from the same meter read.
type Snapshot struct {
	Timestamp       time.Time
	Records         []residency.StateResidency
	MeterInfo       []device.Channel
	Meter           meter.Measurements
	ConsumerResults []consumer.Result
	MeterStale      bool
}

type Opts struct {
	logger *slog.Logger
	clock  clock.PassiveClock
}

// DefaultOpts returns the default registry options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Registry
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to timestamp snapshots
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// Registry composes residency providers, the energy meter and energy
// consumers behind one query interface. Registration happens at startup;
// queries may run concurrently with each other.
type Registry struct {
	logger *slog.Logger
	clock  clock.PassiveClock

	mu             sync.RWMutex
	providers      []residency.Provider
	meter          EnergyMeter
	consumers      []*consumer.Consumer
	consumerLogger *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(applyOpts ...OptionFn) *Registry {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Registry{
		logger:         opts.logger.With("service", "registry"),
		consumerLogger: opts.logger,
		clock:          opts.clock,
	}
}

// AddProvider registers a residency provider. Entities keep the order in
// which their providers were added.
func (r *Registry) AddProvider(p residency.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.logger.Debug("provider added", "provider", p.Name())
}

// Providers returns the registered providers
func (r *Registry) Providers() []residency.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.providers)
}

// SetEnergyMeter installs the shared energy meter. It must be set before
// consumers are added so that their channels resolve.
func (r *Registry) SetEnergyMeter(m EnergyMeter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meter = m
}

// AddConsumer registers a consumer and returns its id. Ids are assigned in
// registration order starting at 0.
func (r *Registry) AddConsumer(cfg consumer.Config) (int32, error) {
	ids, err := r.Populate(nil, nil, cfg)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Populate registers providers, the energy meter (when m is not nil) and
// consumers in one step and returns the consumer ids. When a consumer is
// rejected nothing is registered.
func (r *Registry) Populate(providers []residency.Provider, m EnergyMeter, consumers ...consumer.Config) ([]int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[string]bool, len(r.consumers)+len(consumers))
	for _, c := range r.consumers {
		names[c.Info().Name] = true
	}
	for _, cfg := range consumers {
		if names[cfg.Name] {
			return nil, fmt.Errorf("energy consumer %q already registered", cfg.Name)
		}
		names[cfg.Name] = true
	}

	for _, p := range providers {
		r.providers = append(r.providers, p)
		r.logger.Debug("provider added", "provider", p.Name())
	}
	if m != nil {
		r.meter = m
	}

	var reader consumer.MeterReader
	if r.meter != nil {
		reader = r.meter
	}
	ids := make([]int32, 0, len(consumers))
	for _, cfg := range consumers {
		id := int32(len(r.consumers))
		r.consumers = append(r.consumers, consumer.New(id, cfg, reader, consumer.WithLogger(r.consumerLogger)))
		ids = append(ids, id)
	}
	return ids, nil
}

// PowerEntities returns every registered entity. Entity ids follow
// registration order and state ids follow the state order of each entity.
func (r *Registry) PowerEntities() []PowerEntityInfo {
	var ret []PowerEntityInfo
	for _, p := range r.Providers() {
		for _, e := range p.PowerEntities() {
			info := PowerEntityInfo{ID: int32(len(ret)), Name: e.Name, Provider: p.Name()}
			for i, s := range e.States {
				info.States = append(info.States, StateInfo{ID: int32(i), Name: s})
			}
			ret = append(ret, info)
		}
	}
	return ret
}

// StateResidency snapshots every provider. With entity names given only
// those entities are returned.
func (r *Registry) StateResidency(entities ...string) []residency.StateResidency {
	var ret []residency.StateResidency
	for _, p := range r.Providers() {
		for _, rec := range r.snapshotProvider(p) {
			if len(entities) == 0 || slices.Contains(entities, rec.EntityName) {
				ret = append(ret, rec)
			}
		}
	}
	return ret
}

// snapshotProvider isolates the registry from a provider that panics
func (r *Registry) snapshotProvider(p residency.Provider) (records []residency.StateResidency) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("provider snapshot panicked", "provider", p.Name(), "panic", v)
			records = nil
		}
	}()
	return p.Snapshot()
}

func (r *Registry) energyMeter() EnergyMeter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meter
}

// EnergyMeterInfo returns the channel table of the energy meter, if any
func (r *Registry) EnergyMeterInfo() []device.Channel {
	m := r.energyMeter()
	if m == nil {
		return nil
	}
	return m.Channels()
}

// ReadEnergyMeter reads channels ids of the energy meter; see meter.Sampler
func (r *Registry) ReadEnergyMeter(ids []int32, since *time.Time) meter.Measurements {
	m := r.energyMeter()
	if m == nil {
		return meter.Measurements{}
	}
	return m.ReadEnergyMeter(ids, since)
}

// EnergyConsumers returns the registered consumers
func (r *Registry) EnergyConsumers() []consumer.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]consumer.Info, len(r.consumers))
	for i, c := range r.consumers {
		ret[i] = c.Info()
	}
	return ret
}

// EnergyConsumed computes the results of consumers ids, or of every consumer
// when none is given. Unknown ids and failing consumers are left out.
func (r *Registry) EnergyConsumed(ids ...int32) []consumer.Result {
	r.mu.RLock()
	consumers := slices.Clone(r.consumers)
	r.mu.RUnlock()

	var ret []consumer.Result
	for _, c := range consumers {
		if len(ids) > 0 && !slices.Contains(ids, c.Info().ID) {
			continue
		}
		res, err := c.EnergyConsumed()
		if err != nil {
			r.logger.Debug("energy consumer has no result", "consumer", c.Info().Name, "error", err)
			continue
		}
		ret = append(ret, res)
	}
	return ret
}

// Snapshot returns residencies, meter channels and consumer results. The
// meter is read once and every consumer result is computed from that read.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		Timestamp: r.clock.Now(),
		Records:   r.StateResidency(),
		MeterInfo: r.EnergyMeterInfo(),
	}
	if m := r.energyMeter(); m != nil {
		s.Meter = m.ReadEnergyMeter(nil, nil)
		s.MeterStale = s.Meter.Stale
	}

	r.mu.RLock()
	consumers := slices.Clone(r.consumers)
	r.mu.RUnlock()

	for _, c := range consumers {
		res, err := c.EnergyConsumedFrom(s.Meter)
		if err != nil {
			r.logger.Debug("energy consumer has no result", "consumer", c.Info().Name, "error", err)
			continue
		}
		s.ConsumerResults = append(s.ConsumerResults, res)
	}
	return s
}
