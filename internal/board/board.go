// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/consumer"
	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/meter"
	"github.com/sustainable-computing-io/powerstats/internal/powerstats"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"k8s.io/utils/clock"
)

type Opts struct {
	logger          *slog.Logger
	sysfs           string
	freshnessBudget time.Duration
	clock           clock.WithTicker
	meter           device.EnergyMeter
	samplerOpts     []meter.OptionFn
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		sysfs:  "/sys",
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithSysFS sets the root against which relative board paths are resolved
func WithSysFS(path string) OptionFn {
	return func(o *Opts) {
		o.sysfs = path
	}
}

// WithFreshnessBudget bounds the snapshot time of timed source groups
func WithFreshnessBudget(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.freshnessBudget = d
	}
}

// WithClock sets the clock shared by the sampler, timed providers and the registry
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMeter sets the hardware energy meter; without one no energy is reported
func WithMeter(m device.EnergyMeter) OptionFn {
	return func(o *Opts) {
		o.meter = m
	}
}

// WithSamplerOpts passes options to the energy meter sampler
func WithSamplerOpts(opts ...meter.OptionFn) OptionFn {
	return func(o *Opts) {
		o.samplerOpts = append(o.samplerOpts, opts...)
	}
}

// PowerStats assembles a powerstats.Registry from a board table and runs the
// energy meter sampler behind it
type PowerStats struct {
	logger *slog.Logger
	board  *config.Board
	opts   Opts

	registry  *powerstats.Registry
	userspace *residency.CallbackProvider
	sampler   *meter.Sampler

	mu          sync.RWMutex
	initialized bool
	meterOK     bool
}

var (
	_ service.Initializer  = (*PowerStats)(nil)
	_ service.Runner       = (*PowerStats)(nil)
	_ service.Shutdowner   = (*PowerStats)(nil)
	_ service.LiveChecker  = (*PowerStats)(nil)
	_ service.ReadyChecker = (*PowerStats)(nil)
)

// NewPowerStats creates the service for board b. Nothing is read from the
// system until Init.
func NewPowerStats(b *config.Board, applyOpts ...OptionFn) *PowerStats {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &PowerStats{
		logger: opts.logger.With("service", "powerstats"),
		board:  b,
		opts:   opts,
		registry: powerstats.NewRegistry(
			powerstats.WithLogger(opts.logger),
			powerstats.WithClock(opts.clock),
		),
	}
}

func (ps *PowerStats) Name() string {
	return "powerstats"
}

// Registry returns the query interface
func (ps *PowerStats) Registry() *powerstats.Registry {
	return ps.registry
}

// Userspace returns the provider user-space clients register their
// residency callbacks with, nil when the board declares no such entity
func (ps *PowerStats) Userspace() *residency.CallbackProvider {
	return ps.userspace
}

// Init registers the providers of the board, brings up the energy meter and
// registers the consumers. A meter that fails to initialize is logged and
// left out; consumers then report no energy.
func (ps *PowerStats) Init() error {
	ps.logger.Info("Initializing power stats", "board", ps.board.Name)

	consumers, err := consumerConfigs(ps.board.Consumers, ps.opts.sysfs)
	if err != nil {
		return err
	}

	providers := ps.providers()
	sampler := ps.initMeter()

	// nothing reaches the registry unless every part is accepted
	var m powerstats.EnergyMeter
	if sampler != nil {
		m = sampler
	}
	if _, err := ps.registry.Populate(providers, m, consumers...); err != nil {
		if sampler != nil {
			_ = sampler.Shutdown()
		}
		return err
	}

	ps.mu.Lock()
	ps.sampler = sampler
	ps.initialized, ps.meterOK = true, sampler != nil
	ps.mu.Unlock()

	ps.logger.Info("power stats initialized",
		"entities", len(ps.registry.PowerEntities()),
		"channels", len(ps.registry.EnergyMeterInfo()),
		"consumers", len(consumers))
	return nil
}

// initMeter returns an initialized sampler over the configured meter, or nil
func (ps *PowerStats) initMeter() *meter.Sampler {
	if ps.opts.meter == nil {
		ps.logger.Warn("no energy meter configured")
		return nil
	}

	samplerOpts := append([]meter.OptionFn{
		meter.WithLogger(ps.opts.logger),
		meter.WithClock(ps.opts.clock),
	}, ps.opts.samplerOpts...)

	s, err := meter.NewSampler(ps.opts.meter, samplerOpts...)
	if err != nil {
		ps.logger.Error("failed to create energy meter sampler", "error", err)
		return nil
	}
	if err := s.Init(); err != nil {
		ps.logger.Warn("energy meter unavailable", "meter", ps.opts.meter.Name(), "error", err)
		return nil
	}
	return s
}

// Run samples the energy meter until ctx is done
func (ps *PowerStats) Run(ctx context.Context) error {
	if !ps.hasMeter() {
		<-ctx.Done()
		return nil
	}
	return ps.sampler.Run(ctx)
}

func (ps *PowerStats) Shutdown() error {
	if !ps.hasMeter() {
		return nil
	}
	return ps.sampler.Shutdown()
}

// IsLive reports whether the sampler is running, or true without a meter
func (ps *PowerStats) IsLive() bool {
	if !ps.hasMeter() {
		return true
	}
	return ps.sampler.Running()
}

// IsReady reports whether Init completed and the meter, if any, is not stale
func (ps *PowerStats) IsReady() bool {
	ps.mu.RLock()
	initialized := ps.initialized
	ps.mu.RUnlock()

	if !initialized {
		return false
	}
	return !ps.hasMeter() || !ps.sampler.Stale()
}

func (ps *PowerStats) hasMeter() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.meterOK
}

func (ps *PowerStats) providers() []residency.Provider {
	var (
		b         = ps.board
		logger    = ps.opts.logger
		ropts     = []residency.OptionFn{residency.WithLogger(logger)}
		providers []residency.Provider
	)

	if len(b.Userspace) > 0 {
		ps.userspace = residency.NewCallbackProvider(ropts...)
		for _, u := range b.Userspace {
			states := make([]residency.CallbackState, 0, len(u.States))
			for _, s := range u.States {
				states = append(states, residency.CallbackState{ID: s.ID, Name: s.Name})
			}
			ps.userspace.AddEntity(u.Entity, states)
		}
		providers = append(providers, ps.userspace)
	}

	for _, g := range b.Sources {
		var p residency.Provider = residency.NewGenericProvider(g.Name, sources(g, ps.opts.sysfs), ropts...)
		if g.Timed && ps.opts.freshnessBudget > 0 {
			p = residency.NewTimedProvider(p, ps.opts.freshnessBudget,
				residency.WithTimedClock(ps.opts.clock),
				residency.WithTimedLogger(logger))
		}
		providers = append(providers, p)
	}

	for _, d := range b.Dvfs {
		providers = append(providers, residency.NewDvfsProvider(
			resolve(ps.opts.sysfs, d.Path), unitTransform(d.Unit), dvfsDomains(d.Domains), ropts...))
	}

	for _, d := range b.Devfreq {
		providers = append(providers, residency.NewDevfreqProvider(d.Entity, resolve(ps.opts.sysfs, d.Dir), ropts...))
	}

	for _, u := range b.Ufs {
		providers = append(providers, residency.NewUfsProvider(resolve(ps.opts.sysfs, u.Dir), ropts...))
	}

	if b.Cpufreq.Enabled {
		p, err := residency.NewCpufreqProvider(ps.opts.sysfs, ropts...)
		if err != nil {
			ps.logger.Warn("cpufreq residency unavailable", "error", err)
		} else {
			providers = append(providers, p)
		}
	}

	return providers
}

func sources(g config.SourceGroup, sysfs string) []residency.Source {
	ret := make([]residency.Source, 0, len(g.Files))
	for _, f := range g.Files {
		entities := make([]residency.PowerEntityConfig, 0, len(f.Entities))
		for _, e := range f.Entities {
			states := make([]residency.StateConfig, 0, len(e.States))
			for _, s := range e.States {
				states = append(states, residency.StateConfig{
					Name:       s.Name,
					Header:     s.Header,
					EntryCount: metricRule(s.EntryCount),
					TotalTime:  metricRule(s.TotalTime),
					LastEntry:  metricRule(s.LastEntry),
				})
			}
			entities = append(entities, residency.PowerEntityConfig{
				EntityName:  e.Name,
				HeaderLabel: e.Header,
				States:      states,
			})
		}
		ret = append(ret, residency.Source{Path: resolve(sysfs, f.Path), Entities: entities})
	}
	return ret
}

func metricRule(m *config.MetricSpec) residency.MetricRule {
	if m == nil {
		return residency.MetricRule{}
	}
	rule := residency.Rule(m.Prefix, unitTransform(m.Unit))
	if m.Match == config.MatchAfterLabel {
		rule.Match = residency.MatchAfterLabel
	}
	return rule
}

func unitTransform(unit string) residency.UnitTransform {
	switch unit {
	case config.UnitNanos:
		return residency.NsToMs
	case config.UnitMicros:
		return residency.UsToMs
	default:
		return nil
	}
}

func dvfsDomains(in []config.DvfsDomainSpec) []residency.DvfsDomain {
	domains := make([]residency.DvfsDomain, 0, len(in))
	for _, d := range in {
		states := make([][2]string, 0, len(d.States))
		for _, s := range d.States {
			states = append(states, [2]string{s.Name, s.Key})
		}
		domains = append(domains, residency.DvfsDomain{Name: d.Name, States: states})
	}
	return domains
}

func consumerConfigs(specs []config.ConsumerSpec, sysfs string) ([]consumer.Config, error) {
	var (
		ret  = make([]consumer.Config, 0, len(specs))
		errs []error
	)
	for _, s := range specs {
		typ, err := consumer.ParseType(s.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("consumer %q: %w", s.Name, err))
			continue
		}
		approx, err := consumer.ParseApproximation(s.Approximation)
		if err != nil {
			errs = append(errs, fmt.Errorf("consumer %q: %w", s.Name, err))
			continue
		}

		cfg := consumer.Config{
			Type:          typ,
			Name:          s.Name,
			Channels:      s.Channels,
			Approximation: approx,
		}
		if s.Attribution != nil {
			cfg.Attribution = &consumer.AttributionConfig{
				UsageTablePath: resolve(sysfs, s.Attribution.UsageTable),
				Coefficients:   s.Attribution.Coefficients,
			}
		}
		ret = append(ret, cfg)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid consumers: %w", err)
	}
	return ret, nil
}

// resolve anchors relative board paths at the sysfs root
func resolve(sysfs, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(sysfs, p)
}
