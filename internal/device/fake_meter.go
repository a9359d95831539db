// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
)

// NOTE: This fake meter is not intended to be used in production and is for testing only
var defaultFakeRails = []string{
	"S2M_VDD_CPUCL2",
	"S3M_VDD_CPUCL1",
	"S4M_VDD_CPUCL0",
	"S2S_VDD_G3D",
	"S9S_VDD_AOC",
	"VSYS_PWR_MODEM",
	"VSYS_PWR_WLAN_BT",
	"L9S_GNSS_CORE",
}

const fakeSubsystem = "fake"

// FakeMeter implements EnergyMeter with counters that grow on every read
type FakeMeter struct {
	logger   *slog.Logger
	channels []Channel

	mu           sync.Mutex
	energy       map[int32]Energy
	increment    Energy
	randomFactor float64
}

var _ EnergyMeter = (*FakeMeter)(nil)

// FakeOptFn is a functional option for configuring FakeMeter
type FakeOptFn func(*FakeMeter)

// WithFakeLogger sets the logger for the fake meter
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(m *FakeMeter) {
		m.logger = l.With("meter", m.Name())
	}
}

// WithFakeIncrement sets the base energy added to every channel on each read
func WithFakeIncrement(e Energy) FakeOptFn {
	return func(m *FakeMeter) {
		m.increment = e
	}
}

// WithFakeRandomFactor sets the share of the increment added at random; 0 makes reads deterministic
func WithFakeRandomFactor(f float64) FakeOptFn {
	return func(m *FakeMeter) {
		m.randomFactor = f
	}
}

// NewFakeMeter creates a fake meter with one channel per rail
func NewFakeMeter(rails []string, opts ...FakeOptFn) *FakeMeter {
	// nil and empty slices are equivalent
	if len(rails) == 0 {
		rails = defaultFakeRails
	}

	m := &FakeMeter{
		logger:       slog.Default().With("meter", "fake-meter"),
		energy:       make(map[int32]Energy, len(rails)),
		increment:    100 * MilliJoule,
		randomFactor: 0.5,
	}
	for i, r := range rails {
		m.channels = append(m.channels, Channel{ID: int32(i), Name: r, Subsystem: fakeSubsystem})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *FakeMeter) Name() string {
	return "fake-meter"
}

func (m *FakeMeter) Init() error {
	m.logger.Warn("using fake energy meter; readings are synthetic", "channels", len(m.channels))
	return nil
}

func (m *FakeMeter) Channels() []Channel {
	return cloneChannels(m.channels)
}

func (m *FakeMeter) ReadAll(ctx context.Context) (map[int32]Energy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ret := make(map[int32]Energy, len(m.channels))
	for _, c := range m.channels {
		inc := m.increment + Energy(rand.Float64()*float64(m.increment)*m.randomFactor)
		m.energy[c.ID] = m.energy[c.ID].Add(inc)
		ret[c.ID] = m.energy[c.ID]
	}
	return ret, nil
}

func (m *FakeMeter) Close() error {
	return nil
}
