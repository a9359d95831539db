// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package powerstats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/powerstats/internal/consumer"
	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/meter"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) PowerEntities() []residency.PowerEntity {
	args := m.Called()
	return args.Get(0).([]residency.PowerEntity)
}

func (m *mockProvider) Snapshot() []residency.StateResidency {
	args := m.Called()
	return args.Get(0).([]residency.StateResidency)
}

type panickingProvider struct{}

func (panickingProvider) Name() string                           { return "broken" }
func (panickingProvider) PowerEntities() []residency.PowerEntity { return nil }
func (panickingProvider) Snapshot() []residency.StateResidency   { panic("firmware went away") }

func newSampler(t *testing.T, readings ...map[int32]device.Energy) *meter.Sampler {
	t.Helper()

	m := &device.MockEnergyMeter{}
	m.On("Name").Return("mock-meter").Maybe()
	m.On("Init").Return(nil)
	m.On("Channels").Return([]device.Channel{
		{ID: 0, Name: "VSYS_PWR_MODEM"},
		{ID: 1, Name: "L9S_GNSS_CORE"},
	})
	for _, r := range readings {
		m.On("ReadAll", mock.Anything).Return(r, nil).Once()
	}

	s, err := meter.NewSampler(m, meter.WithClock(testingclock.NewFakeClock(time.UnixMilli(1_000))))
	require.NoError(t, err)
	require.NoError(t, s.Init())

	if len(readings) == 0 {
		return s
	}

	// the fake clock never advances, so only the first tick samples
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, time.Millisecond)
	return s
}

func TestRegistryPowerEntities(t *testing.T) {
	soc := &mockProvider{name: "soc"}
	soc.On("PowerEntities").Return([]residency.PowerEntity{
		{Name: "LPM", States: []string{"SLEEP", "STOP"}},
		{Name: "MIF", States: []string{"ACTIVE"}},
	})
	ufs := &mockProvider{name: "ufs"}
	ufs.On("PowerEntities").Return([]residency.PowerEntity{{Name: "UFS", States: []string{"HIBERN8"}}})

	r := NewRegistry()
	r.AddProvider(soc)
	r.AddProvider(ufs)

	assert.Equal(t, []PowerEntityInfo{
		{ID: 0, Name: "LPM", Provider: "soc", States: []StateInfo{{0, "SLEEP"}, {1, "STOP"}}},
		{ID: 1, Name: "MIF", Provider: "soc", States: []StateInfo{{0, "ACTIVE"}}},
		{ID: 2, Name: "UFS", Provider: "ufs", States: []StateInfo{{0, "HIBERN8"}}},
	}, r.PowerEntities())
	assert.Len(t, r.Providers(), 2)
}

func TestRegistryStateResidency(t *testing.T) {
	soc := &mockProvider{name: "soc"}
	soc.On("Snapshot").Return([]residency.StateResidency{
		{EntityName: "LPM", StateName: "SLEEP", EntryCount: ptr.To[uint64](1)},
		{EntityName: "MIF", StateName: "ACTIVE", TotalTimeMs: ptr.To[uint64](2)},
	})
	empty := &mockProvider{name: "gone"}
	empty.On("Snapshot").Return([]residency.StateResidency(nil))

	r := NewRegistry()
	r.AddProvider(soc)
	r.AddProvider(panickingProvider{})
	r.AddProvider(empty)

	all := r.StateResidency()
	require.Len(t, all, 2, "a failing provider must not hide the others")

	mif := r.StateResidency("MIF")
	require.Len(t, mif, 1)
	assert.Equal(t, "ACTIVE", mif[0].StateName)
}

func TestRegistryWithoutMeter(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.EnergyMeterInfo())
	assert.Empty(t, r.ReadEnergyMeter(nil, nil).Values)

	id, err := r.AddConsumer(consumer.Config{Type: consumer.GNSS, Name: "GPS", Channels: []string{"L9S_GNSS_CORE"}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	// nothing is measured without a meter
	assert.Empty(t, r.EnergyConsumed())
	assert.Empty(t, r.Snapshot().ConsumerResults)
}

func TestRegistryPopulate(t *testing.T) {
	soc := &mockProvider{name: "soc"}
	r := NewRegistry()
	_, err := r.AddConsumer(consumer.Config{Name: "GPU"})
	require.NoError(t, err)

	t.Run("rejected consumer registers nothing", func(t *testing.T) {
		_, err := r.Populate([]residency.Provider{soc}, newSampler(t),
			consumer.Config{Name: "MODEM"}, consumer.Config{Name: "GPU"})
		assert.ErrorContains(t, err, `energy consumer "GPU" already registered`)
		assert.Empty(t, r.Providers())
		assert.Nil(t, r.EnergyMeterInfo())
		assert.Len(t, r.EnergyConsumers(), 1)
	})

	t.Run("duplicates within one call", func(t *testing.T) {
		_, err := r.Populate(nil, nil, consumer.Config{Name: "GPS"}, consumer.Config{Name: "GPS"})
		assert.Error(t, err)
		assert.Len(t, r.EnergyConsumers(), 1)
	})

	t.Run("commit", func(t *testing.T) {
		ids, err := r.Populate([]residency.Provider{soc}, newSampler(t),
			consumer.Config{Name: "MODEM"}, consumer.Config{Name: "GPS"})
		require.NoError(t, err)
		assert.Equal(t, []int32{1, 2}, ids)
		assert.Len(t, r.Providers(), 1)
		assert.Len(t, r.EnergyMeterInfo(), 2)
	})
}

func TestRegistryConsumers(t *testing.T) {
	r := NewRegistry()
	r.SetEnergyMeter(newSampler(t, map[int32]device.Energy{0: 1000, 1: 300}))

	modem, err := r.AddConsumer(consumer.Config{Type: consumer.MobileRadio, Name: "MODEM", Channels: []string{"VSYS_PWR_MODEM"}})
	require.NoError(t, err)
	gps, err := r.AddConsumer(consumer.Config{Type: consumer.GNSS, Name: "GPS", Channels: []string{"L9S_GNSS_CORE"}})
	require.NoError(t, err)
	_, err = r.AddConsumer(consumer.Config{Name: "GPS"})
	assert.Error(t, err, "consumer names are unique")

	assert.Equal(t, []consumer.Info{
		{ID: modem, Type: consumer.MobileRadio, Name: "MODEM"},
		{ID: gps, Type: consumer.GNSS, Name: "GPS"},
	}, r.EnergyConsumers())

	all := r.EnergyConsumed()
	require.Len(t, all, 2)
	assert.Equal(t, device.Energy(1000), all[0].Energy)
	assert.Equal(t, device.Energy(300), all[1].Energy)

	only := r.EnergyConsumed(gps, 99)
	require.Len(t, only, 1)
	assert.Equal(t, gps, only[0].ID)

	assert.Len(t, r.EnergyMeterInfo(), 2)
	ms := r.ReadEnergyMeter([]int32{1}, nil)
	require.Len(t, ms.Values, 1)
	assert.Equal(t, device.Energy(300), ms.Values[0].Energy)
}

func TestRegistrySnapshot(t *testing.T) {
	soc := &mockProvider{name: "soc"}
	soc.On("Snapshot").Return([]residency.StateResidency{{EntityName: "LPM", StateName: "SLEEP"}})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(testingclock.NewFakePassiveClock(now)))
	r.AddProvider(soc)
	r.SetEnergyMeter(newSampler(t, map[int32]device.Energy{0: 10, 1: 20}))
	_, err := r.AddConsumer(consumer.Config{Type: consumer.MobileRadio, Name: "MODEM", Channels: []string{"VSYS_PWR_MODEM"}})
	require.NoError(t, err)

	s := r.Snapshot()
	assert.Equal(t, now, s.Timestamp)
	assert.Len(t, s.Records, 1)
	assert.Len(t, s.MeterInfo, 2)
	require.Len(t, s.ConsumerResults, 1)
	assert.Equal(t, device.Energy(10), s.ConsumerResults[0].Energy)
	assert.False(t, s.MeterStale)

	require.Len(t, s.Meter.Values, 2)
	assert.Equal(t, device.Energy(10), s.Meter.Values[0].Energy)
	assert.Equal(t, s.Meter.Values[0].TimestampMs, s.ConsumerResults[0].TimestampMs,
		"consumer results come from the snapshot's meter read")
}

func TestRegistryConcurrentQueries(t *testing.T) {
	soc := &mockProvider{name: "soc"}
	soc.On("Snapshot").Return([]residency.StateResidency{{EntityName: "LPM", StateName: "SLEEP"}})
	soc.On("PowerEntities").Return([]residency.PowerEntity{{Name: "LPM", States: []string{"SLEEP"}}})

	r := NewRegistry()
	r.AddProvider(soc)
	r.SetEnergyMeter(newSampler(t, map[int32]device.Energy{0: 10, 1: 20}))
	_, err := r.AddConsumer(consumer.Config{Name: "MODEM", Channels: []string{"VSYS_PWR_MODEM"}})
	require.NoError(t, err)
	require.Len(t, r.ReadEnergyMeter(nil, nil).Values, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 50 {
				if ctx.Err() != nil {
					return
				}
				_ = r.Snapshot()
				_ = r.PowerEntities()
			}
		}()
	}
	for range 8 {
		<-done
	}

	assert.Len(t, r.Snapshot().Records, 1)
}
