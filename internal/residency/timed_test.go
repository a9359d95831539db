// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string {
	return "mock"
}

func (m *mockProvider) PowerEntities() []PowerEntity {
	args := m.Called()
	return args.Get(0).([]PowerEntity)
}

func (m *mockProvider) Snapshot() []StateResidency {
	args := m.Called()
	return args.Get(0).([]StateResidency)
}

func TestTimedProviderWithinBudget(t *testing.T) {
	records := []StateResidency{{EntityName: "AoC", StateName: "SLEEP", EntryCount: ptr.To[uint64](1)}}
	inner := &mockProvider{}
	inner.On("Snapshot").Return(records)
	inner.On("PowerEntities").Return([]PowerEntity{{Name: "AoC", States: []string{"SLEEP"}}})

	fc := testingclock.NewFakeClock(time.Now())
	p := NewTimedProvider(inner, 300*time.Millisecond, WithTimedClock(fc))

	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, records, p.Snapshot())
	assert.Len(t, p.PowerEntities(), 1)
	inner.AssertExpectations(t)
}

func TestTimedProviderExceedsBudget(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	inner := &mockProvider{}
	inner.On("Snapshot").
		Run(func(mock.Arguments) { <-release }).
		Return([]StateResidency{{EntityName: "AoC", StateName: "SLEEP"}})

	fc := testingclock.NewFakeClock(time.Now())
	p := NewTimedProvider(inner, 300*time.Millisecond, WithTimedClock(fc))

	done := make(chan []StateResidency)
	go func() {
		done <- p.Snapshot()
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(301 * time.Millisecond)

	select {
	case records := <-done:
		assert.Empty(t, records)
	case <-time.After(time.Second):
		t.Fatal("snapshot did not return after the budget elapsed")
	}
}

func TestTimedProviderSkipsWhileOverrunning(t *testing.T) {
	release := make(chan struct{})
	records := []StateResidency{{EntityName: "AoC", StateName: "SLEEP"}}

	inner := &mockProvider{}
	inner.On("Snapshot").
		Run(func(mock.Arguments) { <-release }).
		Return(records).Once()

	fc := testingclock.NewFakeClock(time.Now())
	p := NewTimedProvider(inner, 300*time.Millisecond, WithTimedClock(fc))

	overrun := func() []StateResidency {
		done := make(chan []StateResidency)
		go func() {
			done <- p.Snapshot()
		}()
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(301 * time.Millisecond)
		select {
		case got := <-done:
			return got
		case <-time.After(time.Second):
			t.Fatal("snapshot did not return after the budget elapsed")
			return nil
		}
	}

	assert.Empty(t, overrun())

	// the first inner snapshot is still blocked: no timer, no second call
	assert.Empty(t, p.Snapshot())
	assert.Empty(t, p.Snapshot())
	assert.False(t, fc.HasWaiters())
	inner.AssertNumberOfCalls(t, "Snapshot", 1)

	close(release)
	require.Eventually(t, func() bool { return !p.inflight.Load() }, time.Second, time.Millisecond)

	inner.On("Snapshot").Return(records).Once()
	done := make(chan []StateResidency)
	go func() {
		done <- p.Snapshot()
	}()
	select {
	case got := <-done:
		assert.Equal(t, records, got)
	case <-time.After(time.Second):
		t.Fatal("snapshot after recovery did not return")
	}
	inner.AssertNumberOfCalls(t, "Snapshot", 2)
}

func TestTimedProviderNoBudget(t *testing.T) {
	records := []StateResidency{{EntityName: "AoC", StateName: "SLEEP"}}
	inner := &mockProvider{}
	inner.On("Snapshot").Return(records).Once()

	fc := testingclock.NewFakeClock(time.Now())
	p := NewTimedProvider(inner, 0, WithTimedClock(fc))

	assert.Equal(t, records, p.Snapshot())
	assert.False(t, fc.HasWaiters())
	inner.AssertExpectations(t)
}
