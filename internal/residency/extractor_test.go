// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

var acpmState = StateConfig{
	Name:       "SLEEP",
	EntryCount: Rule("success_count:", nil),
	TotalTime:  Rule("total_time_ns:", NsToMs),
	LastEntry:  Rule("last_entry_time_ns:", NsToMs),
}

func TestExtract(t *testing.T) {
	text := `success_count: 12
total_time_ns: 7000000
last_entry_time_ns: 9000000
`
	sr, ok, err := Extract("LPM", acpmState, text)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateResidency{
		EntityName:  "LPM",
		StateName:   "SLEEP",
		EntryCount:  ptr.To[uint64](12),
		TotalTimeMs: ptr.To[uint64](7),
		LastEntryMs: ptr.To[uint64](9),
	}, sr)
}

func TestExtractUnsupportedState(t *testing.T) {
	cfg := StateConfig{
		Name:       "OFF",
		EntryCount: MetricRule{Prefix: "count:"},
		TotalTime:  MetricRule{Prefix: "time:"},
		LastEntry:  MetricRule{Prefix: "last:"},
	}
	sr, ok, err := Extract("X", cfg, "count: 1\ntime: 2\nlast: 3\n")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateResidency{}, sr)
}

func TestExtractPartialFailure(t *testing.T) {
	text := `success_count: twelve
total_time_ns: 7000000
`
	sr, ok, err := Extract("LPM", acpmState, text)
	assert.True(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))

	assert.Nil(t, sr.EntryCount, "malformed field must be absent")
	assert.Equal(t, ptr.To[uint64](7), sr.TotalTimeMs)
	assert.Nil(t, sr.LastEntryMs, "missing field must be absent")
}

func TestStatesFromHeaders(t *testing.T) {
	states := StatesFromHeaders(acpmState, [][2]string{{"ON", "GPS_ON:"}, {"OFF", "GPS_OFF:"}})
	require.Len(t, states, 2)
	assert.Equal(t, "ON", states[0].Name)
	assert.Equal(t, "GPS_ON:", states[0].Header)
	assert.Equal(t, "OFF", states[1].Name)
	assert.Equal(t, acpmState.TotalTime.Prefix, states[1].TotalTime.Prefix)
}
