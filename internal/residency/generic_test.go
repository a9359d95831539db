// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

var countState = StateConfig{
	Name:       "DOWN",
	EntryCount: Rule("down_count:", nil),
	TotalTime:  Rule("total_down_time_ns:", NsToMs),
	LastEntry:  Rule("last_down_time_ns:", NsToMs),
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func recordsByEntity(records []StateResidency) map[string][]StateResidency {
	ret := map[string][]StateResidency{}
	for _, r := range records {
		ret[r.EntityName] = append(ret[r.EntityName], r)
	}
	return ret
}

func TestGenericProviderWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "power_stats", `SLEEP:
count: 4
duration_usec: 3000
last_entry_timestamp_usec: 9000
`)

	p := NewGenericProvider("modem", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{{
			EntityName: "MODEM",
			States: []StateConfig{{
				Name:       "SLEEP",
				Header:     "SLEEP:",
				EntryCount: Rule("count:", nil),
				TotalTime:  Rule("duration_usec:", UsToMs),
				LastEntry:  Rule("last_entry_timestamp_usec:", UsToMs),
			}},
		}},
	}})

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, StateResidency{
		EntityName:  "MODEM",
		StateName:   "SLEEP",
		EntryCount:  ptr.To[uint64](4),
		TotalTimeMs: ptr.To[uint64](3),
		LastEntryMs: ptr.To[uint64](9),
	}, records[0])
	assert.Equal(t, []PowerEntity{{Name: "MODEM", States: []string{"SLEEP"}}}, p.PowerEntities())
}

func TestGenericProviderHeaderSplit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "core_stats", `preamble
down_count: 999
ENTITY_A:
down_count: 1
total_down_time_ns: 2000000
ENTITY_B:
down_count: 3
last_down_time_ns: 4000000
`)

	p := NewGenericProvider("cores", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{
			{EntityName: "A", HeaderLabel: "ENTITY_A:", States: []StateConfig{countState}},
			{EntityName: "B", HeaderLabel: "ENTITY_B:", States: []StateConfig{countState}},
		},
	}})

	byEntity := recordsByEntity(p.Snapshot())
	require.Len(t, byEntity["A"], 1)
	require.Len(t, byEntity["B"], 1)

	a := byEntity["A"][0]
	assert.Equal(t, ptr.To[uint64](1), a.EntryCount)
	assert.Equal(t, ptr.To[uint64](2), a.TotalTimeMs)
	assert.Nil(t, a.LastEntryMs, "ENTITY_B counters must not leak into ENTITY_A")

	b := byEntity["B"][0]
	assert.Equal(t, ptr.To[uint64](3), b.EntryCount)
	assert.Nil(t, b.TotalTimeMs)
	assert.Equal(t, ptr.To[uint64](4), b.LastEntryMs)
}

func TestSplitEntityBlocksOnlyConfiguredHeadersDelimit(t *testing.T) {
	content := `preamble
ENTITY_A:
down_count: 1
ENTITY_C:
total_down_time_ns: 5000000
ENTITY_B:
down_count: 3
`
	blocks := splitEntityBlocks(content, []PowerEntityConfig{
		{EntityName: "A", HeaderLabel: "ENTITY_A:"},
		{EntityName: "B", HeaderLabel: "ENTITY_B:"},
	})

	assert.Equal(t, map[string]string{
		"ENTITY_A:": "down_count: 1\nENTITY_C:\ntotal_down_time_ns: 5000000\n",
		"ENTITY_B:": "down_count: 3\n",
	}, blocks)
}

func TestGenericProviderMissingHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pd_stats", "pd-aur:\non_count: 1\n")

	onState := StateConfig{Name: "ON", EntryCount: Rule("on_count:", nil)}
	p := NewGenericProvider("pd", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{
			{EntityName: "pd-aur", HeaderLabel: "pd-aur:", States: []StateConfig{onState}},
			{EntityName: "pd-tpu", HeaderLabel: "pd-tpu:", States: []StateConfig{onState}},
		},
	}})

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "pd-aur", records[0].EntityName)
}

func TestGenericProviderStateHeaders(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "soc_stats", `LPM:
SLEEP
  success_count: 5
  total_time_ns: 1000000
SLEEP_SLCMON
  success_count: 6
STOP
  total_time_ns: 3000000
MIF:
SLEEP
  success_count: 100
`)

	lpm := StateConfig{
		EntryCount: Rule("success_count:", nil),
		TotalTime:  Rule("total_time_ns:", NsToMs),
	}
	p := NewGenericProvider("soc", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{{
			EntityName:  "LPM",
			HeaderLabel: "LPM:",
			States: StatesFromHeaders(lpm, [][2]string{
				{"SLEEP", "SLEEP"},
				{"SLEEP_SLCMON", "SLEEP_SLCMON"},
				{"STOP", "STOP"},
			}),
		}},
	}})

	records := p.Snapshot()
	require.Len(t, records, 3)

	assert.Equal(t, "SLEEP", records[0].StateName)
	assert.Equal(t, ptr.To[uint64](5), records[0].EntryCount)
	assert.Equal(t, ptr.To[uint64](1), records[0].TotalTimeMs)

	assert.Equal(t, "SLEEP_SLCMON", records[1].StateName)
	assert.Equal(t, ptr.To[uint64](6), records[1].EntryCount)
	assert.Nil(t, records[1].TotalTimeMs, "STOP counters must not leak into SLEEP_SLCMON")

	assert.Equal(t, "STOP", records[2].StateName)
	assert.Nil(t, records[2].EntryCount)
	assert.Equal(t, ptr.To[uint64](3), records[2].TotalTimeMs)
}

func TestGenericProviderHeaderLineValue(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "restart_count", "RESTART: 3\n")

	p := NewGenericProvider("aoc", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{{
			EntityName: "AoC-Count",
			States: []StateConfig{{
				Name:       "RESTART",
				Header:     "RESTART:",
				EntryCount: Rule("", nil),
			}},
		}},
	}})

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, ptr.To[uint64](3), records[0].EntryCount)
}

func TestGenericProviderSkipsUnsupportedStates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stats", "count: 1\n")

	p := NewGenericProvider("x", []Source{{
		Path: path,
		Entities: []PowerEntityConfig{{
			EntityName: "X",
			States: []StateConfig{
				{Name: "OFF", EntryCount: MetricRule{Prefix: "count:"}},
				{Name: "ON", EntryCount: Rule("count:", nil)},
			},
		}},
	}})

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "ON", records[0].StateName)
	assert.Equal(t, []PowerEntity{{Name: "X", States: []string{"ON"}}}, p.PowerEntities())
}

func TestGenericProviderMissingFile(t *testing.T) {
	dir := t.TempDir()
	present := writeFile(t, dir, "present", "down_count: 8\n")

	p := NewGenericProvider("mixed", []Source{
		{
			Path:     filepath.Join(dir, "absent"),
			Entities: []PowerEntityConfig{{EntityName: "GONE", States: []StateConfig{countState}}},
		},
		{
			Path:     present,
			Entities: []PowerEntityConfig{{EntityName: "HERE", States: []StateConfig{countState}}},
		},
	})

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "HERE", records[0].EntityName)
	assert.Equal(t, ptr.To[uint64](8), records[0].EntryCount)
}

func TestGenericProviderFanOut(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wifi", `WIFI
AWAKE:
count: 1
WIFI-PCIE
L0:
count: 2
`)

	p := NewGenericProvider("wifi", []Source{
		{Path: path, Entities: []PowerEntityConfig{{
			EntityName: "WIFI", HeaderLabel: "WIFI",
			States: []StateConfig{{Name: "AWAKE", Header: "AWAKE:", EntryCount: Rule("count:", nil)}},
		}}},
		{Path: path, Entities: []PowerEntityConfig{{
			EntityName: "WIFI-PCIE", HeaderLabel: "WIFI-PCIE",
			States: []StateConfig{{Name: "L0", Header: "L0:", EntryCount: Rule("count:", nil)}},
		}}},
	})

	require.Len(t, p.files, 1, "sources sharing a path must be read once")
	require.Len(t, p.files[0].Entities, 2)

	byEntity := recordsByEntity(p.Snapshot())
	assert.Equal(t, ptr.To[uint64](1), byEntity["WIFI"][0].EntryCount)
	assert.Equal(t, ptr.To[uint64](2), byEntity["WIFI-PCIE"][0].EntryCount)
}

func TestGenericProviderIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stats", "down_count: 2\ntotal_down_time_ns: 5000000\n")

	p := NewGenericProvider("idem", []Source{{
		Path:     path,
		Entities: []PowerEntityConfig{{EntityName: "CORE00", States: []StateConfig{countState}}},
	}})

	first := p.Snapshot()
	second := p.Snapshot()
	assert.Equal(t, first, second)
}

func TestGenericProviderRereadsOnEverySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stats", "down_count: 2\n")

	p := NewGenericProvider("fresh", []Source{{
		Path:     path,
		Entities: []PowerEntityConfig{{EntityName: "CORE00", States: []StateConfig{countState}}},
	}})
	assert.Equal(t, ptr.To[uint64](2), p.Snapshot()[0].EntryCount)

	writeFile(t, dir, "stats", "down_count: 3\n")
	assert.Equal(t, ptr.To[uint64](3), p.Snapshot()[0].EntryCount)
}

func TestGenericProviderMaxReadBytes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stats", "down_count: 2\nlast_down_time_ns: 5000000\n")

	p := NewGenericProvider("bounded", []Source{{
		Path:     path,
		Entities: []PowerEntityConfig{{EntityName: "CORE00", States: []StateConfig{countState}}},
	}}, WithMaxReadBytes(len("down_count: 2\n")))

	records := p.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, ptr.To[uint64](2), records[0].EntryCount)
	assert.Nil(t, records[0].LastEntryMs)
}
