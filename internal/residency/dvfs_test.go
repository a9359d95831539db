// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestDvfsProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fvp_stats", `MIF
2093000 1000000000
1539000 2000000000
TPU
1066000 3000000000
`)

	p := NewDvfsProvider(path, NsToMs, []DvfsDomain{
		{Name: "MIF", States: [][2]string{{"2093MHz", "2093000"}, {"1539MHz", "1539000"}}},
		{Name: "TPU", States: [][2]string{{"1066MHz", "1066000"}, {"967MHz", "967000"}}},
	})

	assert.Equal(t, []PowerEntity{
		{Name: "MIF-DVFS", States: []string{"2093MHz", "1539MHz"}},
		{Name: "TPU-DVFS", States: []string{"1066MHz", "967MHz"}},
	}, p.PowerEntities())

	byEntity := recordsByEntity(p.Snapshot())
	require.Len(t, byEntity["MIF-DVFS"], 2)
	assert.Equal(t, ptr.To[uint64](1000), byEntity["MIF-DVFS"][0].TotalTimeMs)
	assert.Equal(t, ptr.To[uint64](2000), byEntity["MIF-DVFS"][1].TotalTimeMs)

	// an operating point absent from the file still yields a record without a total
	require.Len(t, byEntity["TPU-DVFS"], 2)
	assert.Equal(t, ptr.To[uint64](3000), byEntity["TPU-DVFS"][0].TotalTimeMs)
	assert.Nil(t, byEntity["TPU-DVFS"][1].TotalTimeMs)
}
