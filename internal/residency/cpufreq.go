// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/prometheus/procfs/sysfs"
)

// cpufreq stats/time_in_state counts in units of 10ms
const cpufreqTickMs = 10

// cpufreqReader is an interface for the cpufreq part of sysfs, used for mocking in tests
type cpufreqReader interface {
	SystemCpufreq() ([]sysfs.SystemCPUCpufreqStats, error)
}

// CpufreqProvider reports per-CPU frequency residency from the cpufreq stats
// of the kernel. Each CPU is an entity named "CPU<n>-FREQ".
type CpufreqProvider struct {
	reader cpufreqReader
	logger *slog.Logger
}

var _ Provider = (*CpufreqProvider)(nil)

// NewCpufreqProvider creates a provider over the sysfs mounted at sysfsPath
func NewCpufreqProvider(sysfsPath string, applyOpts ...OptionFn) (*CpufreqProvider, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}
	opts := buildOpts(applyOpts)
	return &CpufreqProvider{
		reader: fs,
		logger: opts.logger.With("provider", "cpufreq"),
	}, nil
}

func (p *CpufreqProvider) Name() string {
	return "cpufreq"
}

func (p *CpufreqProvider) PowerEntities() []PowerEntity {
	stats, err := p.reader.SystemCpufreq()
	if err != nil {
		p.logger.Debug("failed to read cpufreq", "error", err)
		return nil
	}

	ret := make([]PowerEntity, 0, len(stats))
	for _, s := range stats {
		e := PowerEntity{Name: cpufreqEntity(s.Name)}
		for _, khz := range sortedFrequencies(s) {
			e.States = append(e.States, freqStateName(khz))
		}
		ret = append(ret, e)
	}
	return ret
}

func (p *CpufreqProvider) Snapshot() []StateResidency {
	stats, err := p.reader.SystemCpufreq()
	if err != nil {
		p.logger.Warn("failed to read cpufreq stats", "error", err)
		return nil
	}

	var records []StateResidency
	for _, s := range stats {
		if s.CpuinfoFrequencyDuration == nil {
			continue
		}
		durations := *s.CpuinfoFrequencyDuration
		for _, khz := range sortedFrequencies(s) {
			ms := durations[khz] * cpufreqTickMs
			records = append(records, StateResidency{
				EntityName:  cpufreqEntity(s.Name),
				StateName:   freqStateName(khz),
				TotalTimeMs: &ms,
			})
		}
	}
	return records
}

func cpufreqEntity(cpu string) string {
	return "CPU" + cpu + "-FREQ"
}

func sortedFrequencies(s sysfs.SystemCPUCpufreqStats) []uint64 {
	if s.CpuinfoFrequencyDuration == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(*s.CpuinfoFrequencyDuration))
}
