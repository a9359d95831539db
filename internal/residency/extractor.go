// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"fmt"
)

// StateConfig describes how the counters of one low-power state are parsed
type StateConfig struct {
	Name string

	// Header optionally marks the start of this state's lines inside the
	// entity block (e.g. "GPS_ON:"). Empty means the whole entity block.
	Header string

	EntryCount MetricRule
	TotalTime  MetricRule
	LastEntry  MetricRule
}

// Supported reports whether at least one metric of the state is parsed
func (c StateConfig) Supported() bool {
	return c.EntryCount.Supported || c.TotalTime.Supported || c.LastEntry.Supported
}

// StatesFromHeaders builds one StateConfig per (name, header) pair sharing
// the same metric rules
func StatesFromHeaders(template StateConfig, headers [][2]string) []StateConfig {
	states := make([]StateConfig, 0, len(headers))
	for _, h := range headers {
		s := template
		s.Name, s.Header = h[0], h[1]
		states = append(states, s)
	}
	return states
}

// StateResidency is the normalized residency of one state of one entity.
// Optional fields are nil when the source does not report them; times are in
// milliseconds.
type StateResidency struct {
	EntityName  string
	StateName   string
	EntryCount  *uint64
	TotalTimeMs *uint64
	LastEntryMs *uint64
}

// Extract applies the metric rules of cfg to text. ok is false when cfg has no
// supported rule, in which case no record must be reported. A non-nil error
// lists the fields that failed to parse; the returned record still carries
// every field that parsed.
func Extract(entity string, cfg StateConfig, text string) (sr StateResidency, ok bool, err error) {
	if !cfg.Supported() {
		return StateResidency{}, false, nil
	}

	sr = StateResidency{EntityName: entity, StateName: cfg.Name}

	var errs []error
	fields := []struct {
		name string
		rule MetricRule
		dst  **uint64
	}{
		{"entry count", cfg.EntryCount, &sr.EntryCount},
		{"total time", cfg.TotalTime, &sr.TotalTimeMs},
		{"last entry", cfg.LastEntry, &sr.LastEntryMs},
	}
	for _, f := range fields {
		v, found, perr := ParseMetric(text, f.rule)
		if perr != nil {
			errs = append(errs, fmt.Errorf("%s/%s %s: %w", entity, cfg.Name, f.name, perr))
			continue
		}
		if found {
			*f.dst = &v
		}
	}

	return sr, true, errors.Join(errs...)
}
