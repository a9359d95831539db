// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/sysfs"
)

const (
	devfreqTimeInState = "time_in_state"
	devfreqAvailable   = "available_frequencies"
)

// DevfreqProvider reports the time spent at each operating frequency of a
// devfreq device. time_in_state lines are "<freq kHz> <time ms>".
type DevfreqProvider struct {
	entity   string
	dir      string
	logger   *slog.Logger
	maxBytes int
}

var _ Provider = (*DevfreqProvider)(nil)

// NewDevfreqProvider creates a provider for the devfreq device at dir
func NewDevfreqProvider(entity, dir string, applyOpts ...OptionFn) *DevfreqProvider {
	opts := buildOpts(applyOpts)
	return &DevfreqProvider{
		entity:   entity,
		dir:      dir,
		logger:   opts.logger.With("provider", "devfreq", "entity", entity),
		maxBytes: opts.maxBytes,
	}
}

func (p *DevfreqProvider) Name() string {
	return "devfreq-" + strings.ToLower(p.entity)
}

// PowerEntities lists the device frequencies from available_frequencies.
// The list is empty while the device is absent.
func (p *DevfreqProvider) PowerEntities() []PowerEntity {
	data, err := sysfs.ReadBounded(filepath.Join(p.dir, devfreqAvailable), p.maxBytes)
	if err != nil {
		p.logger.Debug("failed to read available frequencies", "error", err)
		return []PowerEntity{{Name: p.entity}}
	}

	var states []string
	for _, f := range strings.Fields(string(data)) {
		khz, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		states = append(states, freqStateName(khz))
	}
	return []PowerEntity{{Name: p.entity, States: states}}
}

func (p *DevfreqProvider) Snapshot() []StateResidency {
	path := filepath.Join(p.dir, devfreqTimeInState)
	data, err := sysfs.ReadBounded(path, p.maxBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("backing file not found", "path", path)
		} else {
			p.logger.Warn("failed to read backing file", "path", path, "error", err)
		}
		return nil
	}

	var records []StateResidency
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		khz, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			// header lines such as "freq time"
			continue
		}
		ms, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			p.logger.Debug("malformed time_in_state line", "line", strings.TrimSpace(line), "error", err)
			continue
		}
		records = append(records, StateResidency{
			EntityName:  p.entity,
			StateName:   freqStateName(khz),
			TotalTimeMs: &ms,
		})
	}
	return records
}

func freqStateName(khz uint64) string {
	return fmt.Sprintf("%dMHz", khz/1000)
}
