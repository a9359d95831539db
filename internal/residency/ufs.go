// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"log/slog"
	"path/filepath"

	"github.com/sustainable-computing-io/powerstats/internal/sysfs"
)

const (
	ufsEntity = "UFS"
	ufsState  = "HIBERN8"

	ufsEntryCountFile = "hibern8_exit_cnt"
	ufsTotalTimeFile  = "hibern8_total_us"
	ufsLastEntryFile  = "last_hibern8_enter_time"
)

// UfsProvider reports the HIBERN8 residency of a UFS host controller. The
// stats directory holds one value per file, in microseconds for times.
type UfsProvider struct {
	dir      string
	logger   *slog.Logger
	maxBytes int
}

var _ Provider = (*UfsProvider)(nil)

// NewUfsProvider creates a provider reading the ufs_stats directory dir
func NewUfsProvider(dir string, applyOpts ...OptionFn) *UfsProvider {
	opts := buildOpts(applyOpts)
	return &UfsProvider{
		dir:      dir,
		logger:   opts.logger.With("provider", "ufs"),
		maxBytes: opts.maxBytes,
	}
}

func (p *UfsProvider) Name() string {
	return "ufs"
}

func (p *UfsProvider) PowerEntities() []PowerEntity {
	return []PowerEntity{{Name: ufsEntity, States: []string{ufsState}}}
}

func (p *UfsProvider) Snapshot() []StateResidency {
	sr := StateResidency{EntityName: ufsEntity, StateName: ufsState}

	fields := []struct {
		file      string
		transform UnitTransform
		dst       **uint64
	}{
		{ufsEntryCountFile, nil, &sr.EntryCount},
		{ufsTotalTimeFile, UsToMs, &sr.TotalTimeMs},
		{ufsLastEntryFile, UsToMs, &sr.LastEntryMs},
	}

	read := 0
	for _, f := range fields {
		path := filepath.Join(p.dir, f.file)
		data, err := sysfs.ReadBounded(path, p.maxBytes)
		if err != nil {
			p.logger.Warn("failed to read ufs stat", "path", path, "error", err)
			continue
		}
		read++

		v, found, err := ParseMetric(string(data), Rule("", f.transform))
		if err != nil {
			p.logger.Debug("malformed ufs stat", "path", path, "error", err)
			continue
		}
		if found {
			*f.dst = &v
		}
	}

	if read == 0 {
		return nil
	}
	return []StateResidency{sr}
}
