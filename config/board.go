// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed boards/*.yaml
var builtinBoards embed.FS

// Board describes, as data, where a board exposes its power telemetry.
// Relative paths are resolved against host.sysfs; absolute paths are used
// as they are.
type (
	Board struct {
		Name string `yaml:"name"`
		// Base names a built-in board this table extends, see ExtendBoard
		Base      string            `yaml:"base"`
		Meter     BoardMeter        `yaml:"meter"`
		Sources   []SourceGroup     `yaml:"sources"`
		Dvfs      []DvfsSource      `yaml:"dvfs"`
		Devfreq   []DevfreqSource   `yaml:"devfreq"`
		Ufs       []UfsSource       `yaml:"ufs"`
		Cpufreq   CpufreqSource     `yaml:"cpufreq"`
		Userspace []UserspaceEntity `yaml:"userspace"`
		Consumers []ConsumerSpec    `yaml:"consumers"`
	}

	// BoardMeter selects the energy meter backend. Devices are IIO device
	// names for iio and hwmon chip names for hwmon, where an empty list
	// means every chip.
	BoardMeter struct {
		Type    string   `yaml:"type"`
		Devices []string `yaml:"devices"`
	}

	// SourceGroup becomes one generic provider. Timed groups are bounded by
	// residency.freshnessBudget.
	SourceGroup struct {
		Name  string       `yaml:"name"`
		Timed bool         `yaml:"timed"`
		Files []SourceFile `yaml:"files"`
	}

	SourceFile struct {
		Path     string       `yaml:"path"`
		Entities []EntitySpec `yaml:"entities"`
	}

	EntitySpec struct {
		Name   string      `yaml:"name"`
		Header string      `yaml:"header"`
		States []StateSpec `yaml:"states"`
	}

	StateSpec struct {
		Name       string      `yaml:"name"`
		Header     string      `yaml:"header"`
		EntryCount *MetricSpec `yaml:"entryCount"`
		TotalTime  *MetricSpec `yaml:"totalTime"`
		LastEntry  *MetricSpec `yaml:"lastEntry"`
	}

	// MetricSpec locates one counter. Unit is the unit of the raw value
	// (ns, us or ms) and converts it to milliseconds; Match is line-start
	// (default) or after-label.
	MetricSpec struct {
		Prefix string `yaml:"prefix"`
		Unit   string `yaml:"unit"`
		Match  string `yaml:"match"`
	}

	DvfsSource struct {
		Path    string           `yaml:"path"`
		Unit    string           `yaml:"unit"`
		Domains []DvfsDomainSpec `yaml:"domains"`
	}

	DvfsDomainSpec struct {
		Name   string          `yaml:"name"`
		States []DvfsStateSpec `yaml:"states"`
	}

	DvfsStateSpec struct {
		Name string `yaml:"name"`
		Key  string `yaml:"key"`
	}

	DevfreqSource struct {
		Entity string `yaml:"entity"`
		Dir    string `yaml:"dir"`
	}

	UfsSource struct {
		Dir string `yaml:"dir"`
	}

	CpufreqSource struct {
		Enabled bool `yaml:"enabled"`
	}

	// UserspaceEntity is an entity whose residency is pushed by a
	// registered callback rather than read from a file
	UserspaceEntity struct {
		Entity string           `yaml:"entity"`
		States []UserspaceState `yaml:"states"`
	}

	UserspaceState struct {
		ID   int32  `yaml:"id"`
		Name string `yaml:"name"`
	}

	ConsumerSpec struct {
		Type          string           `yaml:"type"`
		Name          string           `yaml:"name"`
		Channels      []string         `yaml:"channels"`
		Approximation string           `yaml:"approximation"`
		Attribution   *AttributionSpec `yaml:"attribution"`
	}

	// AttributionSpec splits a consumer's energy over uids. Coefficients are
	// in mW and keyed by the usage table bucket labels.
	AttributionSpec struct {
		UsageTable   string            `yaml:"usageTable"`
		Coefficients map[string]uint64 `yaml:"coefficients"`
	}
)

// Metric units accepted by MetricSpec.Unit and DvfsSource.Unit
const (
	UnitMillis = "ms"
	UnitMicros = "us"
	UnitNanos  = "ns"
)

// Energy meter backends accepted by BoardMeter.Type
const (
	MeterIIO   = "iio"
	MeterHwmon = "hwmon"
)

// Metric match modes accepted by MetricSpec.Match
const (
	MatchLineStart  = "line-start"
	MatchAfterLabel = "after-label"
)

// LoadBoard parses and validates a board table. A table with a base is
// applied on top of that built-in board before validation.
func LoadBoard(r io.Reader) (*Board, error) {
	b, err := decodeBoard(r)
	if err != nil {
		return nil, err
	}

	if b.Base != "" {
		base, err := openBuiltin(b.Base)
		if err != nil {
			return nil, err
		}
		if base.Base != "" {
			return nil, fmt.Errorf("base board %q must not extend another board", b.Base)
		}
		if b, err = ExtendBoard(base, b); err != nil {
			return nil, err
		}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeBoard(r io.Reader) (*Board, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}

	b := &Board{}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to parse board: %w", err)
	}
	return b, nil
}

// BoardFromFile loads a board table from a file
func BoardFromFile(filePath string) (b *Board, errRet error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open board file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && errRet == nil {
			errRet = err
		}
	}()

	return LoadBoard(file)
}

// BuiltinBoard loads one of the board tables shipped with the binary
func BuiltinBoard(name string) (*Board, error) {
	f, err := builtinBoards.Open(path.Join("boards", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown board %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	return LoadBoard(f)
}

// openBuiltin decodes a shipped board table without resolving its base
func openBuiltin(name string) (*Board, error) {
	f, err := builtinBoards.Open(path.Join("boards", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown board %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	return decodeBoard(f)
}

// BuiltinBoards returns the names of the shipped board tables
func BuiltinBoards() []string {
	entries, err := builtinBoards.ReadDir("boards")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok {
			names = append(names, name)
		}
	}
	return names
}

// HasBuiltinBoard reports whether a board table named name is shipped
func HasBuiltinBoard(name string) bool {
	return slices.Contains(BuiltinBoards(), name)
}

// SelectedBoard loads the board selected by the configuration
func (c *Config) SelectedBoard() (*Board, error) {
	if c.Board.File != "" {
		return BoardFromFile(c.Board.File)
	}
	return BuiltinBoard(c.Board.Name)
}

// MeterType returns the meter backend of b, iio when unset
func (b *Board) MeterType() string {
	if b.Meter.Type == "" {
		return MeterIIO
	}
	return b.Meter.Type
}

// MeterDevices returns the meter devices to open: the configured override if
// any, the board's list otherwise
func (c *Config) MeterDevices(b *Board) []string {
	if len(c.Meter.Devices) > 0 {
		return c.Meter.Devices
	}
	return b.Meter.Devices
}

// Validate checks the structure of the board table. Consumer types and
// approximations are checked when the consumers are built.
func (b *Board) Validate() error {
	var errs []error

	switch b.Meter.Type {
	case "", MeterIIO, MeterHwmon:
	default:
		errs = append(errs, fmt.Errorf("meter: unknown type %q", b.Meter.Type))
	}

	for i, g := range b.Sources {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
		}
		for j, f := range g.Files {
			where := fmt.Sprintf("sources[%d].files[%d]", i, j)
			if f.Path == "" {
				errs = append(errs, fmt.Errorf("%s: path is required", where))
			}
			for k, e := range f.Entities {
				errs = append(errs, e.validate(fmt.Sprintf("%s.entities[%d]", where, k))...)
			}
		}
	}

	for i, d := range b.Dvfs {
		where := fmt.Sprintf("dvfs[%d]", i)
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", where))
		}
		if err := validateUnit(d.Unit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		for j, dom := range d.Domains {
			if dom.Name == "" {
				errs = append(errs, fmt.Errorf("%s.domains[%d]: name is required", where, j))
			}
		}
	}

	for i, d := range b.Devfreq {
		if d.Entity == "" || d.Dir == "" {
			errs = append(errs, fmt.Errorf("devfreq[%d]: entity and dir are required", i))
		}
	}

	for i, u := range b.Ufs {
		if u.Dir == "" {
			errs = append(errs, fmt.Errorf("ufs[%d]: dir is required", i))
		}
	}

	for i, u := range b.Userspace {
		if u.Entity == "" {
			errs = append(errs, fmt.Errorf("userspace[%d]: entity is required", i))
		}
	}

	seen := map[string]bool{}
	for i, c := range b.Consumers {
		where := fmt.Sprintf("consumers[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else if seen[c.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate consumer name %q", where, c.Name))
		}
		seen[c.Name] = true

		if c.Attribution != nil && c.Attribution.UsageTable == "" {
			errs = append(errs, fmt.Errorf("%s: attribution requires a usageTable", where))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid board %q: %w", b.Name, err)
	}
	return nil
}

func (e EntitySpec) validate(where string) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s: name is required", where))
	}
	for i, s := range e.States {
		sw := fmt.Sprintf("%s.states[%d]", where, i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", sw))
		}
		for _, m := range []*MetricSpec{s.EntryCount, s.TotalTime, s.LastEntry} {
			if m == nil {
				continue
			}
			if err := validateUnit(m.Unit); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sw, err))
			}
			switch m.Match {
			case "", MatchLineStart, MatchAfterLabel:
			default:
				errs = append(errs, fmt.Errorf("%s: unknown match mode %q", sw, m.Match))
			}
		}
	}
	return errs
}

func validateUnit(unit string) error {
	switch unit {
	case "", UnitMillis, UnitMicros, UnitNanos:
		return nil
	default:
		return fmt.Errorf("unknown unit %q", unit)
	}
}
