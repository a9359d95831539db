// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/sysfs"
)

const hwmonClassDir = "class/hwmon"

var (
	hwmonEnergyFile         = regexp.MustCompile(`^energy(\d+)_(input|label)$`)
	hwmonInvalidMetricChars = regexp.MustCompile("[^a-z0-9:_]")
)

// hwmonSensor is one energyN_input file
type hwmonSensor struct {
	id   int32
	path string
}

// HwmonMeter implements EnergyMeter over hwmon energy sensors such as the
// SCMI and INA2xx drivers expose. Each energyN_input is one channel, named
// by its energyN_label when present; the chip name becomes the subsystem.
type HwmonMeter struct {
	logger   *slog.Logger
	basePath string
	chips    []string

	sensors  []hwmonSensor
	channels []Channel
}

var _ EnergyMeter = (*HwmonMeter)(nil)

// HwmonOptionFn is a function that configures HwmonMeter options
type HwmonOptionFn func(*HwmonMeter)

// WithHwmonLogger sets the logger for HwmonMeter
func WithHwmonLogger(logger *slog.Logger) HwmonOptionFn {
	return func(m *HwmonMeter) {
		m.logger = logger.With("service", "hwmon-meter")
	}
}

// NewHwmonMeter creates a meter over the hwmon chips whose name file matches
// one of chips; an empty list selects every chip with energy sensors.
func NewHwmonMeter(sysfsPath string, chips []string, opts ...HwmonOptionFn) *HwmonMeter {
	m := &HwmonMeter{
		logger:   slog.Default().With("service", "hwmon-meter"),
		basePath: filepath.Join(sysfsPath, hwmonClassDir),
		chips:    slices.Clone(chips),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *HwmonMeter) Name() string {
	return "hwmon"
}

// Init scans the hwmon class directory. Chips are visited in directory order
// and sensors in index order, which fixes the channel ids.
func (m *HwmonMeter) Init() error {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: hwmon not available: %v", ErrNoDevices, err)
		}
		return fmt.Errorf("failed to read hwmon directory: %w", err)
	}

	wanted := map[string]bool{}
	for _, c := range m.chips {
		wanted[cleanMetricName(c)] = true
	}

	var (
		sensors  []hwmonSensor
		channels []Channel
		chips    int
		next     int32
	)
	for _, entry := range entries {
		dir := filepath.Join(m.basePath, entry.Name())
		if !entry.IsDir() && !isSymlink(dir) {
			continue
		}

		chip := chipName(dir, entry.Name())
		if len(wanted) > 0 && !wanted[chip] {
			m.logger.Debug("skipping hwmon chip", "chip", chip, "path", dir)
			continue
		}

		found, err := energySensors(dir)
		if err != nil {
			m.logger.Debug("failed to scan hwmon chip", "chip", chip, "error", err)
			continue
		}
		if len(found) == 0 {
			continue
		}
		chips++

		for _, s := range found {
			name := s.label
			if name == "" {
				name = fmt.Sprintf("%s_energy%d", chip, s.index)
			}
			sensors = append(sensors, hwmonSensor{id: next, path: s.input})
			channels = append(channels, Channel{ID: next, Name: name, Subsystem: chip})
			next++
		}
		m.logger.Debug("hwmon chip found", "chip", chip, "path", dir, "sensors", len(found))
	}

	if chips == 0 {
		return fmt.Errorf("%w: no hwmon energy sensors under %s", ErrNoDevices, m.basePath)
	}

	m.sensors, m.channels = sensors, channels
	return nil
}

func (m *HwmonMeter) Channels() []Channel {
	return cloneChannels(m.channels)
}

// ReadAll reads every energyN_input; values are microjoules
func (m *HwmonMeter) ReadAll(ctx context.Context) (map[int32]Energy, error) {
	if m.sensors == nil {
		return nil, ErrNotInit
	}

	ret := make(map[int32]Energy, len(m.sensors))
	for _, s := range m.sensors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := sysfs.ReadBounded(s.path, maxAttrReadBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to read energy from %s: %w", s.path, err)
		}
		e, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse energy value from %s: %w", s.path, err)
		}
		ret[s.id] = Energy(e)
	}
	return ret, nil
}

func (m *HwmonMeter) Close() error {
	m.sensors = nil
	return nil
}

type energySensor struct {
	index int
	input string
	label string
}

// energySensors lists the energy sensors of one chip that have an input file
func energySensors(dir string) ([]energySensor, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byIndex := map[int]*energySensor{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		matches := hwmonEnergyFile.FindStringSubmatch(f.Name())
		if matches == nil {
			continue
		}
		idx, _ := strconv.Atoi(matches[1])
		s, ok := byIndex[idx]
		if !ok {
			s = &energySensor{index: idx}
			byIndex[idx] = s
		}

		path := filepath.Join(dir, f.Name())
		switch matches[2] {
		case "input":
			s.input = path
		case "label":
			if data, err := os.ReadFile(path); err == nil {
				s.label = strings.TrimSpace(string(data))
			}
		}
	}

	var ret []energySensor
	for _, s := range byIndex {
		if s.input != "" {
			ret = append(ret, *s)
		}
	}
	slices.SortFunc(ret, func(a, b energySensor) int { return a.index - b.index })
	return ret, nil
}

// chipName prefers the driver name file and falls back to the directory name
func chipName(dir, fallback string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
		if name := cleanMetricName(string(data)); name != "" {
			return name
		}
	}
	return cleanMetricName(fallback)
}

func cleanMetricName(name string) string {
	lower := strings.ToLower(name)
	replaced := hwmonInvalidMetricChars.ReplaceAllLiteralString(lower, "_")
	return strings.Trim(replaced, "_")
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}
