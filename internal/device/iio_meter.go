// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/sysfs"
)

const (
	iioDevicesDir    = "bus/iio/devices"
	iioDeviceGlob    = "iio:device*"
	iioNameFile      = "name"
	iioRailsFile     = "enabled_rails"
	iioEnergyFile    = "energy_value"
	maxAttrReadBytes = 16 * 1024
	iioTimestampMark = "t="
)

// iioDevice is one on-device power monitor exposed through the IIO subsystem
type iioDevice struct {
	name  string
	path  string
	rails map[string]int32 // rail name -> channel id
}

// IIOMeter implements EnergyMeter over on-device power monitors (ODPM) that
// publish their rails through IIO sysfs. enabled_rails lists one
// "CH<n>[<rail>]:<subsystem>" line per rail and energy_value reports
// "CH<n>(T=<ms>)[<rail>], <energy µWs>" lines after a "t=<ms>" header.
type IIOMeter struct {
	logger      *slog.Logger
	basePath    string
	deviceNames []string

	devices  []iioDevice
	channels []Channel
}

var _ EnergyMeter = (*IIOMeter)(nil)

// IIOOptionFn is a function that configures IIOMeter options
type IIOOptionFn func(*IIOMeter)

// WithIIOLogger sets the logger for IIOMeter
func WithIIOLogger(logger *slog.Logger) IIOOptionFn {
	return func(m *IIOMeter) {
		m.logger = logger.With("service", "iio-meter")
	}
}

// NewIIOMeter creates a meter over the IIO devices named deviceNames. Channel
// ids are assigned in deviceNames order, then in rail order within a device.
func NewIIOMeter(sysfsPath string, deviceNames []string, opts ...IIOOptionFn) *IIOMeter {
	m := &IIOMeter{
		logger:      slog.Default().With("service", "iio-meter"),
		basePath:    filepath.Join(sysfsPath, iioDevicesDir),
		deviceNames: slices.Clone(deviceNames),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *IIOMeter) Name() string {
	return "iio-odpm"
}

// Init locates the configured devices and reads their enabled rails. It
// must complete before the meter is shared.
func (m *IIOMeter) Init() error {
	found, err := m.findDevices()
	if err != nil {
		return err
	}

	var (
		devices  []iioDevice
		channels []Channel
		next     int32
	)
	for _, name := range m.deviceNames {
		path, ok := found[name]
		if !ok {
			m.logger.Warn("energy meter device not found", "device", name)
			continue
		}

		data, err := sysfs.ReadBounded(filepath.Join(path, iioRailsFile), maxAttrReadBytes)
		if err != nil {
			return fmt.Errorf("failed to read enabled rails of %s: %w", name, err)
		}

		dev := iioDevice{name: name, path: path, rails: map[string]int32{}}
		for _, r := range parseEnabledRails(string(data)) {
			if _, dup := dev.rails[r.Name]; dup {
				m.logger.Warn("duplicate rail", "device", name, "rail", r.Name)
				continue
			}
			dev.rails[r.Name] = next
			channels = append(channels, Channel{ID: next, Name: r.Name, Subsystem: r.Subsystem})
			next++
		}
		devices = append(devices, dev)
		m.logger.Debug("energy meter device found", "device", name, "path", path, "rails", len(dev.rails))
	}

	if len(devices) == 0 {
		return fmt.Errorf("%w: %v under %s", ErrNoDevices, m.deviceNames, m.basePath)
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}

	m.devices, m.channels = devices, channels
	return nil
}

// findDevices maps device names to their sysfs directory
func (m *IIOMeter) findDevices() (map[string]string, error) {
	paths, err := filepath.Glob(filepath.Join(m.basePath, iioDeviceGlob))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	found := map[string]string{}
	for _, p := range paths {
		data, err := sysfs.ReadBounded(filepath.Join(p, iioNameFile), maxAttrReadBytes)
		if err != nil {
			m.logger.Debug("failed to read iio device name", "path", p, "error", err)
			continue
		}
		name := strings.TrimSpace(string(data))
		if _, dup := found[name]; !dup {
			found[name] = p
		}
	}
	return found, nil
}

func (m *IIOMeter) Channels() []Channel {
	return cloneChannels(m.channels)
}

// ReadAll reads energy_value of every device. A failure on any device fails
// the whole read so that a sample never mixes fresh and missing rails.
func (m *IIOMeter) ReadAll(ctx context.Context) (map[int32]Energy, error) {
	if m.devices == nil {
		return nil, ErrNotInit
	}

	ret := make(map[int32]Energy, len(m.channels))
	for _, dev := range m.devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(dev.path, iioEnergyFile)
		data, err := sysfs.ReadBounded(path, maxAttrReadBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to read energy of %s: %w", dev.name, err)
		}

		values, err := parseEnergyValues(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse energy of %s: %w", dev.name, err)
		}
		for rail, e := range values {
			if id, ok := dev.rails[rail]; ok {
				ret[id] = e
			}
		}
	}
	return ret, nil
}

func (m *IIOMeter) Close() error {
	m.devices = nil
	return nil
}

type railInfo struct {
	Name      string
	Subsystem string
}

// parseEnabledRails parses "CH<n>[<rail>]:<subsystem>" lines; the subsystem is optional
func parseEnabledRails(content string) []railInfo {
	var rails []railInfo
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rail, rest, ok := bracketed(line)
		if !ok {
			continue
		}
		rails = append(rails, railInfo{
			Name:      rail,
			Subsystem: strings.TrimSpace(strings.TrimPrefix(rest, ":")),
		})
	}
	return rails
}

// parseEnergyValues parses "CH<n>(T=<ms>)[<rail>], <energy>" lines keyed by rail
func parseEnergyValues(content string) (map[string]Energy, error) {
	ret := map[string]Energy{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, iioTimestampMark) {
			continue
		}
		rail, rest, ok := bracketed(line)
		if !ok {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ","))
		e, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed energy line %q: %w", line, err)
		}
		ret[rail] = Energy(e)
	}
	return ret, nil
}

// bracketed returns the text between the first '[' and the following ']' and
// whatever comes after the closing bracket
func bracketed(line string) (inner, rest string, ok bool) {
	open := strings.IndexByte(line, '[')
	if open < 0 {
		return "", "", false
	}
	end := strings.IndexByte(line[open:], ']')
	if end < 0 {
		return "", "", false
	}
	end += open
	inner = strings.TrimSpace(line[open+1 : end])
	if inner == "" {
		return "", "", false
	}
	return inner, line[end+1:], true
}
