// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects which groups of metrics are exported, as a bit pattern
type Level uint32

const (
	MetricsLevelResidency Level = 1 << iota // 1
	MetricsLevelMeter                       // 2
	MetricsLevelConsumer                    // 4

	// MetricsLevelAll represents all metric levels combined
	MetricsLevelAll = MetricsLevelResidency | MetricsLevelMeter | MetricsLevelConsumer
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelResidency, "residency"},
	{MetricsLevelMeter, "meter"},
	{MetricsLevelConsumer, "consumer"},
}

func (l Level) names() []string {
	var levels []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			levels = append(levels, ln.name)
		}
	}
	return levels
}

// String returns the string representation of the level
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsResidencyEnabled checks if state residency metrics are enabled
func (l Level) IsResidencyEnabled() bool {
	return l&MetricsLevelResidency != 0
}

// IsMeterEnabled checks if energy meter channel metrics are enabled
func (l Level) IsMeterEnabled() bool {
	return l&MetricsLevelMeter != 0
}

// IsConsumerEnabled checks if energy consumer metrics are enabled
func (l Level) IsConsumerEnabled() bool {
	return l&MetricsLevelConsumer != 0
}

// ParseLevel parses a slice of strings into a Level
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}

	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	return MetricsLevelAll.names()
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (interface{}, error) {
	levels := l.names()

	// single string for one level
	if len(levels) == 1 {
		return levels[0], nil
	}
	return levels, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, parseErr := ParseLevel([]string{single})
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, parseErr := ParseLevel(multiple)
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
