// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"fmt"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/device"
)

// Type is the kind of logical energy consumer
type Type int

const (
	Other Type = iota
	Bluetooth
	CPUCluster
	Display
	GNSS
	MobileRadio
	Wifi
	Camera
)

var typeNames = map[Type]string{
	Other:       "OTHER",
	Bluetooth:   "BLUETOOTH",
	CPUCluster:  "CPU_CLUSTER",
	Display:     "DISPLAY",
	GNSS:        "GNSS",
	MobileRadio: "MOBILE_RADIO",
	Wifi:        "WIFI",
	Camera:      "CAMERA",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType returns the Type named s, case-insensitively
func ParseType(s string) (Type, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == want {
			return t, nil
		}
	}
	return Other, fmt.Errorf("unknown energy consumer type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Approximation marks consumers whose energy is not measured directly
type Approximation int

const (
	ApproximationNone Approximation = iota

	// ApproximationHalfRail reports half of the channel total. It stands in
	// for a consumer sharing an unsplit rail with another one until the rail
	// is calibrated.
	ApproximationHalfRail
)

func (a Approximation) String() string {
	switch a {
	case ApproximationNone:
		return "none"
	case ApproximationHalfRail:
		return "half-rail"
	default:
		return fmt.Sprintf("Approximation(%d)", int(a))
	}
}

// ParseApproximation returns the approximation named s; empty means none
func ParseApproximation(s string) (Approximation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ApproximationNone, nil
	case "half-rail":
		return ApproximationHalfRail, nil
	default:
		return ApproximationNone, fmt.Errorf("unknown approximation %q", s)
	}
}

// AttributionConfig redistributes the metered energy over owners using a
// usage table. Coefficients are in mW per bucket label.
type AttributionConfig struct {
	UsageTablePath string
	Coefficients   map[string]uint64
}

// Config describes one energy consumer
type Config struct {
	Type          Type
	Name          string
	Channels      []string
	Attribution   *AttributionConfig
	Approximation Approximation
}

// Info is the static description of a registered consumer
type Info struct {
	ID   int32
	Type Type
	Name string
}

// Result is the energy consumed by one consumer. PerUID is nil when no
// attribution is configured or it could not be computed.
type Result struct {
	ID          int32
	TimestampMs int64
	Energy      device.Energy
	PerUID      map[int32]device.Energy
	Stale       bool
}
