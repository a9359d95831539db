// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
)

var (
	ErrNoDevices  = errors.New("device: no energy meter devices found")
	ErrNoChannels = errors.New("device: no enabled rails")
	ErrNotInit    = errors.New("device: meter not initialized")
)

// Channel is one metered power rail
type Channel struct {
	ID        int32
	Name      string
	Subsystem string
}

// EnergyMeter is a generic interface for hardware meters that report
// accumulated energy per power rail
type EnergyMeter interface {
	// Name() returns a string identifying the energy meter
	Name() string

	// Init probes the hardware and fixes the channel table
	Init() error

	// Channels returns the channel table established by Init
	Channels() []Channel

	// ReadAll returns the accumulated energy of every channel in one read.
	// Values of different calls are comparable only for the same channel id.
	ReadAll(ctx context.Context) (map[int32]Energy, error)

	// Close releases the meter
	Close() error
}

func cloneChannels(in []Channel) []Channel {
	return append([]Channel(nil), in...)
}
