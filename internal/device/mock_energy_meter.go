// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEnergyMeter is a testify mock of EnergyMeter shared by the packages
// that consume meters
type MockEnergyMeter struct {
	mock.Mock
}

var _ EnergyMeter = (*MockEnergyMeter)(nil)

func (m *MockEnergyMeter) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockEnergyMeter) Init() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockEnergyMeter) Channels() []Channel {
	args := m.Called()
	return args.Get(0).([]Channel)
}

func (m *MockEnergyMeter) ReadAll(ctx context.Context) (map[int32]Energy, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int32]Energy), args.Error(1)
}

func (m *MockEnergyMeter) Close() error {
	args := m.Called()
	return args.Error(0)
}
