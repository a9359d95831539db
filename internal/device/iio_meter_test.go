// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSysFSPath = "testdata/sys"

var odpmDevices = []string{"s2mpg12-odpm", "s2mpg13-odpm"}

func TestIIOMeterInit(t *testing.T) {
	m := NewIIOMeter(validSysFSPath, odpmDevices)
	assert.Equal(t, "iio-odpm", m.Name())
	require.NoError(t, m.Init())

	assert.Equal(t, []Channel{
		{ID: 0, Name: "VSYS_PWR_MODEM", Subsystem: "Modem"},
		{ID: 1, Name: "S2M_VDD_CPUCL2", Subsystem: "CPU(BIG)"},
		{ID: 2, Name: "S3M_VDD_CPUCL1", Subsystem: "CPU(MID)"},
		{ID: 3, Name: "S2S_VDD_G3D", Subsystem: "GPU"},
		{ID: 4, Name: "VSYS_PWR_WLAN_BT", Subsystem: ""},
	}, m.Channels())

	// returned channels are a copy
	m.Channels()[0].Name = "changed"
	assert.Equal(t, "VSYS_PWR_MODEM", m.Channels()[0].Name)
}

func TestIIOMeterDeviceOrder(t *testing.T) {
	m := NewIIOMeter(validSysFSPath, []string{"s2mpg13-odpm", "s2mpg12-odpm"})
	require.NoError(t, m.Init())

	channels := m.Channels()
	require.Len(t, channels, 5)
	assert.Equal(t, "S2S_VDD_G3D", channels[0].Name)
	assert.Equal(t, "VSYS_PWR_MODEM", channels[2].Name)
}

func TestIIOMeterReadAll(t *testing.T) {
	m := NewIIOMeter(validSysFSPath, odpmDevices)
	require.NoError(t, m.Init())

	values, err := m.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int32]Energy{
		0: 1_500_000,
		1: 720_000,
		2: 300,
		3: 99,
		4: 4000,
	}, values)

	require.NoError(t, m.Close())
	_, err = m.ReadAll(context.Background())
	assert.ErrorIs(t, err, ErrNotInit)
}

func TestIIOMeterReadAllCancelled(t *testing.T) {
	m := NewIIOMeter(validSysFSPath, odpmDevices)
	require.NoError(t, m.Init())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIIOMeterErrors(t *testing.T) {
	t.Run("no devices", func(t *testing.T) {
		m := NewIIOMeter(t.TempDir(), odpmDevices)
		assert.ErrorIs(t, m.Init(), ErrNoDevices)
	})

	t.Run("unknown device names", func(t *testing.T) {
		m := NewIIOMeter(validSysFSPath, []string{"s2mpg99-odpm"})
		assert.ErrorIs(t, m.Init(), ErrNoDevices)
	})

	t.Run("device without rails file", func(t *testing.T) {
		m := NewIIOMeter(validSysFSPath, []string{"iio-hwmon"})
		err := m.Init()
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("read before init", func(t *testing.T) {
		m := NewIIOMeter(validSysFSPath, odpmDevices)
		_, err := m.ReadAll(context.Background())
		assert.ErrorIs(t, err, ErrNotInit)
	})

	t.Run("no enabled rails", func(t *testing.T) {
		root := t.TempDir()
		dev := filepath.Join(root, iioDevicesDir, "iio:device0")
		require.NoError(t, os.MkdirAll(dev, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dev, iioNameFile), []byte("s2mpg12-odpm\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dev, iioRailsFile), nil, 0o644))

		m := NewIIOMeter(root, odpmDevices)
		assert.ErrorIs(t, m.Init(), ErrNoChannels)
	})

	t.Run("malformed energy", func(t *testing.T) {
		root := t.TempDir()
		dev := filepath.Join(root, iioDevicesDir, "iio:device0")
		require.NoError(t, os.MkdirAll(dev, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dev, iioNameFile), []byte("s2mpg12-odpm\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dev, iioRailsFile), []byte("CH0[VSYS_PWR_MODEM]:Modem\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dev, iioEnergyFile), []byte("t=1\nCH0(T=1)[VSYS_PWR_MODEM], lots\n"), 0o644))

		m := NewIIOMeter(root, odpmDevices)
		require.NoError(t, m.Init())
		_, err := m.ReadAll(context.Background())
		assert.ErrorContains(t, err, "malformed energy line")
	})
}

func TestParseEnabledRails(t *testing.T) {
	rails := parseEnabledRails("CH0[VSYS_PWR_MODEM]:Modem\n\ngarbage\nCH1[]\nCH2[ L2S_VDD_AOC ]\n")
	assert.Equal(t, []railInfo{
		{Name: "VSYS_PWR_MODEM", Subsystem: "Modem"},
		{Name: "L2S_VDD_AOC"},
	}, rails)
}
