// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/meter"
)

var ErrNoMeasurements = errors.New("consumer: no energy measurements available")

// MeterReader is the part of the energy meter sampler consumers read from
type MeterReader interface {
	Channels() []device.Channel
	ReadEnergyMeter(ids []int32, since *time.Time) meter.Measurements
}

type Opts struct {
	logger    *slog.Logger
	readUsage func(path string) (*UsageTable, error)
}

// DefaultOpts returns the default consumer options
func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		readUsage: readUsageTable,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the consumer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithUsageReader replaces how the attribution usage table is loaded
func WithUsageReader(fn func(path string) (*UsageTable, error)) OptionFn {
	return func(o *Opts) {
		o.readUsage = fn
	}
}

// Consumer computes the energy of one logical consumer from meter channels
type Consumer struct {
	info      Info
	cfg       Config
	meter     MeterReader
	channels  []int32
	logger    *slog.Logger
	readUsage func(path string) (*UsageTable, error)
}

// New creates consumer id over m. Channel names are resolved once; names
// unknown to the meter contribute no energy.
func New(id int32, cfg Config, m MeterReader, applyOpts ...OptionFn) *Consumer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	c := &Consumer{
		info:      Info{ID: id, Type: cfg.Type, Name: cfg.Name},
		cfg:       cfg,
		meter:     m,
		logger:    opts.logger.With("consumer", cfg.Name),
		readUsage: opts.readUsage,
	}
	c.channels = c.resolveChannels()
	return c
}

func (c *Consumer) resolveChannels() []int32 {
	var channels []device.Channel
	if c.meter != nil {
		channels = c.meter.Channels()
	}

	ids := make([]int32, 0, len(c.cfg.Channels))
	for _, name := range c.cfg.Channels {
		found := false
		for _, ch := range channels {
			if ch.Name == name {
				// first match wins
				if !slices.Contains(ids, ch.ID) {
					ids = append(ids, ch.ID)
				}
				found = true
				break
			}
		}
		if !found {
			c.logger.Warn("energy meter channel not found; contributes no energy", "channel", name)
		}
	}
	return ids
}

// Info returns the static description of the consumer
func (c *Consumer) Info() Info {
	return c.info
}

// ChannelIDs returns the meter channels the consumer reads
func (c *Consumer) ChannelIDs() []int32 {
	return slices.Clone(c.channels)
}

// EnergyConsumed returns the energy consumed so far. Attribution failures
// never fail the result; they leave PerUID nil.
func (c *Consumer) EnergyConsumed() (Result, error) {
	var ms meter.Measurements
	if c.meter != nil && len(c.channels) > 0 {
		ms = c.meter.ReadEnergyMeter(c.channels, nil)
	}
	return c.EnergyConsumedFrom(ms)
}

// EnergyConsumedFrom computes the result from measurements read earlier, so
// that several consumers can share one meter read. Measurements of channels
// the consumer does not read are ignored.
func (c *Consumer) EnergyConsumedFrom(ms meter.Measurements) (Result, error) {
	ret := Result{ID: c.info.ID}
	if c.meter == nil && len(c.cfg.Channels) > 0 {
		return ret, fmt.Errorf("%w: %s has no energy meter", ErrNoMeasurements, c.info.Name)
	}

	if len(c.channels) > 0 {
		found := false
		var total device.Energy
		for _, v := range ms.Values {
			if !slices.Contains(c.channels, v.ChannelID) {
				continue
			}
			found = true
			total = total.Add(v.Energy)
			ret.TimestampMs = max(ret.TimestampMs, v.TimestampMs)
		}
		if !found {
			return ret, fmt.Errorf("%w: %s", ErrNoMeasurements, c.info.Name)
		}
		ret.Stale = ms.Stale
		ret.Energy = total
	}

	if c.cfg.Approximation == ApproximationHalfRail {
		ret.Energy >>= 1
	}

	if c.cfg.Attribution != nil {
		ret.PerUID = c.attribute(ret.Energy)
	}
	return ret, nil
}

func (c *Consumer) attribute(total device.Energy) map[int32]device.Energy {
	attr := c.cfg.Attribution

	table, err := c.readUsage(attr.UsageTablePath)
	if table == nil {
		c.logger.Warn("failed to read usage table", "path", attr.UsageTablePath, "error", err)
		return nil
	}
	if err != nil {
		c.logger.Debug("usage table has malformed rows", "path", attr.UsageTablePath, "error", err)
	}

	weights, ignored := Weights(table, attr.Coefficients)
	if len(ignored) > 0 {
		c.logger.Warn("usage buckets without coefficient ignored", "buckets", ignored)
	}

	perUID, err := Distribute(total, weights)
	if err != nil {
		c.logger.Debug("energy attribution not supported", "error", err)
		return nil
	}
	return perUID
}
