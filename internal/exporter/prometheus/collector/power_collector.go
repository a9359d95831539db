// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/consumer"
	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/powerstats"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

const boardLabel = "board"

// StatsProvider is the query surface of powerstats.Registry the collector reads
type StatsProvider interface {
	Snapshot() powerstats.Snapshot
	EnergyConsumers() []consumer.Info
}

var _ StatsProvider = (*powerstats.Registry)(nil)

// PowerCollector exports state residency, energy meter and energy consumer
// data from a single registry snapshot per scrape
type PowerCollector struct {
	stats        StatsProvider
	logger       *slog.Logger
	metricsLevel config.Level

	// residency
	entryCountDesc *prometheus.Desc
	totalTimeDesc  *prometheus.Desc
	lastEntryDesc  *prometheus.Desc

	// energy meter
	channelJoulesDesc *prometheus.Desc
	meterStaleDesc    *prometheus.Desc

	// energy consumers
	consumerJoulesDesc    *prometheus.Desc
	consumerUIDJoulesDesc *prometheus.Desc
}

var _ prometheus.Collector = (*PowerCollector)(nil)

func residencyDesc(name, help, board string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(powerstatsNS, "residency", name),
		help,
		[]string{"entity", "state"}, prometheus.Labels{boardLabel: board})
}

func joulesDesc(subsystem, what, board string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(powerstatsNS, subsystem, "energy_joules_total"),
		fmt.Sprintf("Energy accumulated by %s in joules", what),
		labels, prometheus.Labels{boardLabel: board})
}

// uidJoulesDesc is a gauge: owner shares are recomputed on each read and may
// move between uids.
func uidJoulesDesc(board string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(powerstatsNS, "consumer_uid", "energy_joules"),
		"Share of an energy consumer's energy attributed to an owner in joules; shares may decrease between scrapes",
		[]string{"consumer", "type", "uid"}, prometheus.Labels{boardLabel: board})
}

// NewPowerCollector creates a collector over stats. board is attached to
// every metric as a constant label.
func NewPowerCollector(stats StatsProvider, board string, logger *slog.Logger, metricsLevel config.Level) *PowerCollector {
	return &PowerCollector{
		stats:        stats,
		logger:       logger.With("collector", "power"),
		metricsLevel: metricsLevel,

		entryCountDesc: residencyDesc("entries_total", "Number of times the entity entered the state", board),
		totalTimeDesc:  residencyDesc("seconds_total", "Time the entity has spent in the state in seconds", board),
		lastEntryDesc:  residencyDesc("last_entry_seconds", "Time of the last entry into the state in seconds since boot", board),

		channelJoulesDesc: joulesDesc("meter", "an energy meter channel", board, []string{"channel", "subsystem"}),
		meterStaleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(powerstatsNS, "meter", "stale"),
			"1 when the energy meter has failed its recent reads and values may be outdated",
			nil, prometheus.Labels{boardLabel: board}),

		consumerJoulesDesc:    joulesDesc("consumer", "an energy consumer", board, []string{"consumer", "type"}),
		consumerUIDJoulesDesc: uidJoulesDesc(board),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.metricsLevel.IsResidencyEnabled() {
		ch <- c.entryCountDesc
		ch <- c.totalTimeDesc
		ch <- c.lastEntryDesc
	}

	if c.metricsLevel.IsMeterEnabled() {
		ch <- c.channelJoulesDesc
		ch <- c.meterStaleDesc
	}

	if c.metricsLevel.IsConsumerEnabled() {
		ch <- c.consumerJoulesDesc
		ch <- c.consumerUIDJoulesDesc
	}
}

// Collect implements the prometheus.Collector interface
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	started := time.Now()
	defer func() {
		c.logger.Debug("Collected power stats", "duration", time.Since(started))
	}()

	snapshot := c.stats.Snapshot()

	if c.metricsLevel.IsResidencyEnabled() {
		c.collectResidency(ch, snapshot.Records)
	}

	if c.metricsLevel.IsMeterEnabled() {
		c.collectMeter(ch, snapshot)
	}

	if c.metricsLevel.IsConsumerEnabled() {
		c.collectConsumers(ch, snapshot.ConsumerResults)
	}
}

// collectResidency exports the fields a record carries; unsupported
// metrics are left out rather than reported as zero
func (c *PowerCollector) collectResidency(ch chan<- prometheus.Metric, records []residency.StateResidency) {
	for _, r := range records {
		if r.EntryCount != nil {
			ch <- prometheus.MustNewConstMetric(
				c.entryCountDesc,
				prometheus.CounterValue,
				float64(*r.EntryCount),
				r.EntityName, r.StateName,
			)
		}
		if r.TotalTimeMs != nil {
			ch <- prometheus.MustNewConstMetric(
				c.totalTimeDesc,
				prometheus.CounterValue,
				msToSeconds(*r.TotalTimeMs),
				r.EntityName, r.StateName,
			)
		}
		if r.LastEntryMs != nil {
			ch <- prometheus.MustNewConstMetric(
				c.lastEntryDesc,
				prometheus.GaugeValue,
				msToSeconds(*r.LastEntryMs),
				r.EntityName, r.StateName,
			)
		}
	}
}

func (c *PowerCollector) collectMeter(ch chan<- prometheus.Metric, snapshot powerstats.Snapshot) {
	if len(snapshot.MeterInfo) == 0 {
		c.logger.Debug("No energy meter channels to export")
		return
	}

	stale := 0.0
	if snapshot.MeterStale {
		stale = 1
	}
	ch <- prometheus.MustNewConstMetric(c.meterStaleDesc, prometheus.GaugeValue, stale)

	channels := make(map[int32]device.Channel, len(snapshot.MeterInfo))
	for _, mc := range snapshot.MeterInfo {
		channels[mc.ID] = mc
	}

	for _, m := range snapshot.Meter.Values {
		info, ok := channels[m.ChannelID]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.channelJoulesDesc,
			prometheus.CounterValue,
			m.Energy.Joules(),
			info.Name, info.Subsystem,
		)
	}
}

func (c *PowerCollector) collectConsumers(ch chan<- prometheus.Metric, results []consumer.Result) {
	if len(results) == 0 {
		c.logger.Debug("No energy consumer results to export")
		return
	}

	infos := make(map[int32]consumer.Info)
	for _, info := range c.stats.EnergyConsumers() {
		infos[info.ID] = info
	}

	for _, res := range results {
		info, ok := infos[res.ID]
		if !ok {
			continue
		}
		typ := info.Type.String()

		ch <- prometheus.MustNewConstMetric(
			c.consumerJoulesDesc,
			prometheus.CounterValue,
			res.Energy.Joules(),
			info.Name, typ,
		)

		for uid, e := range res.PerUID {
			ch <- prometheus.MustNewConstMetric(
				c.consumerUIDJoulesDesc,
				prometheus.GaugeValue,
				e.Joules(),
				info.Name, typ, strconv.FormatInt(int64(uid), 10),
			)
		}
	}
}

func msToSeconds(ms uint64) float64 {
	return float64(ms) / 1000
}
