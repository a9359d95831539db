// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/powerstats/internal/service"
)

// StatsProvider is the query interface the power collector reads
type StatsProvider = collector.StatsProvider

// APIRegistry is where the exporter mounts /metrics
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors []string
	collectors      map[string]prom.Collector
	board           string
	metricsLevel    config.Level
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		debugCollectors: []string{"go"},
		collectors:      map[string]prom.Collector{},
		metricsLevel:    config.MetricsLevelAll,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the runtime collectors, "go" and "process"
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = slices.Compact(slices.Sorted(slices.Values(names)))
	}
}

// WithCollectors sets the collectors registered on Init
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithBoardName sets the board label attached to every power metric
func WithBoardName(board string) OptionFn {
	return func(o *Opts) {
		o.board = board
	}
}

// WithMetricsLevel selects which groups of power metrics are exported
func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// Exporter serves the power stats collectors on /metrics
type Exporter struct {
	logger          *slog.Logger
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors []string
	collectors      map[string]prom.Collector
}

var _ service.Initializer = (*Exporter)(nil)

func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        prom.NewRegistry(),
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

// CreateCollectors returns the build info collector and the power
// collector over stats
func CreateCollectors(stats StatsProvider, applyOpts ...OptionFn) map[string]prom.Collector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"power":      collector.NewPowerCollector(stats, opts.board, opts.logger, opts.metricsLevel),
	}
}

func debugCollector(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// Init registers every collector and mounts the handler. Registration errors
// of all collectors are reported together and nothing is mounted.
func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")

	var errs []error
	for _, name := range e.debugCollectors {
		c, err := debugCollector(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.logger.Info("Enabling debug collector", "collector", name)
		if err := e.registry.Register(c); err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", name, err))
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.collectors)) {
		e.logger.Info("Enabling collector", "collector", name)
		if err := e.registry.Register(e.collectors[name]); err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	handler := promhttp.InstrumentMetricHandler(e.registry,
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorLog:          errorLog{e.logger},
			ErrorHandling:     promhttp.ContinueOnError,
		}))
	return e.server.Register("/metrics", "Metrics", "Prometheus metrics", handler)
}

// errorLog routes promhttp's gathering errors to slog
type errorLog struct {
	logger *slog.Logger
}

func (l errorLog) Println(v ...any) {
	l.logger.Error(fmt.Sprint(v...))
}
