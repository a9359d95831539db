// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/board"
	"github.com/sustainable-computing-io/powerstats/internal/device"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/powerstats/internal/logger"
	"github.com/sustainable-computing-io/powerstats/internal/meter"
	"github.com/sustainable-computing-io/powerstats/internal/server"
	"github.com/sustainable-computing-io/powerstats/internal/service"
	"github.com/sustainable-computing-io/powerstats/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	logger, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	b, err := cfg.SelectedBoard()
	if err != nil {
		logger.Error("failed to load board", "error", err)
		os.Exit(1)
	}

	services := createServices(logger, cfg, b)
	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting powerstats", "board", b.Name)
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("powerstats terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("powerstats version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "powerstats"
	app := kingpin.New(appName, "State residency and energy statistics for SoC power rails.")
	app.Version(version.Info().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, _ := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		logger.Info("Completed loading of configuration file", "path", *configFile)
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createMeter returns the energy meter of the board, or nil when an IIO
// board lists no devices
func createMeter(logger *slog.Logger, cfg *config.Config, b *config.Board) device.EnergyMeter {
	if ptr.Deref(cfg.Dev.FakeMeter.Enabled, false) {
		logger.Warn("fake energy meter enabled")
		return device.NewFakeMeter(cfg.Dev.FakeMeter.Rails, device.WithFakeLogger(logger))
	}

	devices := cfg.MeterDevices(b)
	switch b.MeterType() {
	case config.MeterHwmon:
		return device.NewHwmonMeter(cfg.Host.SysFS, devices, device.WithHwmonLogger(logger))
	default:
		if len(devices) == 0 {
			return nil
		}
		return device.NewIIOMeter(cfg.Host.SysFS, devices, device.WithIIOLogger(logger))
	}
}

func createServices(logger *slog.Logger, cfg *config.Config, b *config.Board) []service.Service {
	logger.Debug("Creating all services")

	opts := []board.OptionFn{
		board.WithLogger(logger),
		board.WithSysFS(cfg.Host.SysFS),
		board.WithFreshnessBudget(cfg.Residency.FreshnessBudget),
		board.WithSamplerOpts(
			meter.WithInterval(cfg.Meter.Interval),
			meter.WithCapacity(cfg.Meter.Capacity),
			meter.WithStaleAfter(cfg.Meter.StaleAfter),
		),
	}
	if m := createMeter(logger, cfg, b); m != nil {
		opts = append(opts, board.WithMeter(m))
	}
	ps := board.NewPowerStats(b, opts...)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := []service.Service{ps, apiServer}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors := prometheus.CreateCollectors(
			ps.Registry(),
			prometheus.WithLogger(logger),
			prometheus.WithBoardName(b.Name),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		)
		services = append(services, prometheus.NewExporter(
			apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	services = append(services,
		server.NewHealthProbe(apiServer, []service.Service{ps}, logger),
		service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM),
	)
	return services
}
