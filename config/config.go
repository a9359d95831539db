// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS string `yaml:"sysfs"`
	}

	// BoardSelect picks the board tables. File takes precedence over Name,
	// which refers to one of the tables shipped with the binary.
	BoardSelect struct {
		Name string `yaml:"name"`
		File string `yaml:"file"`
	}

	Meter struct {
		Interval time.Duration `yaml:"interval"` // sampling period of the energy meter
		Capacity int           `yaml:"capacity"` // number of samples kept in the ring buffer

		// StaleAfter is the number of consecutive failed reads after which
		// measurements are flagged stale
		StaleAfter int `yaml:"staleAfter"`

		// Devices overrides the IIO device names listed by the board
		Devices []string `yaml:"devices"`
	}

	Residency struct {
		// FreshnessBudget bounds how long a timed provider may take before its
		// snapshot is discarded; 0 disables the bound
		FreshnessBudget time.Duration `yaml:"freshnessBudget"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeMeter struct {
			Enabled *bool    `yaml:"enabled"`
			Rails   []string `yaml:"rails"`
		} `yaml:"fake-meter"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	Exporter struct {
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log       Log         `yaml:"log"`
		Host      Host        `yaml:"host"`
		Board     BoardSelect `yaml:"board"`
		Meter     Meter       `yaml:"meter"`
		Residency Residency   `yaml:"residency"`
		Exporter  Exporter    `yaml:"exporter"`
		Web       Web         `yaml:"web"`
		Debug     Debug       `yaml:"debug"`
		Dev       Dev         `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into Level
type MetricsLevelValue struct {
	level *Level
}

// NewMetricsLevelValue creates a new MetricsLevelValue with the given target
func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value interface - parses and accumulates metrics levels
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}

	// the first value given on the command line replaces the default
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}

	*m.level |= level
	return nil
}

// String implements kingpin.Value interface
func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation  SkipValidation = 1
	SkipBoardValidation SkipValidation = 2
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag = "host.sysfs"

	BoardNameFlag = "board.name"
	BoardFileFlag = "board.file"

	MeterIntervalFlag   = "meter.interval"
	MeterStaleAfterFlag = "meter.stale-after"
	MeterCapacity       = "meter.capacity" // not a flag
	MeterDevices        = "meter.devices"  // not a flag

	ResidencyFreshnessBudgetFlag = "residency.freshness-budget"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"

	// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultBoard is the board used when neither a board name nor a file is given
const DefaultBoard = "gs201"

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
		},
		Board: BoardSelect{
			Name: DefaultBoard,
		},
		Meter: Meter{
			Interval:   time.Second,
			Capacity:   60,
			StaleAfter: 3,
			Devices:    []string{},
		},
		Residency: Residency{
			FreshnessBudget: 500 * time.Millisecond,
		},
		Exporter: Exporter{
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28282"},
		},
	}

	cfg.Dev.FakeMeter.Enabled = ptr.To(false)
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, errRet error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && errRet == nil {
			errRet = err
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()

	// board
	boardName := app.Flag(BoardNameFlag, "Name of a built-in board table").Default(DefaultBoard).String()
	boardFile := app.Flag(BoardFileFlag, "Path to a board table; overrides the built-in board").ExistingFile()

	// meter
	meterInterval := app.Flag(MeterIntervalFlag, "Energy meter sampling interval").Default("1s").Duration()
	meterStaleAfter := app.Flag(MeterStaleAfterFlag,
		"Consecutive failed meter reads after which measurements are reported stale").Default("3").Int()

	freshnessBudget := app.Flag(ResidencyFreshnessBudgetFlag,
		"Time budget for slow residency sources; 0 to disable").Default("500ms").Duration()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28282").Strings()

	// exporters
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metrics levels to export (residency,meter,consumer)").SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[BoardNameFlag] {
			cfg.Board.Name = *boardName
		}

		if flagsSet[BoardFileFlag] {
			cfg.Board.File = *boardFile
		}

		if flagsSet[MeterIntervalFlag] {
			cfg.Meter.Interval = *meterInterval
		}

		if flagsSet[MeterStaleAfterFlag] {
			cfg.Meter.StaleAfter = *meterStaleAfter
		}

		if flagsSet[ResidencyFreshnessBudgetFlag] {
			cfg.Residency.FreshnessBudget = *freshnessBudget
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Board.Name = strings.TrimSpace(c.Board.Name)
	c.Board.File = strings.TrimSpace(c.Board.File)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Meter.Devices {
		c.Meter.Devices[i] = strings.TrimSpace(c.Meter.Devices[i])
	}

	for i := range c.Dev.FakeMeter.Rails {
		c.Dev.FakeMeter.Rails[i] = strings.TrimSpace(c.Dev.FakeMeter.Rails[i])
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
		}
	}
	{ // Board
		if _, skip := validationSkipped[SkipBoardValidation]; !skip {
			switch {
			case c.Board.File != "":
				if err := canReadFile(c.Board.File); err != nil {
					errs = append(errs, fmt.Sprintf("invalid board file. path: %q: %s", c.Board.File, err.Error()))
				}
			case c.Board.Name == "":
				errs = append(errs, fmt.Sprintf("one of %s or %s must be set", BoardNameFlag, BoardFileFlag))
			case !HasBuiltinBoard(c.Board.Name):
				errs = append(errs, fmt.Sprintf("unknown board %q; built-in boards: %s",
					c.Board.Name, strings.Join(BuiltinBoards(), ", ")))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Meter
		if c.Meter.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid meter interval: %s must be positive", c.Meter.Interval))
		}
		if c.Meter.Capacity <= 0 {
			errs = append(errs, fmt.Sprintf("invalid meter capacity: %d must be positive", c.Meter.Capacity))
		}
		if c.Meter.StaleAfter <= 0 {
			errs = append(errs, fmt.Sprintf("invalid meter stale-after: %d must be positive", c.Meter.StaleAfter))
		}
	}
	{ // Residency
		if c.Residency.FreshnessBudget < 0 {
			errs = append(errs, fmt.Sprintf("invalid residency freshness budget: %s can't be negative", c.Residency.FreshnessBudget))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	// host can be empty for listening on all interfaces
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{BoardNameFlag, c.Board.Name},
		{BoardFileFlag, c.Board.File},
		{MeterIntervalFlag, c.Meter.Interval.String()},
		{MeterCapacity, strconv.Itoa(c.Meter.Capacity)},
		{MeterStaleAfterFlag, strconv.Itoa(c.Meter.StaleAfter)},
		{MeterDevices, strings.Join(c.Meter.Devices, ", ")},
		{ResidencyFreshnessBudgetFlag, c.Residency.FreshnessBudget.String()},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
