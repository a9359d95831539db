// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/powerstats/config"
	"github.com/sustainable-computing-io/powerstats/internal/exporter/prometheus/collector"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
	ConstLabels map[string]string
}

var (
	fqNameRegex         = regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex           = regexp.MustCompile(`help: "([^"]+)"`)
	variableLabelsRegex = regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
	constLabelsRegex    = regexp.MustCompile(`constLabels: \{([^}]*)\}`)
	labelPairRegex      = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// extractMetricsInfo extracts metric information from a Prometheus collector
func extractMetricsInfo(c prometheus.Collector) ([]MetricInfo, error) {
	ch := make(chan *prometheus.Desc, 100)
	c.Describe(ch)
	close(ch)

	var metrics []MetricInfo
	for desc := range ch {
		descStr := desc.String()
		fqNameMatch := fqNameRegex.FindStringSubmatch(descStr)
		if len(fqNameMatch) < 2 {
			return nil, fmt.Errorf("could not parse fqName from: %s", descStr)
		}
		name := fqNameMatch[1]

		helpMatch := helpRegex.FindStringSubmatch(descStr)
		if len(helpMatch) < 2 {
			return nil, fmt.Errorf("could not parse help from: %s", descStr)
		}

		var labels []string
		if m := variableLabelsRegex.FindStringSubmatch(descStr); len(m) >= 2 && m[1] != "" {
			for _, label := range strings.Split(m[1], ",") {
				labels = append(labels, strings.TrimSpace(label))
			}
		}

		constLabels := make(map[string]string)
		if m := constLabelsRegex.FindStringSubmatch(descStr); len(m) >= 2 && m[1] != "" {
			for _, pair := range labelPairRegex.FindAllStringSubmatch(m[1], -1) {
				constLabels[pair[1]] = pair[2]
			}
		}

		metricType := "GAUGE"
		if strings.HasSuffix(name, "_total") {
			metricType = "COUNTER"
		}

		metrics = append(metrics, MetricInfo{
			Name:        name,
			Type:        metricType,
			Description: helpMatch[1],
			Labels:      labels,
			ConstLabels: constLabels,
		})
	}
	return metrics, nil
}

type section struct {
	prefix, title, intro string
}

var sections = []section{
	{"powerstats_residency_", "Residency Metrics", "Time spent, entries and last entry per power entity state."},
	{"powerstats_meter_", "Energy Meter Metrics", "Accumulated energy per metered rail."},
	{"powerstats_consumer_", "Energy Consumer Metrics", "Energy attributed to logical consumers and, where supported, to app uids."},
	{"", "Other Metrics", "Additional metrics provided by powerstats."},
}

// generateMarkdown generates Markdown documentation from metric information
func generateMarkdown(metrics []MetricInfo) string {
	var md strings.Builder
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	md.WriteString("# Power Stats Metrics\n\n")
	md.WriteString("This document describes the metrics exported by powerstats for power entity residency, energy meter rails and energy consumers.\n\n")
	md.WriteString("### Metric Types\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")
	md.WriteString("## Metrics Reference\n\n")

	grouped := make([][]MetricInfo, len(sections))
	for _, m := range metrics {
		for i, s := range sections {
			if strings.HasPrefix(m.Name, s.prefix) {
				grouped[i] = append(grouped[i], m)
				break
			}
		}
	}

	for i, s := range sections {
		if len(grouped[i]) == 0 {
			continue
		}
		fmt.Fprintf(&md, "### %s\n\n%s\n\n", s.title, s.intro)
		writeMetricsSection(&md, grouped[i])
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.\n")
	return md.String()
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "#### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		if len(metric.ConstLabels) > 0 {
			md.WriteString("- **Constant Labels**:\n")
			keys := make([]string, 0, len(metric.ConstLabels))
			for key := range metric.ConstLabels {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(md, "  - `%s`\n", key)
			}
		}
		md.WriteString("\n")
	}
}

// collectMetrics describes every collector the exporter registers. Describe
// never queries stats, so none is needed.
func collectMetrics() ([]MetricInfo, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collectors := []prometheus.Collector{
		collector.NewPowerCollector(nil, "board", logger, config.MetricsLevelAll),
		collector.NewBuildInfoCollector(),
	}

	var all []MetricInfo
	for _, c := range collectors {
		metrics, err := extractMetricsInfo(c)
		if err != nil {
			return nil, err
		}
		all = append(all, metrics...)
	}
	return all, nil
}

func run(outputPath string) error {
	metrics, err := collectMetrics()
	if err != nil {
		return fmt.Errorf("failed to extract metrics: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, []byte(generateMarkdown(metrics)), 0o644); err != nil {
		return fmt.Errorf("failed to write markdown file: %w", err)
	}

	fmt.Printf("Wrote %d metrics to %s\n", len(metrics), outputPath)
	return nil
}

func main() {
	outputPath := flag.String("output", "metrics.md", "Path to output Markdown file")
	flag.Parse()

	if err := run(*outputPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
