// Package metrics implements the prometheus metrics exported by the diode
// test runner.
package metrics

import (
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/CrabeDeFrance/lidi/common/version"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
)

const (
	CfgMetricsAddr   = "metrics.address"
	CfgMetricsLabels = "metrics.labels"

	MetricUp               = "diode_up"
	MetricTransferSeconds  = "diode_transfer_seconds"
	MetricProcessRestarts  = "diode_process_restarts_total"
	MetricProcessReadBytes = "diode_process_read_bytes"
	MetricProcessWriteByte = "diode_process_written_bytes"

	MetricsJobTestRunner = "diode-test-runner"

	MetricsLabelGitBranch       = "git_branch"
	MetricsLabelInstance        = "instance"
	MetricsLabelRun             = "run"
	MetricsLabelSoftwareVersion = "software_version"
	MetricsLabelScenario        = "scenario"
)

var (
	// UpGauge is set while a scenario is active.
	UpGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricUp,
			Help: "Is diode-test-runner active for specific scenario.",
		},
	)

	// TransferSeconds observes the time the oracle waited for a file, by
	// outcome.
	TransferSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricTransferSeconds,
			Help:    "Time from the start of an arrival check to its outcome (seconds).",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"outcome"},
	)

	// ProcessRestarts counts restarts of diode processes, by role.
	ProcessRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricProcessRestarts,
			Help: "Number of diode process restarts performed by scenarios.",
		},
		[]string{"role"},
	)

	// ProcessIO exports the I/O counters of supervised processes.
	ProcessIO = NewProcessIOCollector()

	// Collectors lists every runner collector, for registration.
	Collectors = []prometheus.Collector{UpGauge, TransferSeconds, ProcessRestarts, ProcessIO}

	invalidLabelCharactersRegexp = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// EscapeLabelCharacters replaces invalid prometheus label name characters with "_".
func EscapeLabelCharacters(l string) string {
	return invalidLabelCharactersRegexp.ReplaceAllString(l, "_")
}

// GetDefaultPushLabels generates standard Prometheus push labels based on
// the current scenario instance, with overrides applied last.
func GetDefaultPushLabels(ti *env.ScenarioInstanceInfo, overrides map[string]string) map[string]string {
	labels := map[string]string{
		MetricsLabelInstance:        ti.Instance,
		MetricsLabelRun:             strconv.Itoa(ti.Run),
		MetricsLabelScenario:        ti.Scenario,
		MetricsLabelSoftwareVersion: version.SoftwareVersion,
	}
	if version.GitBranch != "" {
		labels[MetricsLabelGitBranch] = version.GitBranch
	}
	if ti.ParameterSet != nil {
		ti.ParameterSet.VisitAll(func(f *flag.Flag) {
			labels[EscapeLabelCharacters(f.Name)] = f.Value.String()
		})
	}
	for k, v := range overrides {
		labels[k] = v
	}

	// The pushgateway rejects empty label values.
	for k, v := range labels {
		if v == "" {
			delete(labels, k)
		}
	}

	return labels
}
