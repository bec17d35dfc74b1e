package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require
// the Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "taskgraph_tasks_created_total",
			"Total number of fingerprints registered in the graph store.",
			"counter", stats.TasksCreated)

		writeMetric(w, "taskgraph_tasks_run_total",
			"Total number of rule bodies actually executed.",
			"counter", stats.TasksRun)

		writeMetric(w, "taskgraph_tasks_cached_total",
			"Total number of tasks resolved from the persistent cache without running.",
			"counter", stats.TasksCached)

		writeMetric(w, "taskgraph_tasks_errored_total",
			"Total number of tasks that ended in an error.",
			"counter", stats.TasksErrored)

		writeMetric(w, "taskgraph_claims_contended_total",
			"Total number of TryClaim attempts that lost to an existing holder.",
			"counter", stats.ClaimsContended)

		writeMetric(w, "taskgraph_claims_stolen_total",
			"Total number of claims successfully reclaimed after a stale heartbeat.",
			"counter", stats.ClaimsStolen)

		writeMetricFloat(w, "taskgraph_uptime_seconds",
			"Number of seconds since the collector was created.",
			"gauge", uptimeSeconds)

		writeHistogramVec(w, "taskgraph_task_run_duration_seconds",
			"Rule body execution duration in seconds, by rule.",
			collector.RunDuration())

		writeHistogramVec(w, "taskgraph_driver_loop_duration_seconds",
			"Single driver-loop iteration duration in seconds.",
			collector.LoopDuration())
	}
}

func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	if len(keys) > 0 {
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "le=%q", le)
	b.WriteByte('}')
	return b.String()
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, le), cumulative)
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, "+Inf"), h.count)
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}
