// Package metrics exposes collector state in Prometheus text format.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/store"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// allStatuses keeps every status series present even at zero
var allStatuses = []models.CaptureStatus{
	models.CaptureStatusRecording,
	models.CaptureStatusDraining,
	models.CaptureStatusLost,
	models.CaptureStatusReported,
	models.CaptureStatusAborted,
}

// CollectorExporter exports Prometheus metrics for the collector
type CollectorExporter struct {
	store     store.Store
	startTime time.Time

	mu          sync.RWMutex
	events      map[string]int64 // kind -> count
	leakedTotal int64
}

// NewCollectorExporter creates a new Prometheus exporter for the collector
func NewCollectorExporter(s store.Store) *CollectorExporter {
	return &CollectorExporter{
		store:     s,
		startTime: time.Now(),
		events:    make(map[string]int64),
	}
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *CollectorExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// First, write our custom metrics
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	captureMetrics, err := e.store.GetCaptureMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting capture metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// Ensure all statuses exist (even if 0)
	capturesByStatus := captureMetrics.CapturesByStatus
	for _, status := range allStatuses {
		if _, ok := capturesByStatus[status]; !ok {
			capturesByStatus[status] = 0
		}
	}

	// reftrack_captures{status}
	fmt.Fprintf(w, "# HELP reftrack_captures Captures currently stored, by status\n")
	fmt.Fprintf(w, "# TYPE reftrack_captures gauge\n")
	for _, status := range allStatuses {
		fmt.Fprintf(w, "reftrack_captures{status=\"%s\"} %d\n", status, capturesByStatus[status])
	}

	// reftrack_active_captures
	fmt.Fprintf(w, "\n# HELP reftrack_active_captures Captures still expected to heartbeat\n")
	fmt.Fprintf(w, "# TYPE reftrack_active_captures gauge\n")
	fmt.Fprintf(w, "reftrack_active_captures %d\n", captureMetrics.ActiveCaptures)

	// reftrack_live_instances
	fmt.Fprintf(w, "\n# HELP reftrack_live_instances Live tracked instances across active captures\n")
	fmt.Fprintf(w, "# TYPE reftrack_live_instances gauge\n")
	fmt.Fprintf(w, "reftrack_live_instances %d\n", captureMetrics.LiveInstances)

	// reftrack_created_instances
	fmt.Fprintf(w, "\n# HELP reftrack_created_instances Instances created across active captures\n")
	fmt.Fprintf(w, "# TYPE reftrack_created_instances gauge\n")
	fmt.Fprintf(w, "reftrack_created_instances %d\n", captureMetrics.CreatedInstances)

	// reftrack_capture_duration_seconds
	fmt.Fprintf(w, "\n# HELP reftrack_capture_duration_seconds Average duration of finished captures\n")
	fmt.Fprintf(w, "# TYPE reftrack_capture_duration_seconds gauge\n")
	fmt.Fprintf(w, "reftrack_capture_duration_seconds %.2f\n", captureMetrics.AvgCaptureSeconds)

	// reftrack_reports
	fmt.Fprintf(w, "\n# HELP reftrack_reports Stored leak reports\n")
	fmt.Fprintf(w, "# TYPE reftrack_reports gauge\n")
	fmt.Fprintf(w, "reftrack_reports %d\n", captureMetrics.ReportCount)

	// reftrack_leaked_reports
	fmt.Fprintf(w, "\n# HELP reftrack_leaked_reports Stored reports with at least one leaked instance\n")
	fmt.Fprintf(w, "# TYPE reftrack_leaked_reports gauge\n")
	fmt.Fprintf(w, "reftrack_leaked_reports %d\n", captureMetrics.LeakedReports)

	// reftrack_leaked_instances
	fmt.Fprintf(w, "\n# HELP reftrack_leaked_instances Leaked instances across stored reports\n")
	fmt.Fprintf(w, "# TYPE reftrack_leaked_instances gauge\n")
	fmt.Fprintf(w, "reftrack_leaked_instances %d\n", captureMetrics.LeakedInstances)

	// reftrack_events_total{kind}
	e.mu.RLock()
	fmt.Fprintf(w, "\n# HELP reftrack_events_total API events processed since start, by kind\n")
	fmt.Fprintf(w, "# TYPE reftrack_events_total counter\n")
	for kind, count := range e.events {
		fmt.Fprintf(w, "reftrack_events_total{kind=\"%s\"} %d\n", kind, count)
	}
	leakedReceived := e.leakedTotal
	e.mu.RUnlock()

	// reftrack_leaked_instances_received_total
	fmt.Fprintf(w, "\n# HELP reftrack_leaked_instances_received_total Leaked instances across all reports ever received\n")
	fmt.Fprintf(w, "# TYPE reftrack_leaked_instances_received_total counter\n")
	fmt.Fprintf(w, "reftrack_leaked_instances_received_total %d\n", leakedReceived)

	// reftrack_collector_uptime_seconds
	fmt.Fprintf(w, "\n# HELP reftrack_collector_uptime_seconds Collector uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE reftrack_collector_uptime_seconds gauge\n")
	fmt.Fprintf(w, "reftrack_collector_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	// Host usage, sampled at scrape time
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		fmt.Fprintf(w, "\n# HELP reftrack_host_cpu_percent Host CPU utilization\n")
		fmt.Fprintf(w, "# TYPE reftrack_host_cpu_percent gauge\n")
		fmt.Fprintf(w, "reftrack_host_cpu_percent %.2f\n", cpuPercent[0])
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "\n# HELP reftrack_host_memory_used_bytes Host memory in use\n")
		fmt.Fprintf(w, "# TYPE reftrack_host_memory_used_bytes gauge\n")
		fmt.Fprintf(w, "reftrack_host_memory_used_bytes %d\n", memInfo.Used)
	}

	// Now append the Prometheus-registered metrics (go runtime and process
	// collectors live in the default registry)
	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}

	w.Write(buf.Bytes())
}

func (e *CollectorExporter) record(kind string, delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[kind] += delta
}

// RecordCaptureRegistered records a new capture registration
func (e *CollectorExporter) RecordCaptureRegistered() {
	e.record("registered", 1)
}

// RecordHeartbeat records a processed heartbeat
func (e *CollectorExporter) RecordHeartbeat() {
	e.record("heartbeat", 1)
}

// RecordReportReceived records an accepted leak report
func (e *CollectorExporter) RecordReportReceived(leaked int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events["report"]++
	e.leakedTotal += int64(leaked)
}

// RecordCaptureFinished records a capture reaching a terminal status
func (e *CollectorExporter) RecordCaptureFinished(status string) {
	e.record("finished_"+status, 1)
}

// RecordSweep records the outcome of one sweeper pass
func (e *CollectorExporter) RecordSweep(lost, pruned int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events["marked_lost"] += int64(lost)
	e.events["pruned"] += int64(pruned)
}
