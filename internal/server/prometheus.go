// prometheus.go - Prometheus text exposition of the in-process metrics.
package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// prometheusHandler serves GET /metrics.
func prometheusHandler(metrics *Metrics, build BuildInfo, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.Snapshot()

		var out strings.Builder
		writeMetric := func(name, help, kind string, value any) {
			fmt.Fprintf(&out, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, value)
		}

		out.WriteString("# HELP ftu_info Application version info\n")
		out.WriteString("# TYPE ftu_info gauge\n")
		fmt.Fprintf(&out, "ftu_info{version=\"%s\",commit=\"%s\"} 1\n\n",
			prometheusLabel(build.Version), prometheusLabel(build.Commit))

		writeMetric("ftu_requests_total", "Total number of HTTP requests", "counter", snapshot.RequestsTotal)
		writeMetric("ftu_uploads_total", "Uploads stored with a manifest", "counter", snapshot.UploadsTotal)
		writeMetric("ftu_upload_bytes_total", "Bytes stored by successful uploads", "counter", snapshot.UploadBytesTotal)
		writeMetric("ftu_uploads_empty_total", "Upload requests without a body", "counter", snapshot.UploadEmptyTotal)

		out.WriteString("# HELP ftu_uploads_rejected_total Upload requests that ended with an error\n")
		out.WriteString("# TYPE ftu_uploads_rejected_total counter\n")
		kinds := make([]string, 0, len(snapshot.UploadRejected))
		for kind := range snapshot.UploadRejected {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&out, "ftu_uploads_rejected_total{kind=\"%s\"} %d\n", prometheusLabel(kind), snapshot.UploadRejected[kind])
		}
		out.WriteString("\n")

		writeMetric("ftu_sweeps_total", "Completed retention sweeps", "counter", snapshot.SweepsTotal)
		writeMetric("ftu_sweeps_skipped_total", "Sweep triggers skipped because a sweep was running", "counter", snapshot.SweepsSkippedTotal)
		writeMetric("ftu_swept_files_total", "Files deleted by retention sweeps", "counter", snapshot.SweptFilesTotal)
		writeMetric("ftu_sweep_failures_total", "Files a sweep failed to delete", "counter", snapshot.SweepFailuresTotal)
		if !snapshot.LastSweepCompletionTs.IsZero() {
			writeMetric("ftu_last_sweep_timestamp_seconds", "Unix time of the last completed sweep", "gauge", snapshot.LastSweepCompletionTs.Unix())
		}

		writeMetric("ftu_uptime_seconds", "Application uptime in seconds", "counter", fmt.Sprintf("%.0f", time.Since(started).Seconds()))

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.String()))
	}
}

// prometheusLabel escapes a label value.
func prometheusLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return value
}
