package server

import (
	"sync"
	"time"
)

// Metrics holds application metrics
type Metrics struct {
	mu sync.RWMutex

	// Upload metrics
	uploadsTotal        int64
	uploadBytesTotal    int64
	uploadEmptyTotal    int64
	uploadDurationTotal time.Duration
	uploadRejected      map[UploadErrorKind]int64

	// Retention sweep metrics
	sweepsTotal         int64
	sweepsSkippedTotal  int64
	sweptFilesTotal     int64
	sweepFailuresTotal  int64
	sweepDurationTotal  time.Duration
	lastSweepCompletion time.Time

	// System metrics
	requestsTotal    int64
	requestErrors5xx int64
	requestErrors4xx int64
}

// NewMetrics returns an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{uploadRejected: make(map[UploadErrorKind]int64)}
}

// RecordUpload records a successful upload
func (m *Metrics) RecordUpload(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

// RecordEmptyUpload records a request that carried no body.
func (m *Metrics) RecordEmptyUpload() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadEmptyTotal++
}

// RecordUploadRejected records an upload that ended with an error.
func (m *Metrics) RecordUploadRejected(kind UploadErrorKind) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadRejected[kind]++
}

// RecordSweep records one completed retention sweep.
func (m *Metrics) RecordSweep(res SweepResult) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepsTotal++
	m.sweptFilesTotal += int64(res.Deleted)
	m.sweepFailuresTotal += int64(res.Failed)
	m.sweepDurationTotal += res.Duration
	m.lastSweepCompletion = res.FinishedAt
}

// RecordSweepSkipped records a trigger that fired while a sweep was running.
func (m *Metrics) RecordSweepSkipped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepsSkippedTotal++
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rejected := make(map[string]int64, len(m.uploadRejected))
	for kind, n := range m.uploadRejected {
		rejected[kind.String()] = n
	}

	return MetricsSnapshot{
		UploadsTotal:          m.uploadsTotal,
		UploadBytesTotal:      m.uploadBytesTotal,
		UploadEmptyTotal:      m.uploadEmptyTotal,
		UploadAvgDurationMs:   avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		UploadRejected:        rejected,
		SweepsTotal:           m.sweepsTotal,
		SweepsSkippedTotal:    m.sweepsSkippedTotal,
		SweptFilesTotal:       m.sweptFilesTotal,
		SweepFailuresTotal:    m.sweepFailuresTotal,
		SweepAvgDurationMs:    avgDuration(m.sweepDurationTotal, m.sweepsTotal),
		LastSweepCompletionTs: m.lastSweepCompletion,
		RequestsTotal:         m.requestsTotal,
		RequestErrors5xx:      m.requestErrors5xx,
		RequestErrors4xx:      m.requestErrors4xx,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Upload metrics
	UploadsTotal        int64            `json:"uploads_total"`
	UploadBytesTotal    int64            `json:"upload_bytes_total"`
	UploadEmptyTotal    int64            `json:"upload_empty_total"`
	UploadAvgDurationMs float64          `json:"upload_avg_duration_ms"`
	UploadRejected      map[string]int64 `json:"upload_rejected"`

	// Retention sweep metrics
	SweepsTotal           int64     `json:"sweeps_total"`
	SweepsSkippedTotal    int64     `json:"sweeps_skipped_total"`
	SweptFilesTotal       int64     `json:"swept_files_total"`
	SweepFailuresTotal    int64     `json:"sweep_failures_total"`
	SweepAvgDurationMs    float64   `json:"sweep_avg_duration_ms"`
	LastSweepCompletionTs time.Time `json:"last_sweep_completion"`

	// System metrics
	RequestsTotal    int64 `json:"requests_total"`
	RequestErrors5xx int64 `json:"request_errors_5xx"`
	RequestErrors4xx int64 `json:"request_errors_4xx"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
