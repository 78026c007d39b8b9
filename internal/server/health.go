package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status        HealthStatus               `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version,omitempty"`
	Commit        string                     `json:"commit,omitempty"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// HealthChecker is implemented by every optional backend (ledger, mirror,
// event bus) so /health can report on it.
type HealthChecker interface {
	Name() string
	CheckHealth(ctx context.Context) ComponentHealth
}

type healthHandler struct {
	build   BuildInfo
	checks  []HealthChecker
	started time.Time
}

func (h *healthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := Health{
		Timestamp:     time.Now().UTC(),
		Version:       h.build.Version,
		Commit:        h.build.Commit,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Components:    make(map[string]ComponentHealth, len(h.checks)),
	}
	for _, c := range h.checks {
		start := time.Now()
		ch := c.CheckHealth(ctx)
		if ch.LatencyMs == 0 {
			ch.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		}
		health.Components[c.Name()] = ch
	}
	health.Status = determineOverallHealth(health.Components)

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(health)
}

// handleLive provides a liveness probe (is the process running?)
func handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var (
		downCount     int
		degradedCount int
	)

	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// StorageDetails describes the upload directory.
type StorageDetails struct {
	Files      int    `json:"files"`
	UsedBytes  int64  `json:"used_bytes"`
	UsedHuman  string `json:"used_human"`
	OldestFile string `json:"oldest_file,omitempty"`
}

// storageCheck verifies the upload directory is present and reports usage.
type storageCheck struct {
	fs  afero.Fs
	dir string
}

func (storageCheck) Name() string { return "storage" }

func (c storageCheck) CheckHealth(ctx context.Context) ComponentHealth {
	fi, err := c.fs.Stat(c.dir)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "upload directory unavailable: " + err.Error()}
	}
	if !fi.IsDir() {
		return ComponentHealth{Status: ComponentStatusDown, Message: fmt.Sprintf("%s is not a directory", c.dir)}
	}

	entries, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "cannot list upload directory: " + err.Error()}
	}

	var details StorageDetails
	var oldest time.Time
	for _, e := range entries {
		if !e.Mode().IsRegular() {
			continue
		}
		details.Files++
		details.UsedBytes += e.Size()
		if oldest.IsZero() || e.ModTime().Before(oldest) {
			oldest = e.ModTime()
		}
	}
	details.UsedHuman = humanize.Bytes(uint64(details.UsedBytes))
	if !oldest.IsZero() {
		details.OldestFile = oldest.UTC().Format(time.RFC3339)
	}

	return ComponentHealth{Status: ComponentStatusUp, Message: "storage healthy", Details: details}
}
