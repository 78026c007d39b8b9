package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Addr:   "127.0.0.1:0",
		Upload: testUploadConfig(),
		Sweep:  SweepConfig{Interval: time.Hour, MaxAge: 7 * 24 * time.Hour},
		Build:  BuildInfo{Version: "1.2.3", Commit: "abc123"},
	}
}

func newTestServer(t *testing.T, cfg Config, fs afero.Fs, checks ...HealthChecker) (*Server, *Metrics) {
	t.Helper()
	metrics := NewMetrics()
	srv := New(cfg, Deps{Fs: fs, Log: testLogger(), Metrics: metrics, Checks: checks})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, metrics
}

func TestServer_UploadRoute(t *testing.T) {
	fs := newTestFs(t)
	srv, metrics := newTestServer(t, testConfig(), fs)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, multipartRequest(t, "hello.txt", []byte("hello")))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	assert.Len(t, storedFiles(t, fs), 1)
	assert.Equal(t, int64(1), metrics.Snapshot().RequestsTotal)
}

func TestServer_UploadRouteMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), newTestFs(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, UploadRoute, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Contains(t, rr.Header().Get("Allow"), http.MethodPost)
}

func TestServer_KeepsClientRequestID(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), newTestFs(t))

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "client-supplied", rr.Header().Get("X-Request-Id"))
}

func TestServer_UploadRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	srv, _ := newTestServer(t, cfg, newTestFs(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, multipartRequest(t, "a.txt", []byte("a")))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, multipartRequest(t, "b.txt", []byte("b")))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Health is not rate limited.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_ForwardedForCannotDodgeRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	srv, _ := newTestServer(t, cfg, newTestFs(t))

	upload := func(name, forwardedFor string) int {
		req := multipartRequest(t, name, []byte("x"))
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, upload("a.txt", "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, upload("b.txt", "203.0.113.2"))
}

func TestServer_TrustedProxyForwardsClient(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	cfg.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	srv, _ := newTestServer(t, cfg, newTestFs(t))

	upload := func(name, forwardedFor string) int {
		req := multipartRequest(t, name, []byte("x"))
		req.RemoteAddr = "10.0.0.2:40000"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, upload("a.txt", "203.0.113.1"))
	assert.Equal(t, http.StatusOK, upload("b.txt", "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, upload("c.txt", "203.0.113.1"))
}

func TestServer_ReplacesUnusableRequestID(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), newTestFs(t))

	for _, rid := range []string{"has space", "line\nbreak", strings.Repeat("r", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/live", nil)
		req.Header.Set("X-Request-Id", rid)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		got := rr.Header().Get("X-Request-Id")
		assert.NotEqual(t, rid, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err, "replacement id %q", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), newTestFs(t))
	h := srv.Handler()

	h.ServeHTTP(httptest.NewRecorder(), multipartRequest(t, "a.txt", []byte("abc")))
	bad := httptest.NewRequest(http.MethodPost, UploadRoute, strings.NewReader("x"))
	bad.Header.Set("Content-Type", "multipart/form-data")
	h.ServeHTTP(httptest.NewRecorder(), bad)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `ftu_info{version="1.2.3",commit="abc123"} 1`)
	assert.Contains(t, body, "ftu_uploads_total 1\n")
	assert.Contains(t, body, "ftu_upload_bytes_total 3\n")
	assert.Contains(t, body, `ftu_uploads_rejected_total{kind="malformed_request"} 1`)
}

func TestServer_Health(t *testing.T) {
	fs := newTestFs(t)
	require.NoError(t, afero.WriteFile(fs, testDir+"/a.bin", make([]byte, 2048), 0o640))
	srv, _ := newTestServer(t, testConfig(), fs, staticCheck{name: "ledger", status: ComponentStatusDegraded})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var health struct {
		Status     HealthStatus `json:"status"`
		Version    string       `json:"version"`
		Components map[string]struct {
			Status  ComponentStatus `json:"status"`
			Details StorageDetails  `json:"details"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))

	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, ComponentStatusUp, health.Components["storage"].Status)
	assert.Equal(t, 1, health.Components["storage"].Details.Files)
	assert.Equal(t, int64(2048), health.Components["storage"].Details.UsedBytes)
	assert.Equal(t, ComponentStatusDegraded, health.Components["ledger"].Status)
}

func TestServer_HealthUnhealthyWithoutStorage(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), afero.NewMemMapFs())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestFilesHandler(t *testing.T) {
	fs := newTestFs(t)
	require.NoError(t, afero.WriteFile(fs, testDir+"/abc_report.txt", []byte("stored bytes"), 0o640))
	h := FilesHandler(fs, testDir, nil, testLogger(), NewMetrics())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/abc_report.txt", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "stored bytes", rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	fs := newTestFs(t)
	cfg := testConfig()
	cfg.FilesAddr = "127.0.0.1:0"
	srv := New(cfg, Deps{Fs: fs, Log: testLogger(), Metrics: NewMetrics()})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Give the listeners a moment to come up before shutting down.
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestServer_StartFailsOnBadAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "256.0.0.1:http"
	srv := New(cfg, Deps{Fs: newTestFs(t), Log: testLogger(), Metrics: NewMetrics()})
	defer srv.Shutdown(context.Background())

	assert.Error(t, srv.Start())
}

type staticCheck struct {
	name   string
	status ComponentStatus
}

func (c staticCheck) Name() string { return c.name }

func (c staticCheck) CheckHealth(context.Context) ComponentHealth {
	return ComponentHealth{Status: c.status}
}

func TestServer_ShutdownWaitsForStoreHooks(t *testing.T) {
	fs := newTestFs(t)
	hook := newBlockingStoreHook()
	srv := New(testConfig(), Deps{Fs: fs, Log: testLogger(), Metrics: NewMetrics(), StoreHooks: []StoreHook{hook}})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, multipartRequest(t, "pending.txt", []byte("x")))
	require.Equal(t, http.StatusOK, rr.Code)
	<-hook.entered

	// The notification outlives a short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(hook.release)
	require.NoError(t, srv.Shutdown(context.Background()))
}
