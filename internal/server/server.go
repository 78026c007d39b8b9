package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/spf13/afero"
)

// UploadRoute is the path the upload handler is mounted on.
const UploadRoute = "/api/file/upload"

// Deps are the collaborators the server wires into its handlers.
type Deps struct {
	Fs         afero.Fs
	Log        *Logger
	Metrics    *Metrics
	StoreHooks []StoreHook
	Checks     []HealthChecker
}

// Server owns the API listener and the optional stored-file listener.
type Server struct {
	httpServer  *http.Server
	filesServer *http.Server
	upload      *UploadHandler
	cancel      context.CancelFunc
}

// New builds the HTTP servers for cfg. Nothing listens until Start.
func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	started := time.Now()

	uploadHandler := NewUploadHandler(cfg.Upload, deps.Fs, deps.Log, deps.Metrics, deps.StoreHooks...)
	upload := http.Handler(uploadHandler)
	if cfg.RateLimitPerMinute > 0 {
		upload = newUploadLimiter(ctx, cfg.RateLimitPerMinute, time.Minute).middleware(upload)
	}

	health := &healthHandler{
		build:   cfg.Build,
		checks:  append([]HealthChecker{storageCheck{fs: deps.Fs, dir: cfg.Upload.TempPath}}, deps.Checks...),
		started: started,
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+UploadRoute, upload)
	mux.HandleFunc("GET /health", health.handleHealth)
	mux.HandleFunc("GET /live", handleLive)
	mux.Handle("GET /metrics", prometheusHandler(deps.Metrics, cfg.Build, started))

	// Wrap middleware: requestID -> clientIP -> logging -> mux
	var handler http.Handler = mux
	handler = loggingMiddleware(deps.Log, deps.Metrics, handler)
	handler = clientIPMiddleware(clientResolver{trusted: cfg.TrustedProxies}, handler)
	handler = requestIDMiddleware(handler)

	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		upload: uploadHandler,
		cancel: cancel,
	}

	if cfg.FilesAddr != "" {
		s.filesServer = &http.Server{
			Addr:              cfg.FilesAddr,
			Handler:           FilesHandler(deps.Fs, cfg.Upload.TempPath, cfg.TrustedProxies, deps.Log, deps.Metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s
}

// Handler exposes the API handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// FilesHandler serves stored files read-only from dir. Each stored name is
// reachable at "/<name>"; directory listings are refused. proxies lists the
// peers trusted to name the client in forwarding headers.
func FilesHandler(fs afero.Fs, dir string, proxies []netip.Prefix, log *Logger, metrics *Metrics) http.Handler {
	files := http.FileServer(afero.NewHttpFs(afero.NewReadOnlyFs(fs)).Dir(dir))

	var handler http.Handler = noDirListing(files)
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(log, metrics, handler)
	handler = clientIPMiddleware(clientResolver{trusted: proxies}, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Start listens on the configured addresses and serves until Shutdown.
// It returns the first listener error; http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	servers := []*http.Server{s.httpServer}
	if s.filesServer != nil {
		servers = append(servers, s.filesServer)
	}

	// Bind every listener before serving so a bad address fails fast.
	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener) {
			errCh <- srv.Serve(ln)
		}(srv, listeners[i])
	}
	return <-errCh
}

// Shutdown gracefully stops both listeners, then waits for store
// notifications of already answered uploads until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.filesServer != nil {
		if err := s.filesServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	drained := make(chan struct{})
	go func() {
		s.upload.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("store notifications still running: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
