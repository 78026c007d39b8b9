// logging.go - Request identity and the access log.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	clientIPKey
)

// maxRequestIDLen caps client supplied request ids.
const maxRequestIDLen = 128

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// ClientIPFromContext returns the client address resolved for the request.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// acceptableRequestID reports whether a client supplied id can be echoed
// into headers and log lines unchanged.
func acceptableRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(rid); i++ {
		if c := rid[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// requestIDMiddleware keeps an acceptable X-Request-Id from the client and
// otherwise assigns a fresh UUID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if !acceptableRequestID(rid) {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

// clientIPMiddleware resolves the client address once so the access log and
// the upload rate limit agree on it.
func clientIPMiddleware(clients clientResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, clients.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware writes one access line per request and feeds the
// request counters.
func loggingMiddleware(log *Logger, metrics *Metrics, next http.Handler) http.Handler {
	log = log.With("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		fields := map[string]any{
			"rid":       RequestIDFromContext(r.Context()),
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    sw.status,
			"ms":        time.Since(start).Milliseconds(),
			"client":    ClientIPFromContext(r.Context()),
			"resp_size": humanize.Bytes(uint64(sw.written)),
		}
		if r.ContentLength > 0 {
			fields["body_size"] = humanize.Bytes(uint64(r.ContentLength))
		}
		if ct := r.Header.Get("Content-Type"); r.Method == http.MethodPost && ct != "" {
			fields["content_type"] = ct
		}
		if ua := r.UserAgent(); ua != "" {
			fields["ua"] = ua
		}

		if sw.status >= http.StatusInternalServerError {
			log.Warn("request", fields, nil)
		} else {
			log.Info("request", fields)
		}

		metrics.RecordRequest(sw.status)
	})
}

// statusWriter records the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}
