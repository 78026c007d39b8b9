// ratelimit.go - Per-client sliding window limit on the upload route.
package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// uploadLimiter admits at most rate uploads per client within window.
type uploadLimiter struct {
	mu      sync.Mutex
	clients map[string]*uploadWindow
	rate    int
	window  time.Duration
	now     func() time.Time
}

// uploadWindow holds the admission times of one client, oldest first.
type uploadWindow struct {
	mu       sync.Mutex
	admitted []time.Time
}

// newUploadLimiter prunes idle clients until ctx is cancelled.
func newUploadLimiter(ctx context.Context, rate int, window time.Duration) *uploadLimiter {
	l := &uploadLimiter{
		clients: make(map[string]*uploadWindow),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
	go l.prune(ctx)
	return l
}

// middleware answers 429 once the client used up its window. The client is
// the one resolved by clientIPMiddleware.
func (l *uploadLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIPFromContext(r.Context())
		if client == "" {
			client = clientResolver{}.clientIP(r)
		}
		if !l.allow(client) {
			w.Header().Set("Retry-After", retryAfter(l.window))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(window time.Duration) string {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// allow records an upload for client when its window has room.
func (l *uploadLimiter) allow(client string) bool {
	l.mu.Lock()
	win, ok := l.clients[client]
	if !ok {
		win = &uploadWindow{admitted: make([]time.Time, 0, l.rate)}
		l.clients[client] = win
	}
	l.mu.Unlock()

	win.mu.Lock()
	defer win.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(win.admitted) && !win.admitted[drop].After(cutoff) {
		drop++
	}
	win.admitted = win.admitted[drop:]

	if len(win.admitted) >= l.rate {
		return false
	}
	win.admitted = append(win.admitted, now)
	return true
}

// prune drops clients idle for two windows.
func (l *uploadLimiter) prune(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pruneIdle()
		}
	}
}

func (l *uploadLimiter) pruneIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.window)
	for client, win := range l.clients {
		win.mu.Lock()
		idle := len(win.admitted) == 0 || win.admitted[len(win.admitted)-1].Before(cutoff)
		win.mu.Unlock()
		if idle {
			delete(l.clients, client)
		}
	}
}

// clientResolver decides which address a request counts against.
// Forwarding headers are honoured only when the peer is a trusted proxy.
type clientResolver struct {
	trusted []netip.Prefix
}

func (c clientResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address, or for a trusted peer the nearest
// untrusted hop of X-Forwarded-For, then X-Real-IP.
func (c clientResolver) clientIP(r *http.Request) string {
	peer, ok := parseHostAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !c.isTrusted(peer) {
		return peer.String()
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !c.isTrusted(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer.String()
}

// parseHostAddr accepts "ip:port", "[ip6]:port" or a bare address.
func parseHostAddr(hostport string) (netip.Addr, bool) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
