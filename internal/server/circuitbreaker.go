// circuitbreaker.go - Fail-fast wrapper around the optional backends.
//
// After maxFailures consecutive errors the breaker opens and calls are
// rejected until the cool-down has passed; one probe call then decides
// whether it closes again.
package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker counts consecutive failures of one backend.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	maxFailures uint32
	timeout     time.Duration
	log         *Logger
	now         func() time.Time

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	probing         bool

	successRequests  uint64
	failedRequests   uint64
	rejectedRequests uint64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, maxFailures uint32, timeout time.Duration, log *Logger) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		log:         log.With("circuit_breaker"),
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.before()
	if err != nil {
		return err
	}
	err = fn()
	cb.after(probe, err)
	return err
}

// before admits a call. probe is true for the single call let through
// while half-open.
func (cb *CircuitBreaker) before() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			cb.rejectedRequests++
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.log.Info("half_open", map[string]any{"backend": cb.name})
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.rejectedRequests++
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

// after records the outcome of a call admitted by before. Only the probe
// moves a half-open breaker; calls admitted while closed that finish later
// just count.
func (cb *CircuitBreaker) after(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.successRequests++
	} else {
		cb.failedRequests++
	}

	if probe {
		cb.probing = false
		if err == nil {
			cb.failures = 0
			cb.state = StateClosed
			cb.log.Info("closed", map[string]any{"backend": cb.name})
			return
		}
		cb.failures++
		cb.lastFailureTime = cb.now()
		cb.state = StateOpen
		cb.log.Warn("opened", map[string]any{"backend": cb.name, "failures": cb.failures, "timeout": cb.timeout.String()}, err)
		return
	}

	if cb.state != StateClosed {
		return
	}
	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastFailureTime = cb.now()
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.log.Warn("opened", map[string]any{"backend": cb.name, "failures": cb.failures, "timeout": cb.timeout.String()}, err)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		SuccessRequests:  cb.successRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	SuccessRequests  uint64    `json:"success_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
}

// Backend is an optional store/sweep hook that also reports its health.
type Backend interface {
	StoreHook
	SweepHook
	HealthChecker
}

// GuardedBackend routes a backend's hook calls through a circuit breaker.
// Health checks bypass the breaker so /health always reflects reality.
type GuardedBackend struct {
	backend Backend
	breaker *CircuitBreaker
}

// Guard wraps b with a breaker that opens after maxFailures consecutive
// errors and probes again after timeout.
func Guard(b Backend, maxFailures uint32, timeout time.Duration, log *Logger) *GuardedBackend {
	return &GuardedBackend{
		backend: b,
		breaker: NewCircuitBreaker(b.Name(), maxFailures, timeout, log),
	}
}

func (g *GuardedBackend) Name() string { return g.backend.Name() }

func (g *GuardedBackend) FileStored(ctx context.Context, f StoredFile, m Manifest) error {
	return g.breaker.Execute(func() error { return g.backend.FileStored(ctx, f, m) })
}

func (g *GuardedBackend) FileExpired(ctx context.Context, name string, deletedAt time.Time) error {
	return g.breaker.Execute(func() error { return g.backend.FileExpired(ctx, name, deletedAt) })
}

// CheckHealth reports the backend's own health; an open breaker degrades
// an otherwise healthy backend.
func (g *GuardedBackend) CheckHealth(ctx context.Context) ComponentHealth {
	h := g.backend.CheckHealth(ctx)
	stats := g.breaker.Stats()
	if stats.State != StateClosed.String() && h.Status == ComponentStatusUp {
		h.Status = ComponentStatusDegraded
		h.Message = "circuit breaker " + stats.State
	}
	h.Details = map[string]any{"backend": h.Details, "breaker": stats}
	return h
}
