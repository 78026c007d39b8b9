package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("mirror", 2, time.Minute, testLogger())
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	fail := func() error { return boom }
	calls := 0
	ok := func() error { calls++; return nil }

	assert.ErrorIs(t, cb.Execute(fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	// Rejected without calling fn while open.
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)
	assert.Equal(t, 0, calls)

	// After the timeout a probe is let through and closes the breaker.
	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, uint64(2), stats.FailedRequests)
	assert.Equal(t, uint64(1), stats.RejectedRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("ledger", 1, time.Second, testLogger())
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_StragglerDoesNotEndProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("webhook", 1, time.Second, testLogger())
	cb.now = func() time.Time { return now }

	// Admitted while closed, finishes much later.
	straggler, err := cb.before()
	require.NoError(t, err)
	assert.False(t, straggler)

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	probe, err := cb.before()
	require.NoError(t, err)
	require.True(t, probe)
	require.Equal(t, StateHalfOpen, cb.State())

	// The straggler succeeding neither closes the breaker nor frees the probe slot.
	cb.after(straggler, nil)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	cb.after(probe, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StragglerFailureDoesNotExtendCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("mirror", 1, time.Second, testLogger())
	cb.now = func() time.Time { return now }

	straggler, err := cb.before()
	require.NoError(t, err)

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(500 * time.Millisecond)
	cb.after(straggler, boom)

	now = now.Add(600 * time.Millisecond)
	calls := 0
	require.NoError(t, cb.Execute(func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, cb.State())
}

type flakyBackend struct {
	err    error
	stored int
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) FileStored(context.Context, StoredFile, Manifest) error {
	b.stored++
	return b.err
}

func (b *flakyBackend) FileExpired(context.Context, string, time.Time) error { return b.err }

func (b *flakyBackend) CheckHealth(context.Context) ComponentHealth {
	return ComponentHealth{Status: ComponentStatusUp}
}

func TestGuard(t *testing.T) {
	backend := &flakyBackend{err: errors.New("unreachable")}
	g := Guard(backend, 1, time.Hour, testLogger())
	ctx := context.Background()

	assert.Equal(t, "flaky", g.Name())
	assert.Error(t, g.FileStored(ctx, StoredFile{}, Manifest{}))
	assert.ErrorIs(t, g.FileStored(ctx, StoredFile{}, Manifest{}), ErrCircuitOpen)
	assert.ErrorIs(t, g.FileExpired(ctx, "x", time.Now()), ErrCircuitOpen)
	assert.Equal(t, 1, backend.stored)

	h := g.CheckHealth(ctx)
	assert.Equal(t, ComponentStatusDegraded, h.Status)
	assert.Equal(t, "circuit breaker open", h.Message)
}
