package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// ErrSweepInProgress is returned when a sweep is requested while another
// one is still running.
var ErrSweepInProgress = errors.New("retention sweep already in progress")

// SweepHook is notified for every file a sweep deletes.
type SweepHook interface {
	Name() string
	FileExpired(ctx context.Context, name string, deletedAt time.Time) error
}

// SweepResult summarises one retention sweep.
type SweepResult struct {
	Scanned    int
	Deleted    int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// RetentionSweeper periodically deletes files in the upload directory whose
// modification time is older than MaxAge.
//
// A file that is still being written keeps a fresh mtime and so stays
// younger than the cutoff. No lock is shared with the upload handler.
type RetentionSweeper struct {
	dir     string
	fs      afero.Fs
	cfg     SweepConfig
	hooks   []SweepHook
	log     *Logger
	metrics *Metrics
	now     func() time.Time

	running   atomic.Bool
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewRetentionSweeper creates a sweeper for dir. It does nothing until
// Start or SweepOnce is called.
func NewRetentionSweeper(dir string, fs afero.Fs, cfg SweepConfig, log *Logger, metrics *Metrics, hooks ...SweepHook) *RetentionSweeper {
	return &RetentionSweeper{
		dir:     dir,
		fs:      fs,
		cfg:     cfg,
		hooks:   hooks,
		log:     log.With("cleanup"),
		metrics: metrics,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one every Interval, on a
// dedicated goroutine. The loop ends when ctx is cancelled or Stop is
// called. Calling Start more than once has no effect.
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop(ctx)
	})
}

// Stop prevents further sweeps. A sweep already running is allowed to
// finish; Stop does not wait for it.
func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until the loop started by Start has exited.
func (s *RetentionSweeper) Wait() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

func (s *RetentionSweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.log.Info("starting", map[string]any{
		"dir":      s.dir,
		"interval": s.cfg.Interval.String(),
		"max_age":  s.cfg.MaxAge.String(),
	})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting_down", nil)
			return
		case <-s.stop:
			s.log.Info("stopped", nil)
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *RetentionSweeper) trigger(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.metrics.RecordSweepSkipped()
		s.log.Warn("sweep_skipped", nil, err)
		return
	case err != nil:
		s.log.Error("sweep_failed", map[string]any{"dir": s.dir}, err)
	}
	s.metrics.RecordSweep(res)
}

// SweepOnce performs a single sweep. Per-file failures are logged and
// counted in the result; only a failure to list the directory is returned
// as an error.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	res := SweepResult{StartedAt: start}
	cutoff := start.Add(-s.cfg.MaxAge)

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		res.FinishedAt = s.now()
		res.Duration = res.FinishedAt.Sub(start)
		return res, fmt.Errorf("list upload directory: %w", err)
	}

	for _, fi := range entries {
		if ctx.Err() != nil {
			s.log.Warn("sweep_abandoned", map[string]any{"deleted": res.Deleted}, ctx.Err())
			break
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		res.Scanned++
		if !fi.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.dir, fi.Name())
		if err := s.fs.Remove(path); err != nil {
			if os.IsNotExist(err) {
				s.log.Debug("already_absent", map[string]any{"file": fi.Name()})
				continue
			}
			res.Failed++
			s.log.Error("delete_failed", map[string]any{"file": fi.Name()}, err)
			continue
		}

		res.Deleted++
		deletedAt := s.now()
		s.log.Info("deleted_expired_file", map[string]any{
			"file": fi.Name(),
			"age":  deletedAt.Sub(fi.ModTime()).Round(time.Second).String(),
		})
		s.notify(ctx, fi.Name(), deletedAt)
	}

	res.FinishedAt = s.now()
	res.Duration = res.FinishedAt.Sub(start)
	s.log.Info("sweep_complete", map[string]any{
		"scanned":     res.Scanned,
		"deleted":     res.Deleted,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

func (s *RetentionSweeper) notify(ctx context.Context, name string, deletedAt time.Time) {
	for _, hook := range s.hooks {
		if err := hook.FileExpired(ctx, name, deletedAt); err != nil {
			s.log.Warn("sweep_hook_failed", map[string]any{"hook": hook.Name(), "file": name}, err)
		}
	}
}
