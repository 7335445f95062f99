// Package retention deletes evidence recordings older than the configured
// retention period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/cradlewatch/internal/observe"
)

// Result summarises one sweep.
type Result struct {
	Deleted int
	Bytes   int64

	// Failed counts files that matched but could not be removed.
	Failed int
}

// Sweeper removes old regular files from a fixed set of directories.
// It is safe for concurrent use.
type Sweeper struct {
	dirs    []string
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a [Sweeper].
type Option func(*Sweeper)

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New returns a sweeper over dirs. Subdirectories are not descended into.
func New(dirs []string, opts ...Option) *Sweeper {
	s := &Sweeper{dirs: dirs, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Sweep deletes files whose modification time is strictly before
// now − retentionDays. Missing directories are skipped. Per-file errors are
// logged and counted; the returned error is non-nil only when a directory
// could not be read or ctx ended.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int) (Result, error) {
	if retentionDays < 0 {
		return Result{}, fmt.Errorf("retention: days must not be negative, got %d", retentionDays)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var res Result
	var errs []error
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("retention: read %s: %w", dir, err))
			continue
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// Removed concurrently.
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				res.Failed++
				slog.Warn("retention: remove failed", "path", path, "err", err)
				continue
			}
			res.Deleted++
			res.Bytes += info.Size()
			slog.Debug("retention: removed", "path", path, "mod_time", info.ModTime())
		}
	}

	if res.Deleted > 0 {
		s.metrics.EvidenceDeleted.Add(ctx, int64(res.Deleted))
		slog.Info("retention: sweep finished", "deleted", res.Deleted, "bytes", res.Bytes, "retention_days", retentionDays)
	}
	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx ends. days is read before every sweep
// so retention changes apply without a restart.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, days func() int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, days()); err != nil && ctx.Err() == nil {
				slog.Warn("retention: sweep", "err", err)
			}
		}
	}
}
