// Package telemetry ships every classified chunk's score to ClickHouse for
// long-term analysis of sleep and crying patterns.
//
// Scores are queued without blocking the pipeline and written in batches,
// either when a batch fills or when the flush interval elapses.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

var _ dispatch.ScoreRecorder = (*Recorder)(nil)

// Writer persists one batch of scores.
type Writer interface {
	Write(ctx context.Context, scores []dispatch.Score) error
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithBatchSize sets the number of scores per write. Default 100.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets the longest a queued score waits. Default 10s.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// Recorder batches scores into a [Writer].
type Recorder struct {
	w         Writer
	batchSize int
	interval  time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan dispatch.Score
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// New starts a [Recorder] writing to w. Call [Recorder.Close] to flush and
// stop it.
func New(w Writer, opts ...Option) *Recorder {
	r := &Recorder{
		w:         w,
		batchSize: 100,
		interval:  10 * time.Second,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan dispatch.Score, r.batchSize*4)
	go r.run()
	return r
}

// RecordScore implements [dispatch.ScoreRecorder]. When the queue is full the
// score is dropped and counted.
func (r *Recorder) RecordScore(_ context.Context, s dispatch.Score) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- s:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of scores discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of scores successfully written.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Close stops accepting scores and flushes what is queued. It returns when
// the final write finishes or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]dispatch.Score, 0, r.batchSize)
	for {
		select {
		case s, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, s)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			r.flush(batch)
			batch = batch[:0]
		}
	}
}

func (r *Recorder) flush(batch []dispatch.Score) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	if err := r.w.Write(ctx, batch); err != nil {
		slog.Warn("telemetry: write failed", "scores", len(batch), "err", err)
		return
	}
	r.written.Add(uint64(len(batch)))
}
