package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
)

// readErrorBackoff is the pause after an unexpected read error.
const readErrorBackoff = 100 * time.Millisecond

// captureLoop reads frames, assembles chunks and launches one task per chunk.
// It exits when ctx is cancelled or the source is exhausted.
func (c *Controller) captureLoop(ctx, taskCtx context.Context, s *session, chunker *audio.Chunker) {
	defer close(s.done)
	defer s.alive.Store(false)
	defer func() {
		slog.Debug("detector: capture loop exited", "partial_samples_discarded", chunker.Buffered())
	}()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("capture loop panic: %v", r)
			s.stats.recordError(msg)
			slog.Error("detector: "+msg, "stack", string(debug.Stack()))
		}
	}()

	var lastDropped uint64
	for {
		frame, err := s.stream.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, audio.ErrDeviceTimeout):
				continue
			case errors.Is(err, audio.ErrSourceExhausted), errors.Is(err, audio.ErrStreamClosed):
				s.stats.recordError(err.Error())
				slog.Info("detector: capture ended", "err", err)
				return
			default:
				s.stats.recordError(err.Error())
				slog.Warn("detector: read frame", "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(readErrorBackoff):
				}
				continue
			}
		}

		if d := s.stream.Dropped(); d > lastDropped {
			c.metrics.FramesDropped.Add(ctx, int64(d-lastDropped))
			s.stats.framesDropped.Store(d)
			lastDropped = d
		}

		chunker.Push(frame)
		for {
			chunk, ok := chunker.TryTake()
			if !ok {
				break
			}
			c.launch(taskCtx, s, chunk)
		}
	}
}

// launch processes chunk on its own goroutine, or drops it when the
// in-flight cap is reached.
func (c *Controller) launch(ctx context.Context, s *session, chunk audio.Chunk) {
	if !s.sem.TryAcquire(1) {
		s.stats.dropped.Add(1)
		c.metrics.ChunksDropped.Add(ctx, 1)
		slog.Debug("detector: in-flight cap reached, chunk dropped", "seq", chunk.Seq)
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("chunk %d task panic: %v", chunk.Seq, r)
				s.stats.recordError(msg)
				slog.Error("detector: "+msg, "stack", string(debug.Stack()))
			}
		}()
		c.process(ctx, s.stats, chunk)
	}()
}

// process runs extract → classify → dispatch for one chunk.
func (c *Controller) process(ctx context.Context, n *counters, chunk audio.Chunk) {
	c.metrics.TasksInflight.Add(ctx, 1)
	defer c.metrics.TasksInflight.Add(ctx, -1)

	ctx, span := observe.StartChunkSpan(ctx, chunk)
	defer span.End()
	log := observe.Logger(ctx).With("seq", chunk.Seq)

	t0 := time.Now()
	v, err := c.extractor.Extract(chunk)
	c.metrics.ExtractDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		c.metrics.RecordChunk(ctx, "error", string(classifier.ProvenanceError), 0)
		log.Debug("detector: chunk dropped", "err", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	t1 := time.Now()
	res := classifier.Safe(ctx, c.cls, v)
	c.metrics.ClassifyDuration.Record(ctx, time.Since(t1).Seconds())

	result := "quiet"
	switch {
	case res.Provenance == classifier.ProvenanceError:
		result = "error"
	case res.IsCry:
		result = "cry"
	}
	c.metrics.RecordChunk(ctx, result, string(res.Provenance), res.Confidence)
	n.processed.Add(1)
	if ctx.Err() != nil {
		return
	}

	ev, err := c.handler.Handle(ctx, chunk, v, res)
	if err != nil {
		log.Warn("detector: dispatch", "err", err)
	}
	if ev != nil && ctx.Err() == nil {
		n.detections.Add(1)
		ts := ev.Timestamp
		n.lastDetection.Store(&ts)
	}
}
