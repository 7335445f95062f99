package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
	"github.com/MrWong99/cradlewatch/pkg/features"
)

// Dispatcher handles the outcome of every classified chunk.
//
// All methods are safe for concurrent use; the pipeline calls Handle from
// many goroutines at once.
type Dispatcher struct {
	source   string
	log      *Log
	sinks    []Sink
	evidence *Evidence
	scores   ScoreRecorder
	metrics  *observe.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithSinks adds delivery targets. The aggregator is usually the first.
func WithSinks(s ...Sink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, s...) }
}

// WithEvidence enables evidence WAV files.
func WithEvidence(e *Evidence) Option {
	return func(d *Dispatcher) { d.evidence = e }
}

// WithScoreRecorder forwards every chunk's score to r.
func WithScoreRecorder(r ScoreRecorder) Option {
	return func(d *Dispatcher) { d.scores = r }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New returns a Dispatcher that stamps events with source and records every
// detection in log.
func New(source string, log *Log, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source: source,
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Log returns the detection log.
func (d *Dispatcher) Log() *Log { return d.log }

// Evidence returns the evidence writer, or nil.
func (d *Dispatcher) Evidence() *Evidence { return d.evidence }

// Handle processes one classified chunk. Non-detections only produce an
// occasional continuous snapshot. Detections are saved, delivered to every
// sink concurrently and appended to the log.
//
// The returned event is nil for non-detections. The error reports local
// failures (evidence, log); delivery failures are logged and counted only.
func (d *Dispatcher) Handle(ctx context.Context, chunk audio.Chunk, v features.Vector, r classifier.Result) (*Event, error) {
	ts := d.now()
	if d.scores != nil {
		d.scores.RecordScore(ctx, Score{
			Timestamp:  ts,
			Seq:        chunk.Seq,
			Source:     d.source,
			Confidence: r.Confidence,
			IsCry:      r.IsCry,
			Provenance: r.Provenance,
			MeanAbs:    v.MeanAbs,
		})
	}

	if !r.IsCry {
		if d.evidence == nil || !d.evidence.Saving() {
			return nil, nil
		}
		_, saved, err := d.evidence.SaveContinuous(chunk.Samples, chunk.SampleRate, ts)
		if err != nil {
			d.logger.Warn("dispatch: continuous snapshot failed", "seq", chunk.Seq, "err", err)
			return nil, err
		}
		if saved {
			d.metrics.RecordEvidenceSaved(ctx, "continuous")
		}
		return nil, nil
	}

	var errs []error
	var audioPath string
	if d.evidence != nil && d.evidence.Saving() {
		path, err := d.evidence.SaveDetection(chunk.Samples, chunk.SampleRate, ts)
		if err != nil {
			d.logger.Warn("dispatch: detection evidence failed", "seq", chunk.Seq, "err", err)
			errs = append(errs, err)
		} else {
			audioPath = path
			d.metrics.RecordEvidenceSaved(ctx, "detection")
		}
	}

	ev := newEvent(ts, d.source, r.Confidence, v.Values, audioPath, r.Provenance)
	d.logger.Info("dispatch: cry detected",
		"event_id", ev.ID,
		"seq", chunk.Seq,
		"confidence", ev.Confidence,
		"provenance", string(r.Provenance),
	)
	if err := d.deliver(ctx, ev, r.Confidence); err != nil {
		errs = append(errs, err)
	}
	return &ev, errors.Join(errs...)
}

// Push creates and delivers a manual event. confidence must be in [0, 1].
func (d *Dispatcher) Push(ctx context.Context, confidence float64) (Event, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Event{}, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidEvent, confidence)
	}
	ev := newEvent(d.now(), d.source, confidence, nil, "", classifier.ProvenanceManual)
	d.logger.Info("dispatch: manual event", "event_id", ev.ID, "confidence", ev.Confidence)
	return ev, d.deliver(ctx, ev, confidence)
}

// deliver fans ev out to every sink and then appends it to the log. Only a
// log failure is returned.
func (d *Dispatcher) deliver(ctx context.Context, ev Event, confidence float64) error {
	start := time.Now()

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			if err := s.Publish(ctx, ev); err != nil {
				d.logger.Warn("dispatch: delivery failed",
					"sink", s.Name(),
					"event_id", ev.ID,
					"err", err,
				)
				d.metrics.RecordDeliveryFailure(ctx, s.Name(), failureKind(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	d.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provenance", string(ev.Provenance))))

	if d.log == nil {
		return nil
	}
	err := d.log.Append(LogEntry{
		Timestamp:  ev.Timestamp,
		Confidence: confidence,
		Type:       EntryTypeCry,
		AudioFile:  ev.audioFile(),
		EventID:    ev.ID,
		Provenance: string(ev.Provenance),
	})
	if err != nil {
		d.logger.Error("dispatch: detection log write failed", "path", d.log.Path(), "err", err)
		return err
	}
	return nil
}
