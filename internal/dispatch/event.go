// Package dispatch turns classifier results into detection events and
// delivers them: to the remote aggregator over HTTP, to optional sinks (MQTT,
// archive, live stream, object storage), and to the local append-only
// detection log. It also writes evidence WAV files.
//
// Delivery is best-effort. Failures are logged and counted but never retried
// and never stop the pipeline; the local log is written regardless.
package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cradlewatch/pkg/classifier"
)

// Delivery errors returned (wrapped) by [Aggregator.Publish].
var (
	ErrDeliveryTimeout    = errors.New("dispatch: aggregator timed out")
	ErrDeliveryConnection = errors.New("dispatch: aggregator unreachable")
	ErrDeliveryStatus     = errors.New("dispatch: aggregator rejected event")
)

// ErrInvalidEvent is returned by [Dispatcher.Push] for out-of-range input.
var ErrInvalidEvent = errors.New("dispatch: invalid event")

// Event is one detection, created after a positive classification or a
// manual push. Events are immutable once created.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Confidence is a percentage in [0, 100] rounded to two decimals.
	Confidence float64 `json:"confidence"`

	// Source identifies the monitor that produced the event.
	Source string `json:"source"`

	Features      []float64             `json:"audio_features"`
	AudioFilePath string                `json:"audio_file_path,omitempty"`
	Provenance    classifier.Provenance `json:"provenance"`
}

// Fraction returns Confidence scaled back to [0, 1].
func (e Event) Fraction() float64 { return e.Confidence / 100 }

// audioFile returns the evidence path, or nil so it encodes as JSON null.
func (e Event) audioFile() *string {
	if e.AudioFilePath == "" {
		return nil
	}
	p := e.AudioFilePath
	return &p
}

// newEvent builds an [Event] from a [0, 1] confidence.
func newEvent(ts time.Time, source string, confidence float64, values []float64, audioPath string, p classifier.Provenance) Event {
	var feats []float64
	if values != nil {
		feats = make([]float64, len(values))
		copy(feats, values)
	}
	return Event{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		Confidence:    percent(confidence),
		Source:        source,
		Features:      feats,
		AudioFilePath: audioPath,
		Provenance:    p,
	}
}

func percent(c float64) float64 {
	return math.Round(c*10000) / 100
}

// Sink receives detection events. Implementations must be safe for
// concurrent use and should honour ctx.
type Sink interface {
	// Name labels log lines and metrics for this sink.
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Score is the per-chunk classification outcome handed to a
// [ScoreRecorder], whether or not the chunk was a detection.
type Score struct {
	Timestamp  time.Time
	Seq        uint64
	Source     string
	Confidence float64
	IsCry      bool
	Provenance classifier.Provenance
	MeanAbs    float64
}

// ScoreRecorder observes every classified chunk. RecordScore must not block.
type ScoreRecorder interface {
	RecordScore(ctx context.Context, s Score)
}
