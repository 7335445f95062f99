// Package classifier scores feature vectors as "crying" or "not crying".
//
// Every backend implements [Classifier] and reports a [Result] whose IsCry
// field is exactly Confidence > threshold, where threshold is read from a
// shared [Threshold] so it can be changed while the pipeline runs. Results are
// tagged with a [Provenance] so heuristic output is never mistaken for real
// model inference.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/cradlewatch/pkg/features"
)

// ErrClassification is returned (wrapped) when a backend cannot score a
// vector. Callers treat it as a non-detection with confidence 0; see [Safe].
var ErrClassification = errors.New("classifier: classification failed")

// DefaultThreshold is the confidence a result must exceed to count as a cry.
const DefaultThreshold = 0.8

// Provenance identifies what produced a confidence value.
type Provenance string

const (
	ProvenanceModel     Provenance = "model"
	ProvenanceHeuristic Provenance = "heuristic"
	ProvenanceError     Provenance = "error"
	ProvenanceManual    Provenance = "manual"
)

// Result is the outcome of scoring one chunk.
type Result struct {
	IsCry      bool       `json:"is_cry"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
}

// Classifier scores a feature vector.
//
// Implementations must be safe for concurrent use; the pipeline calls
// Predict from many goroutines at once.
type Classifier interface {
	Predict(ctx context.Context, v features.Vector) (Result, error)
}

// ─── Threshold ────────────────────────────────────────────────────────────────

// Threshold is a confidence threshold shared between classifiers and the
// control surface. The zero value is not usable; create one with
// [NewThreshold].
type Threshold struct {
	bits atomic.Uint64
}

// NewThreshold returns a Threshold holding v. Out-of-range values fall back
// to [DefaultThreshold].
func NewThreshold(v float64) *Threshold {
	t := &Threshold{}
	if err := t.Store(v); err != nil {
		t.bits.Store(math.Float64bits(DefaultThreshold))
	}
	return t
}

// Load returns the current threshold.
func (t *Threshold) Load() float64 { return math.Float64frombits(t.bits.Load()) }

// Store replaces the threshold. v must be in [0, 1].
func (t *Threshold) Store(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("classifier: threshold %v outside [0, 1]", v)
	}
	t.bits.Store(math.Float64bits(v))
	return nil
}

// decide builds a Result for confidence against the current threshold.
func (t *Threshold) decide(confidence float64, p Provenance) Result {
	return Result{IsCry: confidence > t.Load(), Confidence: confidence, Provenance: p}
}

// Safe calls c.Predict and converts an [ErrClassification] into a
// non-detection with confidence 0 and [ProvenanceError]. Any other error
// (e.g. context cancellation) is treated the same way but logged at a higher
// level, since the pipeline never aborts on a single chunk.
func Safe(ctx context.Context, c Classifier, v features.Vector) Result {
	res, err := c.Predict(ctx, v)
	if err == nil {
		return res
	}
	if errors.Is(err, ErrClassification) {
		slog.Debug("classification failed, treating as no detection", "err", err)
	} else {
		slog.Warn("classifier returned unexpected error", "err", err)
	}
	return Result{IsCry: false, Confidence: 0, Provenance: ProvenanceError}
}
