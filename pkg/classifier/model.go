package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/MrWong99/cradlewatch/pkg/features"
)

// Scorer maps a feature vector to a probability in [0, 1]. Trained models
// plug into [Model] through this interface.
type Scorer interface {
	Score(values []float64) (float64, error)
}

var _ Classifier = (*Model)(nil)

// Model wraps a [Scorer] as a [Classifier] tagged [ProvenanceModel]. Scorer
// failures and out-of-range scores wrap [ErrClassification].
type Model struct {
	scorer    Scorer
	threshold *Threshold
	mode      features.Mode
}

// NewModel returns a Model. When mode is non-empty, vectors of any other
// mode are rejected.
func NewModel(s Scorer, th *Threshold, mode features.Mode) *Model {
	return &Model{scorer: s, threshold: th, mode: mode}
}

// Predict implements [Classifier].
func (m *Model) Predict(ctx context.Context, v features.Vector) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.mode != "" && v.Mode != m.mode {
		return Result{}, fmt.Errorf("%w: model expects %s features, got %s", ErrClassification, m.mode, v.Mode)
	}
	score, err := m.scorer.Score(v.Values)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return Result{}, fmt.Errorf("%w: score %v outside [0, 1]", ErrClassification, score)
	}
	return m.threshold.decide(score, ProvenanceModel), nil
}

// ─── Linear ───────────────────────────────────────────────────────────────────

// Linear is a logistic-regression [Scorer]: sigmoid(w·x + b).
type Linear struct {
	Mode         features.Mode `json:"mode"`
	Coefficients []float64     `json:"coefficients"`
	Intercept    float64       `json:"intercept"`
}

// LoadLinear reads a JSON-encoded [Linear] model from path.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read model: %w", err)
	}
	var l Linear
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("classifier: decode model %q: %w", path, err)
	}
	if len(l.Coefficients) == 0 {
		return nil, fmt.Errorf("classifier: model %q has no coefficients", path)
	}
	if l.Mode != "" {
		if _, err := features.ParseMode(string(l.Mode)); err != nil {
			return nil, fmt.Errorf("classifier: model %q: %w", path, err)
		}
	}
	slog.Info("loaded linear cry model", "path", path, "mode", l.Mode, "dims", len(l.Coefficients))
	return &l, nil
}

// Score implements [Scorer].
func (l *Linear) Score(values []float64) (float64, error) {
	if len(values) != len(l.Coefficients) {
		return 0, fmt.Errorf("dimension mismatch: model has %d coefficients, vector has %d",
			len(l.Coefficients), len(values))
	}
	z := l.Intercept
	for i, w := range l.Coefficients {
		z += w * values[i]
	}
	if math.IsNaN(z) {
		return 0, errors.New("non-finite score")
	}
	return 1 / (1 + math.Exp(-z)), nil
}
