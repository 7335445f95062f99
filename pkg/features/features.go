// Package features turns fixed-size audio chunks into numeric feature vectors
// for the cry classifier.
//
// Two modes are supported:
//
//   - [ModeRich]: mel-frequency cepstral coefficients averaged over time plus
//     the mean spectral centroid and mean zero-crossing rate. Vector length is
//     MFCCCount+2.
//   - [ModeFallback]: simple amplitude statistics of the raw samples (mean,
//     standard deviation, max, min, mean absolute value). Vector length is 5.
//
// Every [Vector] also carries the chunk's mean absolute amplitude, regardless
// of mode, so amplitude-gated classifiers work on either representation.
//
// Extraction is deterministic and an [Extractor] is safe for concurrent use.
package features

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// ErrExtraction is returned (wrapped) when a chunk cannot be turned into a
// feature vector: it is empty, contains non-finite samples, or is too short
// for spectral analysis.
var ErrExtraction = errors.New("features: extraction failed")

// Mode selects the feature representation.
type Mode string

const (
	ModeRich     Mode = "rich"
	ModeFallback Mode = "fallback"
)

// ParseMode validates s as a [Mode].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRich, ModeFallback:
		return m, nil
	default:
		return "", fmt.Errorf("features: unknown mode %q (want %q or %q)", s, ModeRich, ModeFallback)
	}
}

// FallbackLen is the length of a [ModeFallback] vector.
const FallbackLen = 5

// Vector is the feature representation of one chunk.
type Vector struct {
	// Mode that produced Values.
	Mode Mode `json:"mode"`

	// Values is the fixed-length feature vector for Mode.
	Values []float64 `json:"values"`

	// MeanAbs is the mean absolute amplitude of the raw chunk.
	MeanAbs float64 `json:"mean_abs"`
}

// Len returns the vector length produced by mode with the given MFCC count.
func Len(mode Mode, mfccCount int) int {
	if mode == ModeFallback {
		return FallbackLen
	}
	return mfccCount + 2
}

// Option is a functional option for [New].
type Option func(*Extractor)

// WithMode selects the feature mode. Default: [ModeRich].
func WithMode(m Mode) Option { return func(e *Extractor) { e.mode = m } }

// WithMFCCCount sets the number of cepstral coefficients. Default: 13.
func WithMFCCCount(n int) Option { return func(e *Extractor) { e.mfccCount = n } }

// WithFrame sets the analysis frame length (FFT size) and hop in samples.
// Defaults: 2048 and 512.
func WithFrame(nfft, hop int) Option {
	return func(e *Extractor) {
		e.nfft = nfft
		e.hop = hop
	}
}

// WithMelBands sets the number of mel filters. Default: 128.
func WithMelBands(n int) Option { return func(e *Extractor) { e.melBands = n } }

// Extractor computes feature vectors. Create one with [New].
type Extractor struct {
	mode      Mode
	mfccCount int
	nfft      int
	hop       int
	melBands  int

	window []float64
	ffts   sync.Pool // *fourier.FFT; not safe for concurrent use

	mu    sync.Mutex
	banks map[int][][]float64 // sample rate → mel filterbank
	dct   [][]float64
}

// New returns an Extractor.
func New(opts ...Option) (*Extractor, error) {
	e := &Extractor{
		mode:      ModeRich,
		mfccCount: 13,
		nfft:      2048,
		hop:       512,
		melBands:  128,
		banks:     make(map[int][][]float64),
	}
	for _, o := range opts {
		o(e)
	}

	if _, err := ParseMode(string(e.mode)); err != nil {
		return nil, err
	}
	var errs []error
	if e.mfccCount < 1 {
		errs = append(errs, fmt.Errorf("mfcc count must be positive, got %d", e.mfccCount))
	}
	if e.melBands < e.mfccCount {
		errs = append(errs, fmt.Errorf("mel bands (%d) must be >= mfcc count (%d)", e.melBands, e.mfccCount))
	}
	if e.nfft < 2 || e.hop < 1 {
		errs = append(errs, fmt.Errorf("invalid frame: nfft=%d hop=%d", e.nfft, e.hop))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}

	e.window = hann(e.nfft)
	e.dct = dctMatrix(e.mfccCount, e.melBands)
	nfft := e.nfft
	e.ffts.New = func() any { return fourier.NewFFT(nfft) }
	return e, nil
}

// Mode returns the configured feature mode.
func (e *Extractor) Mode() Mode { return e.mode }

// Len returns the length of vectors produced by this extractor.
func (e *Extractor) Len() int { return Len(e.mode, e.mfccCount) }

// Extract computes the feature vector for chunk.
func (e *Extractor) Extract(chunk audio.Chunk) (Vector, error) {
	if len(chunk.Samples) == 0 {
		return Vector{}, fmt.Errorf("%w: empty chunk", ErrExtraction)
	}
	x := make([]float64, len(chunk.Samples))
	var sumAbs float64
	for i, s := range chunk.Samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Vector{}, fmt.Errorf("%w: non-finite sample at index %d", ErrExtraction, i)
		}
		x[i] = v
		sumAbs += math.Abs(v)
	}
	meanAbs := sumAbs / float64(len(x))

	var (
		values []float64
		err    error
	)
	switch e.mode {
	case ModeFallback:
		values = fallbackFeatures(x)
	default:
		values, err = e.richFeatures(x, chunk.SampleRate)
	}
	if err != nil {
		return Vector{}, err
	}
	return Vector{Mode: e.mode, Values: values, MeanAbs: meanAbs}, nil
}
