package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// Evidence directories under the storage base path.
const (
	DetectionsDir = "detections"
	ContinuousDir = "continuous"
)

// TimestampLayout formats the timestamp embedded in evidence file names.
const TimestampLayout = "20060102_150405"

// Evidence writes 16-bit PCM WAV snapshots of analysed chunks. Saving can be
// toggled at runtime.
type Evidence struct {
	base     string
	interval time.Duration
	saving   atomic.Bool

	mu             sync.Mutex
	lastContinuous time.Time
}

// NewEvidence returns an evidence writer rooted at base. Continuous
// snapshots are written at most once per continuousInterval.
func NewEvidence(base string, saving bool, continuousInterval time.Duration) *Evidence {
	e := &Evidence{base: base, interval: continuousInterval}
	e.saving.Store(saving)
	return e
}

// SetSaving enables or disables evidence writes.
func (e *Evidence) SetSaving(on bool) { e.saving.Store(on) }

// Saving reports whether evidence writes are enabled.
func (e *Evidence) Saving() bool { return e.saving.Load() }

// Dirs returns the evidence directories.
func (e *Evidence) Dirs() []string {
	return []string{filepath.Join(e.base, DetectionsDir), filepath.Join(e.base, ContinuousDir)}
}

// SaveDetection writes detections/cry_detected_{ts}.wav and returns its path.
func (e *Evidence) SaveDetection(samples []float32, sampleRate int, ts time.Time) (string, error) {
	return e.write(DetectionsDir, "cry_detected_", samples, sampleRate, ts)
}

// SaveContinuous writes continuous/audio_{ts}.wav unless one was written
// less than the continuous interval ago. saved reports whether a file was
// written.
func (e *Evidence) SaveContinuous(samples []float32, sampleRate int, ts time.Time) (path string, saved bool, err error) {
	e.mu.Lock()
	if !e.lastContinuous.IsZero() && ts.Sub(e.lastContinuous) < e.interval {
		e.mu.Unlock()
		return "", false, nil
	}
	prev := e.lastContinuous
	e.lastContinuous = ts
	e.mu.Unlock()

	path, err = e.write(ContinuousDir, "audio_", samples, sampleRate, ts)
	if err != nil {
		e.mu.Lock()
		if e.lastContinuous.Equal(ts) {
			e.lastContinuous = prev
		}
		e.mu.Unlock()
		return "", false, err
	}
	return path, true, nil
}

func (e *Evidence) write(sub, prefix string, samples []float32, sampleRate int, ts time.Time) (string, error) {
	dir := filepath.Join(e.base, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("dispatch: create evidence dir: %w", err)
	}
	path, err := reserve(dir, prefix+ts.Format(TimestampLayout))
	if err != nil {
		return "", err
	}
	if err := audio.WriteWAV(path, samples, sampleRate); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("dispatch: save evidence: %w", err)
	}
	return path, nil
}

// reserve creates an empty placeholder named stem.wav, or stem_N.wav when
// that exists, so two chunks within the same second never overwrite each
// other.
func reserve(dir, stem string) (string, error) {
	for n := 0; n < 1000; n++ {
		name := stem + ".wav"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.wav", stem, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("dispatch: reserve %q: %w", path, err)
		}
		_ = f.Close()
		return path, nil
	}
	return "", fmt.Errorf("dispatch: too many evidence files named %q", stem)
}
