package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cradlewatch/internal/config"
)

// nurseryYAML renders a wav-backed monitor config with the hot-reloadable
// fields set to the given values.
func nurseryYAML(level string, threshold float64, saving bool, retention, rate int) string {
	return fmt.Sprintf(`
server:
  log_level: %s
device:
  id: nursery
audio:
  source: wav
  wav_path: /tmp/nursery.wav
  sample_rate: %d
detection:
  confidence_threshold: %g
storage:
  audio_saving: %t
  retention_days: %d
`, level, rate, threshold, saving, retention)
}

var baseline = nurseryYAML("info", 0.8, true, 7, 22050)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// reloads collects watcher callbacks.
type reloads struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	ch    chan struct{}
}

func newReloads() *reloads { return &reloads{ch: make(chan struct{}, 8)} }

func (r *reloads) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.diffs = append(r.diffs, config.Diff(old, new))
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cradlewatch.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// rewrite replaces the file and bumps its mtime so the next poll sees it
// even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_HotReloadableEdits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		edited string
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "threshold",
			edited: nurseryYAML("info", 0.65, true, 7, 22050),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ThresholdChanged || d.NewThreshold != 0.65 {
					t.Errorf("diff = %+v, want threshold 0.65", d)
				}
			},
		},
		{
			name:   "audio saving off",
			edited: nurseryYAML("info", 0.8, false, 7, 22050),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.AudioSavingChanged || d.NewAudioSaving {
					t.Errorf("diff = %+v, want saving disabled", d)
				}
			},
		},
		{
			name:   "retention and log level",
			edited: nurseryYAML("debug", 0.8, true, 30, 22050),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RetentionChanged || d.NewRetentionDays != 30 || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v, want retention 30 and debug", d)
				}
			},
		},
		{
			name:   "sample rate",
			edited: nurseryYAML("info", 0.8, true, 7, 16000),
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SampleRateChanged || d.NewSampleRate != 16000 || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v, want sample rate 16000 without restart", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newReloads()
			w, path := startWatcher(t, baseline, r.onChange)

			rewrite(t, path, tt.edited)
			select {
			case <-r.ch:
			case <-time.After(2 * time.Second):
				t.Fatal("no reload after edit")
			}
			r.mu.Lock()
			tt.check(t, r.diffs[0])
			r.mu.Unlock()
			if got := config.Diff(w.Current(), loadFile(t, path)); !got.Empty() {
				t.Errorf("Current() lags the file: %+v", got)
			}
		})
	}
}

func TestWatcher_RejectsInvalidEdits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		edited string
	}{
		{name: "threshold above one", edited: nurseryYAML("info", 1.5, true, 7, 22050)},
		{name: "unsupported sample rate", edited: nurseryYAML("info", 0.8, true, 7, 12345)},
		{name: "unknown log level", edited: nurseryYAML("loud", 0.8, true, 7, 22050)},
		{name: "negative retention", edited: nurseryYAML("info", 0.8, true, -1, 22050)},
		{name: "unknown field", edited: baseline + "  shred_evidence: true\n"},
		{name: "not yaml", edited: "detection: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newReloads()
			w, path := startWatcher(t, baseline, r.onChange)

			rewrite(t, path, tt.edited)
			time.Sleep(150 * time.Millisecond)

			if n := r.count(); n != 0 {
				t.Errorf("onChange fired %d times for an invalid edit", n)
			}
			cur := w.Current()
			if cur.Detection.ConfidenceThreshold != 0.8 || cur.Audio.SampleRate != 22050 || !cur.Storage.AudioSaving {
				t.Errorf("Current() = %+v, want the previous valid config", cur)
			}
		})
	}
}

func TestWatcher_RecoversAfterInvalidEdit(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, baseline, r.onChange)

	rewrite(t, path, nurseryYAML("info", 2, true, 7, 22050))
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, nurseryYAML("info", 0.5, true, 7, 22050))
	later := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit after an invalid one was not applied")
	}
	if got := w.Current().Detection.ConfidenceThreshold; got != 0.5 {
		t.Errorf("threshold = %v, want 0.5", got)
	}
}

// Not parallel: t.Setenv.
func TestWatcher_EnvOverridesSurviveReload(t *testing.T) {
	t.Setenv("CRADLEWATCH_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("CRADLEWATCH_DEVICE_ID", "crib-2")

	r := newReloads()
	w, path := startWatcher(t, baseline, r.onChange)
	if cur := w.Current(); cur.Detection.ConfidenceThreshold != 0.9 || cur.Device.ID != "crib-2" {
		t.Fatalf("initial config ignores env: threshold=%v id=%q", cur.Detection.ConfidenceThreshold, cur.Device.ID)
	}

	// The file edit only touches retention; env still pins the threshold.
	rewrite(t, path, nurseryYAML("info", 0.3, true, 14, 22050))
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after edit")
	}
	r.mu.Lock()
	d := r.diffs[0]
	r.mu.Unlock()
	if d.ThresholdChanged || !d.RetentionChanged {
		t.Errorf("diff = %+v, want retention only", d)
	}
	if cur := w.Current(); cur.Detection.ConfidenceThreshold != 0.9 || cur.Device.ID != "crib-2" {
		t.Errorf("reloaded config lost env overrides: threshold=%v id=%q", cur.Detection.ConfidenceThreshold, cur.Device.ID)
	}
}

func TestWatcher_TouchDoesNotReload(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := startWatcher(t, baseline, r.onChange)

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Errorf("onChange fired %d times for a touch", n)
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file: want error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, nurseryYAML("info", 7, true, 7, 22050))
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("invalid initial config: want error")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, baseline, nil)
	w.Stop()
	w.Stop()
}

func loadFile(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}
