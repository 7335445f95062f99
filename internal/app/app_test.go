package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/cradlewatch/internal/app"
	"github.com/MrWong99/cradlewatch/internal/config"
	"github.com/MrWong99/cradlewatch/internal/detector"
	"github.com/MrWong99/cradlewatch/internal/dispatch"
	dispatchmock "github.com/MrWong99/cradlewatch/internal/dispatch/mock"
	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	audiomock "github.com/MrWong99/cradlewatch/pkg/audio/mock"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
	classifiermock "github.com/MrWong99/cradlewatch/pkg/classifier/mock"
)

const (
	rate      = 8000
	frameSize = 400
)

// testConfig returns a local-only config small enough for fast chunks.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.ID = "nursery"
	cfg.Aggregator.BaseURL = ""
	cfg.Storage.BasePath = t.TempDir()
	cfg.Audio.SampleRate = rate
	cfg.Audio.FrameSize = frameSize
	cfg.Detection.ChunkSize = 2 * frameSize
	cfg.Detection.FeatureMode = config.FeatureFallback
	cfg.Detection.StopGrace = time.Second
	return cfg
}

type scoreWriter struct {
	mu     sync.Mutex
	scores []dispatch.Score
}

func (w *scoreWriter) Write(_ context.Context, s []dispatch.Score) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scores = append(w.scores, s...)
	return nil
}

func (w *scoreWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.scores)
}

type env struct {
	app    *app.App
	srv    *httptest.Server
	cfg    *config.Config
	sink   *dispatchmock.Sink
	scores *scoreWriter
	source *audiomock.Source
	th     *classifier.Threshold
	level  *slog.LevelVar
	cls    *classifiermock.Classifier
}

func newEnv(t *testing.T, cfg *config.Config, fs ...audio.AudioFrame) *env {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		cfg:    cfg,
		sink:   &dispatchmock.Sink{},
		scores: &scoreWriter{},
		source: &audiomock.Source{OpenResult: audiomock.NewStream(fs...)},
		th:     classifier.NewThreshold(cfg.Detection.ConfidenceThreshold),
		level:  new(slog.LevelVar),
		cls:    &classifiermock.Classifier{Result: classifier.Result{IsCry: true, Confidence: 0.9, Provenance: classifier.ProvenanceModel}},
	}
	a, err := app.New(context.Background(), cfg,
		&app.Backends{Source: e.source, Classifier: e.cls, Threshold: e.th},
		app.WithMetrics(metrics),
		app.WithSinks(e.sink),
		app.WithScoreWriter(e.scores),
		app.WithLogLevel(e.level),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	e.app = a
	e.srv = httptest.NewServer(a.Handler())
	t.Cleanup(e.srv.Close)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return e
}

func (e *env) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func frames(n int, amplitude float32) []audio.AudioFrame {
	out := make([]audio.AudioFrame, n)
	for i := range out {
		out[i] = audiomock.Frame(frameSize, rate, amplitude)
	}
	return out
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	for _, b := range []*app.Backends{nil, {}, {Source: &audiomock.Source{}}} {
		if _, err := app.New(context.Background(), cfg, b); err == nil {
			t.Errorf("New(%+v) succeeded, want error", b)
		}
	}
}

func TestNew_InvalidDetection(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Detection.Overlap = 1.5
	_, err := app.New(context.Background(), cfg, &app.Backends{
		Source:     &audiomock.Source{},
		Classifier: &classifiermock.Classifier{},
		Threshold:  classifier.NewThreshold(0.8),
	})
	if !errors.Is(err, detector.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestApp_PipelineEndToEnd(t *testing.T) {
	t.Parallel()
	e := newEnv(t, testConfig(t), frames(4, 0.5)...)

	if resp := e.post(t, "/start"); resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /start = %d", resp.StatusCode)
	}
	if resp := e.post(t, "/start"); resp.StatusCode != http.StatusConflict {
		t.Errorf("second POST /start = %d, want 409", resp.StatusCode)
	}

	waitFor(t, "two detections", func() bool { return len(e.sink.Events()) == 2 })

	var hist struct {
		Count   int                 `json:"count"`
		Entries []dispatch.LogEntry `json:"entries"`
	}
	if err := json.NewDecoder(e.get(t, "/history").Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if hist.Count != 2 {
		t.Errorf("history count = %d, want 2", hist.Count)
	}
	for _, ev := range e.sink.Events() {
		if ev.Source != "nursery" || ev.Confidence != 90 || ev.AudioFilePath == "" {
			t.Errorf("event = %+v", ev)
		}
		if _, err := os.Stat(ev.AudioFilePath); err != nil {
			t.Errorf("evidence missing: %v", err)
		}
	}

	if resp := e.get(t, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", resp.StatusCode)
	}
	if resp := e.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}

	if resp := e.post(t, "/stop"); resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /stop = %d", resp.StatusCode)
	}
	if resp := e.post(t, "/stop"); resp.StatusCode != http.StatusConflict {
		t.Errorf("second POST /stop = %d, want 409", resp.StatusCode)
	}

	if err := e.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := e.scores.Len(); got != 2 {
		t.Errorf("scores written = %d, want 2 after shutdown flush", got)
	}
}

func TestApp_ManualEvent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, testConfig(t))

	resp, err := http.Post(e.srv.URL+"/events", "application/json", strings.NewReader(`{"confidence":0.7}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /events = %d", resp.StatusCode)
	}
	if n := len(e.sink.Events()); n != 1 {
		t.Errorf("sink received %d events, want 1", n)
	}
	if e.cls.CallCount() != 0 {
		t.Error("manual event reached the classifier")
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	old := testConfig(t)
	e := newEnv(t, old)

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Detection.ConfidenceThreshold = 0.6
	next.Storage.AudioSaving = false
	next.Storage.RetentionDays = 30
	next.Audio.SampleRate = 16000

	e.app.Reload(old, &next)

	if got := e.th.Load(); got != 0.6 {
		t.Errorf("threshold = %v, want 0.6", got)
	}
	cur := e.app.Detector().Current()
	if cur.AudioSaving || cur.SampleRate != 16000 {
		t.Errorf("current = %+v", cur)
	}
	if got := e.app.RetentionDays(); got != 30 {
		t.Errorf("retention = %d, want 30", got)
	}
	if got := e.level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}

	// An invalid threshold is rejected as a whole.
	bad := next
	bad.Detection.ConfidenceThreshold = 2
	bad.Storage.AudioSaving = true
	e.app.Reload(&next, &bad)
	if got := e.th.Load(); got != 0.6 {
		t.Errorf("threshold after bad reload = %v, want 0.6", got)
	}
	if e.app.Detector().Current().AudioSaving {
		t.Error("audio saving applied from a rejected reload")
	}
}

func TestApp_RunAutoStartAndSweep(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Detection.AutoStart = true
	cfg.Storage.RetentionDays = 0

	stale := filepath.Join(cfg.Storage.BasePath, "detections", "old.wav")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}

	e := newEnv(t, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.app.Run(ctx, ln) }()

	waitFor(t, "auto start", func() bool {
		return e.app.Detector().Status().State == detector.StateRunning
	})
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale evidence survived startup sweep: %v", err)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, testConfig(t))
	for range 2 {
		if err := e.app.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
