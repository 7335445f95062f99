// Package detector owns the detection lifecycle: it opens the capture
// source, runs the capture loop, fans chunks out to bounded processing tasks
// and tears everything down again.
//
// The [Controller] is an explicit state machine. Only one capture session
// exists at a time; Start and Stop are serialised and report misuse with
// [ErrAlreadyRunning] and [ErrNotRunning].
//
//	Idle ──Start──▶ Running ──Stop──▶ Stopping ──▶ Idle
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
	"github.com/MrWong99/cradlewatch/pkg/features"
)

var (
	// ErrAlreadyRunning is returned by Start (and Probe) unless the
	// controller is Idle.
	ErrAlreadyRunning = errors.New("detector: already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("detector: not running")

	// ErrInvalidConfig is returned by Configure and New for rejected
	// settings.
	ErrInvalidConfig = errors.New("detector: invalid config")
)

// State is the lifecycle state of a [Controller].
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"

	// StateError is only reported by [Controller.Status], for a Running
	// controller whose capture worker has died.
	StateError State = "error"
)

// SupportedSampleRates lists the rates accepted by [Controller.Configure].
var SupportedSampleRates = []int{8000, 16000, 22050, 44100, 48000}

// Extractor turns a chunk into a feature vector.
type Extractor interface {
	Extract(chunk audio.Chunk) (features.Vector, error)
}

// Handler receives every classified chunk.
type Handler interface {
	Handle(ctx context.Context, chunk audio.Chunk, v features.Vector, r classifier.Result) (*dispatch.Event, error)
}

// SavingToggle switches evidence recording on and off.
type SavingToggle interface {
	SetSaving(on bool)
	Saving() bool
}

// Settings are the capture and scheduling parameters of a session.
type Settings struct {
	SampleRate int
	FrameSize  int

	// ChunkDuration in seconds; ignored when ChunkSize is positive.
	ChunkDuration float64
	ChunkSize     int
	Overlap       float64

	// MaxInflight caps concurrently processed chunks. Default 8.
	MaxInflight int

	// StopGrace bounds how long Stop waits for in-flight work. Default 5s.
	StopGrace time.Duration
}

func (s *Settings) applyDefaults() {
	if s.FrameSize <= 0 {
		s.FrameSize = 1024
	}
	if s.ChunkDuration <= 0 && s.ChunkSize <= 0 {
		s.ChunkDuration = 3
	}
	if s.MaxInflight <= 0 {
		s.MaxInflight = 8
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 5 * time.Second
	}
}

// Config holds the collaborators of a [Controller].
type Config struct {
	Source     audio.Source
	Extractor  Extractor
	Classifier classifier.Classifier

	// Threshold is shared with Classifier; Configure updates it in place.
	Threshold *classifier.Threshold

	Handler Handler

	// Evidence is optional.
	Evidence SavingToggle

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Settings Settings
}

// session is the state of one Start..Stop cycle.
type session struct {
	stream      audio.Stream
	cancel      context.CancelFunc // stops the capture loop
	cancelTasks context.CancelFunc // abandons in-flight tasks
	done        chan struct{}      // closed when the capture loop returns
	tasks       sync.WaitGroup
	sem         *semaphore.Weighted
	alive       atomic.Bool
	stats       *counters
}

// counters belong to one session. Tasks abandoned by Stop keep a pointer to
// their own session's counters and never touch the next session's.
type counters struct {
	processed     atomic.Uint64
	dropped       atomic.Uint64
	framesDropped atomic.Uint64
	detections    atomic.Uint64
	lastDetection atomic.Pointer[time.Time]
	lastErr       atomic.Pointer[string]
}

func (n *counters) recordError(msg string) {
	n.lastErr.Store(&msg)
}

// Controller runs the capture → chunk → extract → classify → dispatch
// pipeline. All methods are safe for concurrent use.
type Controller struct {
	source    audio.Source
	extractor Extractor
	cls       classifier.Classifier
	threshold *classifier.Threshold
	handler   Handler
	evidence  SavingToggle
	metrics   *observe.Metrics

	mu        sync.Mutex
	state     State
	probing   bool
	settings  Settings // applied on the next Start
	active    Settings // in effect for the current session
	sess      *session
	startedAt time.Time
	stats     *counters // current or most recent session
}

// New validates cfg and returns an Idle controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Extractor == nil {
		errs = append(errs, errors.New("extractor is required"))
	}
	if cfg.Classifier == nil {
		errs = append(errs, errors.New("classifier is required"))
	}
	if cfg.Threshold == nil {
		errs = append(errs, errors.New("threshold is required"))
	}
	if cfg.Handler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	cfg.Settings.applyDefaults()
	if !slices.Contains(SupportedSampleRates, cfg.Settings.SampleRate) {
		errs = append(errs, fmt.Errorf("sample rate %d not in %v", cfg.Settings.SampleRate, SupportedSampleRates))
	}
	if cfg.Settings.Overlap < 0 || cfg.Settings.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("overlap %g outside [0, 1)", cfg.Settings.Overlap))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Controller{
		source:    cfg.Source,
		extractor: cfg.Extractor,
		cls:       cfg.Classifier,
		threshold: cfg.Threshold,
		handler:   cfg.Handler,
		evidence:  cfg.Evidence,
		metrics:   m,
		state:     StateIdle,
		settings:  cfg.Settings,
		stats:     &counters{},
	}, nil
}

// ─── Start / Stop ────────────────────────────────────────────────────────────

// Start opens the capture source and launches the capture loop. ctx governs
// the open attempt only; the session runs until [Controller.Stop].
//
// Device errors are returned (wrapping [audio.ErrDeviceUnavailable]) and
// leave the controller Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.probing {
		return fmt.Errorf("%w (state=%s)", ErrAlreadyRunning, c.state)
	}

	st := c.settings
	size := audio.ChunkSizeFor(st.SampleRate, st.ChunkDuration, st.ChunkSize)
	chunker, err := audio.NewChunker(size, st.SampleRate, st.Overlap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	stream, err := c.source.Open(ctx, audio.Format{SampleRate: st.SampleRate, FrameSize: st.FrameSize})
	if err != nil {
		return fmt.Errorf("detector: open source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	s := &session{
		stream:      stream,
		cancel:      cancel,
		cancelTasks: cancelTasks,
		done:        make(chan struct{}),
		sem:         semaphore.NewWeighted(int64(st.MaxInflight)),
		stats:       &counters{},
	}
	s.alive.Store(true)

	c.sess = s
	c.stats = s.stats
	c.active = st
	c.state = StateRunning
	c.startedAt = time.Now()
	c.metrics.PipelineRunning.Add(context.Background(), 1)

	go c.captureLoop(loopCtx, taskCtx, s, chunker)

	slog.Info("detector: started",
		"sample_rate", st.SampleRate,
		"chunk_samples", chunker.ChunkSize(),
		"overlap", st.Overlap,
		"max_inflight", st.MaxInflight,
		"threshold", c.threshold.Load(),
	)
	return nil
}

// Stop cancels the capture loop, waits up to the grace period for it and
// any in-flight tasks, closes the stream and returns to Idle. Tasks still
// running after the grace period are abandoned; their results are
// discarded.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrNotRunning, state)
	}
	c.state = StateStopping
	s := c.sess
	grace := c.active.StopGrace
	c.mu.Unlock()

	s.cancel()

	finished := make(chan struct{})
	go func() {
		<-s.done
		s.tasks.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		slog.Warn("detector: grace period elapsed, abandoning in-flight tasks", "grace", grace)
	case <-ctx.Done():
		slog.Warn("detector: stop interrupted, abandoning in-flight tasks", "err", ctx.Err())
	}
	s.cancelTasks()

	if err := s.stream.Close(); err != nil {
		slog.Warn("detector: close stream", "err", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sess = nil
	c.mu.Unlock()
	c.metrics.PipelineRunning.Add(context.Background(), -1)

	slog.Info("detector: stopped",
		"chunks_processed", s.stats.processed.Load(),
		"detections", s.stats.detections.Load(),
	)
	return nil
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State           State      `json:"state"`
	WorkerAlive     bool       `json:"worker_alive"`
	DetectionsCount uint64     `json:"detections_count"`
	ChunksProcessed uint64     `json:"chunks_processed"`
	ChunksDropped   uint64     `json:"chunks_dropped"`
	FramesDropped   uint64     `json:"frames_dropped"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastDetection   *time.Time `json:"last_detection,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Status returns the current state and counters. A Running controller whose
// capture loop has exited reports [StateError].
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state}
	n := c.stats
	if c.sess != nil {
		st.WorkerAlive = c.sess.alive.Load()
		started := c.startedAt
		st.StartedAt = &started
	}
	c.mu.Unlock()

	if st.State == StateRunning && !st.WorkerAlive {
		st.State = StateError
	}
	st.DetectionsCount = n.detections.Load()
	st.ChunksProcessed = n.processed.Load()
	st.ChunksDropped = n.dropped.Load()
	st.FramesDropped = n.framesDropped.Load()
	st.LastDetection = n.lastDetection.Load()
	if e := n.lastErr.Load(); e != nil {
		st.LastError = *e
	}
	return st
}

// Healthy reports an error when the controller is Running with a dead
// capture loop. It has the signature of a readiness check.
func (c *Controller) Healthy(context.Context) error {
	if s := c.Status(); s.State == StateError {
		return fmt.Errorf("detector: capture worker died: %s", s.LastError)
	}
	return nil
}
