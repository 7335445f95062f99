// Package app wires all cradlewatch subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control surface until the context ends, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithSinks, WithScoreWriter). Optional backends (MQTT, archive, telemetry,
// offload) are only created when their config section enables them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/cradlewatch/internal/api"
	"github.com/MrWong99/cradlewatch/internal/archive"
	"github.com/MrWong99/cradlewatch/internal/config"
	"github.com/MrWong99/cradlewatch/internal/detector"
	"github.com/MrWong99/cradlewatch/internal/dispatch"
	"github.com/MrWong99/cradlewatch/internal/dispatch/mqttsink"
	"github.com/MrWong99/cradlewatch/internal/health"
	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/internal/offload"
	"github.com/MrWong99/cradlewatch/internal/resilience"
	"github.com/MrWong99/cradlewatch/internal/retention"
	"github.com/MrWong99/cradlewatch/internal/telemetry"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
	"github.com/MrWong99/cradlewatch/pkg/features"
)

// Backends holds the capture source and classifier built by main.go from
// the config registry. Threshold is shared with Classifier.
type Backends struct {
	Source     audio.Source
	Classifier classifier.Classifier
	Threshold  *classifier.Threshold
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	backends *Backends

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	extractor  *features.Extractor
	log        *dispatch.Log
	evidence   *dispatch.Evidence
	aggregator *dispatch.Aggregator
	store      *archive.Store
	hub        *api.Hub
	recorder   *telemetry.Recorder
	dispatcher *dispatch.Dispatcher
	detector   *detector.Controller
	sweeper    *retention.Sweeper
	checkers   []health.Checker
	handler    http.Handler

	sinks       []dispatch.Sink
	scoreWriter telemetry.Writer

	mu            sync.Mutex
	retentionDays int

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets Reload adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithSinks adds event sinks next to the ones created from config.
func WithSinks(s ...dispatch.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s...) }
}

// WithScoreWriter enables score telemetry through w instead of ClickHouse.
func WithScoreWriter(w telemetry.Writer) Option {
	return func(a *App) { a.scoreWriter = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends come
// from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: feature extractor, local
// storage, optional remote sinks, dispatcher, detector and HTTP handler.
// Remote backends that fail to connect abort New.
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Source == nil || backends.Classifier == nil || backends.Threshold == nil {
		return nil, errors.New("app: source, classifier and threshold are required")
	}
	a := &App{
		cfg:           cfg,
		backends:      backends,
		retentionDays: cfg.Storage.RetentionDays,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Feature extractor ────────────────────────────────────────────
	ext, err := features.New(
		features.WithMode(features.Mode(cfg.Detection.FeatureMode)),
		features.WithMFCCCount(cfg.Detection.MFCCCount),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init features: %w", err)
	}
	a.extractor = ext

	// ── 2. Local storage ────────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 3. Event sinks ──────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 4. Score telemetry ──────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 5. Dispatcher ───────────────────────────────────────────────────
	dopts := []dispatch.Option{
		dispatch.WithSinks(a.sinks...),
		dispatch.WithEvidence(a.evidence),
		dispatch.WithMetrics(a.metrics),
	}
	if a.recorder != nil {
		dopts = append(dopts, dispatch.WithScoreRecorder(a.recorder))
	}
	a.dispatcher = dispatch.New(cfg.Device.ID, a.log, dopts...)

	// ── 6. Detector ─────────────────────────────────────────────────────
	if err := a.initDetector(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init detector: %w", err)
	}

	// ── 7. Retention, health, HTTP ──────────────────────────────────────
	a.sweeper = retention.New(a.evidence.Dirs(), retention.WithMetrics(a.metrics))
	a.initHealth()
	a.initHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage creates the detection log and the evidence writer.
func (a *App) initStorage() error {
	l, err := dispatch.NewLog(a.cfg.Storage.LogFile())
	if err != nil {
		return err
	}
	a.log = l
	a.evidence = dispatch.NewEvidence(a.cfg.Storage.BasePath, a.cfg.Storage.AudioSaving, a.cfg.Storage.ContinuousInterval)
	slog.Info("detection log ready", "path", l.Path(), "audio_saving", a.cfg.Storage.AudioSaving)
	return nil
}

// initSinks creates every sink whose config section is enabled. The live
// stream hub is always present.
func (a *App) initSinks(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Aggregator.BaseURL != "" {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "aggregator",
			MaxFailures:  cfg.Aggregator.BreakerMaxFailures,
			ResetTimeout: cfg.Aggregator.BreakerResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		})
		agg, err := dispatch.NewAggregator(cfg.Aggregator.BaseURL,
			dispatch.WithTimeout(cfg.Aggregator.Timeout),
			dispatch.WithBreaker(cb),
		)
		if err != nil {
			return err
		}
		a.aggregator = agg
		a.sinks = append(a.sinks, agg)
		slog.Info("aggregator delivery enabled", "endpoint", agg.Endpoint())
	} else {
		slog.Warn("aggregator base_url is empty, events are only logged locally")
	}

	if cfg.MQTT.Broker != "" {
		ms, err := mqttsink.Connect(ctx, mqttsink.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			DeviceID: cfg.Device.ID,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		a.sinks = append(a.sinks, ms)
		a.closers = append(a.closers, ms.Close)
		slog.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "topic", ms.Topic())
	}

	if cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewStore(ctx, cfg.Archive.PostgresDSN, a.extractor.Len())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		a.store = store
		a.sinks = append(a.sinks, store)
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("detection archive enabled", "dims", store.Dim())
	}

	if cfg.Offload.BucketURL != "" {
		off, err := offload.New(offload.Config{
			BucketURL: cfg.Offload.BucketURL,
			SecretID:  cfg.Offload.SecretID,
			SecretKey: cfg.Offload.SecretKey,
			Prefix:    cfg.Offload.Prefix,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, off)
		slog.Info("evidence offload enabled", "bucket", cfg.Offload.BucketURL)
	}

	a.hub = api.NewHub()
	a.sinks = append(a.sinks, a.hub)
	a.closers = append(a.closers, a.hub.Close)
	return nil
}

// initTelemetry creates the score recorder when a writer is injected or
// ClickHouse is configured.
func (a *App) initTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	w := a.scoreWriter
	if w == nil && tc.ClickHouseAddr != "" {
		ch, err := telemetry.OpenClickHouse(ctx, telemetry.ClickHouseConfig{
			Addr:     tc.ClickHouseAddr,
			Database: tc.Database,
			Username: tc.Username,
			Password: tc.Password,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, ch.Close)
		a.checkers = append(a.checkers, health.Checker{Name: "telemetry", Check: ch.Ping})
		w = ch
		slog.Info("score telemetry enabled", "addr", tc.ClickHouseAddr)
	}
	if w == nil {
		return nil
	}
	a.recorder = telemetry.New(w,
		telemetry.WithBatchSize(tc.BatchSize),
		telemetry.WithFlushInterval(tc.FlushInterval),
	)
	rec := a.recorder
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rec.Close(ctx)
	})
	return nil
}

// initDetector builds the lifecycle controller.
func (a *App) initDetector() error {
	cfg := a.cfg
	det, err := detector.New(detector.Config{
		Source:     a.backends.Source,
		Extractor:  a.extractor,
		Classifier: a.backends.Classifier,
		Threshold:  a.backends.Threshold,
		Handler:    a.dispatcher,
		Evidence:   a.evidence,
		Metrics:    a.metrics,
		Settings: detector.Settings{
			SampleRate:    cfg.Audio.SampleRate,
			FrameSize:     cfg.Audio.FrameSize,
			ChunkDuration: cfg.Detection.ChunkDuration,
			ChunkSize:     cfg.Detection.ChunkSize,
			Overlap:       cfg.Detection.Overlap,
			MaxInflight:   cfg.Detection.MaxInflight,
			StopGrace:     cfg.Detection.StopGrace,
		},
	})
	if err != nil {
		return err
	}
	a.detector = det
	return nil
}

// initHealth assembles the readiness checkers.
func (a *App) initHealth() {
	a.checkers = append(a.checkers,
		health.Checker{Name: "pipeline", Check: a.detector.Healthy},
		health.DirWritable("evidence", a.cfg.Storage.BasePath),
	)
	if a.aggregator != nil {
		a.checkers = append(a.checkers, health.BreakerClosed("aggregator", a.aggregator.Breaker()))
	}
	if a.store != nil {
		a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: a.store.Ping})
	}
}

// initHandler builds the HTTP mux.
func (a *App) initHandler() {
	mux := http.NewServeMux()

	apiOpts := []api.Option{api.WithHub(a.hub)}
	if a.store != nil {
		apiOpts = append(apiOpts, api.WithSimilarity(a.store))
	}
	api.New(a.detector, a.dispatcher, a.log, apiOpts...).Register(mux)
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Detector returns the lifecycle controller.
func (a *App) Detector() *detector.Controller { return a.detector }

// Dispatcher returns the event dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// RetentionDays returns the current evidence retention.
func (a *App) RetentionDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retentionDays
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run sweeps expired evidence, optionally starts detection and serves HTTP
// on ln until ctx is cancelled. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if _, err := a.sweeper.Sweep(ctx, a.RetentionDays()); err != nil {
		slog.Warn("startup retention sweep failed", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweeper.Run(ctx, a.cfg.Storage.SweepInterval, a.RetentionDays)
	}()

	if a.cfg.Detection.AutoStart {
		if err := a.detector.Start(ctx); err != nil {
			slog.Error("auto start failed", "err", err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "sinks", len(a.sinks))

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("app: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	wg.Wait()
	return runErr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// the onChange callback of the config watcher.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	var u detector.Update
	if d.ThresholdChanged {
		u.ConfidenceThreshold = &d.NewThreshold
	}
	if d.AudioSavingChanged {
		u.AudioSaving = &d.NewAudioSaving
	}
	if d.SampleRateChanged {
		u.SampleRate = &d.NewSampleRate
	}
	if u != (detector.Update{}) {
		if _, err := a.detector.Configure(u); err != nil {
			slog.Warn("config reload rejected", "err", err)
		}
	}

	if d.RetentionChanged {
		a.mu.Lock()
		a.retentionDays = d.NewRetentionDays
		a.mu.Unlock()
		slog.Info("retention changed", "days", d.NewRetentionDays)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops detection and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop detection first so no new events reach the sinks.
		if err := a.detector.Stop(ctx); err != nil && !errors.Is(err, detector.ErrNotRunning) {
			slog.Warn("detector stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
