// Command cradlewatch is the main entry point for the cradlewatch baby
// monitor: it captures audio, detects crying and reports detections.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/MrWong99/cradlewatch/internal/app"
	"github.com/MrWong99/cradlewatch/internal/config"
	"github.com/MrWong99/cradlewatch/internal/observe"
	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/audio/portaudio"
	"github.com/MrWong99/cradlewatch/pkg/audio/wavfile"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
	"github.com/MrWong99/cradlewatch/pkg/features"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "serve", "serve | probe | devices")
	probeFor := flag.Duration("probe-duration", 5*time.Second, "capture length for -mode probe")
	flag.Parse()

	if *mode == "devices" {
		return listDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "cradlewatch: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cradlewatch: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cradlewatch: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("cradlewatch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       cfg.Device.ID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, backends, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *mode == "probe" {
		return probe(ctx, application, *probeFor)
	}
	if *mode != "serve" {
		slog.Error("unknown mode", "mode", *mode)
		return 2
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Server.ListenAddr, "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx, ln)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture sources and classifiers that
// ship with cradlewatch into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterSource("portaudio", func(cfg *config.Config) (audio.Source, error) {
		return portaudio.New(cfg.Audio.Device,
			portaudio.WithFallbackDevices(cfg.Audio.FallbackDevices...),
			portaudio.WithQueueCapacity(cfg.Audio.QueueCapacity),
			portaudio.WithReadTimeout(cfg.Audio.ReadTimeout),
		), nil
	})

	reg.RegisterSource("wav", func(cfg *config.Config) (audio.Source, error) {
		if cfg.Audio.WAVPath == "" {
			return nil, errors.New("audio.wav_path is required for the wav source")
		}
		return wavfile.New(cfg.Audio.WAVPath,
			wavfile.WithLoop(cfg.Audio.WAVLoop),
			wavfile.WithRealtime(cfg.Audio.WAVRealtime),
			wavfile.WithReadTimeout(cfg.Audio.ReadTimeout),
		), nil
	})

	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("heuristic", func(cfg *config.Config, th *classifier.Threshold) (classifier.Classifier, error) {
		return classifier.NewHeuristic(th, cfg.Detection.HeuristicSeed), nil
	})

	reg.RegisterClassifier("linear", func(cfg *config.Config, th *classifier.Threshold) (classifier.Classifier, error) {
		lin, err := classifier.LoadLinear(cfg.Detection.ModelPath)
		if err != nil {
			return nil, err
		}
		mode := features.Mode(cfg.Detection.FeatureMode)
		if lin.Mode != "" && lin.Mode != mode {
			return nil, fmt.Errorf("model %q was trained on %s features, detection.feature_mode is %s",
				cfg.Detection.ModelPath, lin.Mode, mode)
		}
		if want := features.Len(mode, cfg.Detection.MFCCCount); len(lin.Coefficients) != want {
			return nil, fmt.Errorf("model %q has %d coefficients, %s features have %d",
				cfg.Detection.ModelPath, len(lin.Coefficients), mode, want)
		}
		return classifier.NewModel(lin, th, mode), nil
	})

	slog.Debug("registered backends", "sources", reg.SourceNames(), "classifiers", reg.ClassifierNames())
}

// buildBackends instantiates the source and classifier named in cfg.
func buildBackends(cfg *config.Config, reg *config.Registry) (*app.Backends, error) {
	th := classifier.NewThreshold(cfg.Detection.ConfidenceThreshold)

	src, err := reg.CreateSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	slog.Info("backend created", "kind", "audio", "name", cfg.Audio.Source)

	cls, err := reg.CreateClassifier(cfg, th)
	if err != nil {
		return nil, fmt.Errorf("create classifier %q: %w", cfg.Detection.Classifier, err)
	}
	slog.Info("backend created", "kind", "classifier", "name", cfg.Detection.Classifier)

	return &app.Backends{Source: src, Classifier: cls, Threshold: th}, nil
}

// ── Modes ─────────────────────────────────────────────────────────────────────

// probe records a short capture and prints its levels as JSON.
func probe(ctx context.Context, application *app.App, d time.Duration) int {
	defer func() { _ = application.Shutdown(context.Background()) }()

	res, err := application.Detector().Probe(ctx, d)
	if err != nil {
		slog.Error("microphone probe failed", "err", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("encode probe result", "err", err)
		return 1
	}
	if res.Silent {
		slog.Warn("microphone captured silence", "frames", res.Frames)
	}
	return 0
}

func listDevices() int {
	names, err := portaudio.InputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cradlewatch: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       cradlewatch — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Device", cfg.Device.ID)
	printRow("Audio", cfg.Audio.Source+" @ "+fmt.Sprint(cfg.Audio.SampleRate))
	printRow("Classifier", cfg.Detection.Classifier+" / "+string(cfg.Detection.FeatureMode))
	printRow("Threshold", fmt.Sprintf("%.2f", cfg.Detection.ConfidenceThreshold))
	printRow("Aggregator", enabled(cfg.Aggregator.BaseURL))
	printRow("MQTT", enabled(cfg.MQTT.Broker))
	printRow("Archive", enabled(cfg.Archive.PostgresDSN))
	printRow("Telemetry", enabled(cfg.Telemetry.ClickHouseAddr))
	printRow("Offload", enabled(cfg.Offload.BucketURL))
	printRow("Retention", fmt.Sprintf("%d days", cfg.Storage.RetentionDays))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// enabled hides connection strings, which may carry credentials.
func enabled(setting string) string {
	if setting == "" {
		return "(disabled)"
	}
	return "enabled"
}
