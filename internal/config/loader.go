package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"audio":      {"portaudio", "wav"},
	"classifier": {"heuristic", "linear"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides (see [ApplyEnv]) and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment overrides are not applied. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	validateBackendName("audio", cfg.Audio.Source)
	if !slices.Contains(SupportedSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: %v", cfg.Audio.SampleRate, SupportedSampleRates))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}
	if cfg.Audio.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity must be positive, got %d", cfg.Audio.QueueCapacity))
	}
	if cfg.Audio.Source == "wav" && cfg.Audio.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when audio.source is wav"))
	}

	// Detection
	d := cfg.Detection
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence_threshold %.3f is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.Overlap < 0 || d.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("detection.overlap %.3f is out of range [0, 1)", d.Overlap))
	}
	if d.ChunkSize < 0 || d.ChunkDuration < 0 {
		errs = append(errs, errors.New("detection.chunk_size and detection.chunk_duration must not be negative"))
	} else if d.ChunkSamples(cfg.Audio.SampleRate) <= 0 {
		errs = append(errs, errors.New("detection: chunk length resolves to zero samples"))
	}
	if !d.FeatureMode.IsValid() {
		errs = append(errs, fmt.Errorf("detection.feature_mode %q is invalid; valid values: rich, fallback", d.FeatureMode))
	}
	if d.MFCCCount <= 0 {
		errs = append(errs, fmt.Errorf("detection.mfcc_count must be positive, got %d", d.MFCCCount))
	}
	validateBackendName("classifier", d.Classifier)
	if d.Classifier == "linear" && d.ModelPath == "" {
		errs = append(errs, errors.New("detection.model_path is required when detection.classifier is linear"))
	}
	if d.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("detection.max_inflight must be positive, got %d", d.MaxInflight))
	}

	// Aggregator
	if cfg.Aggregator.BaseURL == "" {
		slog.Warn("aggregator.base_url is empty; detections will only be logged locally")
	} else if u, err := url.Parse(cfg.Aggregator.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("aggregator.base_url %q is not an absolute URL", cfg.Aggregator.BaseURL))
	}

	// Storage
	if cfg.Storage.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("storage.retention_days must not be negative, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Storage.SweepInterval < 0 {
		errs = append(errs, errors.New("storage.sweep_interval must not be negative"))
	}

	// Sinks
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is invalid; valid values: 0, 1, 2", cfg.MQTT.QoS))
	}
	if cfg.Offload.BucketURL != "" && (cfg.Offload.SecretID == "" || cfg.Offload.SecretKey == "") {
		slog.Warn("offload.bucket_url is set without credentials; uploads will be anonymous")
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
