package config

import (
	"path/filepath"
	"time"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// Default returns the configuration used when no file overrides a value.
// [LoadFromReader] decodes YAML on top of it, so omitted keys keep these
// values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":5000", LogLevel: LogInfo},
		Device: DeviceConfig{ID: "raspberry-pi"},
		Audio: AudioConfig{
			Source:        "portaudio",
			WAVLoop:       true,
			WAVRealtime:   true,
			SampleRate:    22050,
			FrameSize:     1024,
			QueueCapacity: 64,
			ReadTimeout:   time.Second,
		},
		Detection: DetectionConfig{
			ChunkDuration:       3.0,
			ConfidenceThreshold: 0.8,
			FeatureMode:         FeatureRich,
			MFCCCount:           13,
			Classifier:          "heuristic",
			MaxInflight:         8,
			StopGrace:           5 * time.Second,
		},
		Aggregator: AggregatorConfig{
			BaseURL:             "http://192.168.0.4:5000",
			Timeout:             5 * time.Second,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			BasePath:           ".",
			AudioSaving:        true,
			ContinuousInterval: time.Minute,
			RetentionDays:      7,
		},
		MQTT: MQTTConfig{
			ClientID: "cradlewatch",
			Topic:    "babymonitor/{device_id}/cry",
			QoS:      1,
		},
		Telemetry: TelemetryConfig{
			Database:      "default",
			Username:      "default",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Offload: OffloadConfig{Prefix: "cradlewatch"},
	}
}

// ApplyDefaults fills fields whose zero value is never meaningful with the
// values from [Default]. Fields where zero is a legitimate setting (overlap,
// retention days, confidence threshold, booleans) are left untouched.
func ApplyDefaults(cfg *Config) {
	d := Default()

	setString(&cfg.Server.ListenAddr, d.Server.ListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = d.Server.LogLevel
	}
	setString(&cfg.Device.ID, d.Device.ID)

	setString(&cfg.Audio.Source, d.Audio.Source)
	setInt(&cfg.Audio.SampleRate, d.Audio.SampleRate)
	setInt(&cfg.Audio.FrameSize, d.Audio.FrameSize)
	setInt(&cfg.Audio.QueueCapacity, d.Audio.QueueCapacity)
	setDuration(&cfg.Audio.ReadTimeout, d.Audio.ReadTimeout)

	if cfg.Detection.ChunkDuration == 0 {
		cfg.Detection.ChunkDuration = d.Detection.ChunkDuration
	}
	if cfg.Detection.FeatureMode == "" {
		cfg.Detection.FeatureMode = d.Detection.FeatureMode
	}
	setInt(&cfg.Detection.MFCCCount, d.Detection.MFCCCount)
	setString(&cfg.Detection.Classifier, d.Detection.Classifier)
	setInt(&cfg.Detection.MaxInflight, d.Detection.MaxInflight)
	setDuration(&cfg.Detection.StopGrace, d.Detection.StopGrace)

	setDuration(&cfg.Aggregator.Timeout, d.Aggregator.Timeout)
	setInt(&cfg.Aggregator.BreakerMaxFailures, d.Aggregator.BreakerMaxFailures)
	setDuration(&cfg.Aggregator.BreakerResetTimeout, d.Aggregator.BreakerResetTimeout)

	setString(&cfg.Storage.BasePath, d.Storage.BasePath)
	setDuration(&cfg.Storage.ContinuousInterval, d.Storage.ContinuousInterval)

	setString(&cfg.MQTT.ClientID, d.MQTT.ClientID)
	setString(&cfg.MQTT.Topic, d.MQTT.Topic)

	setString(&cfg.Telemetry.Database, d.Telemetry.Database)
	setString(&cfg.Telemetry.Username, d.Telemetry.Username)
	setInt(&cfg.Telemetry.BatchSize, d.Telemetry.BatchSize)
	setDuration(&cfg.Telemetry.FlushInterval, d.Telemetry.FlushInterval)

	setString(&cfg.Offload.Prefix, d.Offload.Prefix)
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

// LogFile returns the JSONL detection log path.
func (s StorageConfig) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.BasePath, "detection_log.json")
}

// ChunkSamples returns the analysis window length in samples at sampleRate.
func (d DetectionConfig) ChunkSamples(sampleRate int) int {
	return audio.ChunkSizeFor(sampleRate, d.ChunkDuration, d.ChunkSize)
}
