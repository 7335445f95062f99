package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "CRADLEWATCH_"

// LoadDotEnv loads KEY=value pairs from the given .env files (default ".env")
// into the process environment. Variables that are already set win. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with CRADLEWATCH_* environment variables. Secrets
// (database DSN, broker and bucket credentials) are usually supplied this way
// instead of in the YAML file. Unparseable values are collected into a
// joined error.
func ApplyEnv(cfg *Config) error {
	e := envReader{}

	e.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	e.str("DEVICE_ID", &cfg.Device.ID)

	e.str("AUDIO_SOURCE", &cfg.Audio.Source)
	e.str("AUDIO_DEVICE", &cfg.Audio.Device)
	e.str("AUDIO_WAV_PATH", &cfg.Audio.WAVPath)
	e.integer("SAMPLE_RATE", &cfg.Audio.SampleRate)

	e.float("CONFIDENCE_THRESHOLD", &cfg.Detection.ConfidenceThreshold)
	e.boolean("AUTO_START", &cfg.Detection.AutoStart)
	e.str("CLASSIFIER", &cfg.Detection.Classifier)
	e.str("MODEL_PATH", &cfg.Detection.ModelPath)

	e.str("AGGREGATOR_URL", &cfg.Aggregator.BaseURL)

	e.str("STORAGE_PATH", &cfg.Storage.BasePath)
	e.boolean("AUDIO_SAVING", &cfg.Storage.AudioSaving)
	e.integer("RETENTION_DAYS", &cfg.Storage.RetentionDays)

	e.str("POSTGRES_DSN", &cfg.Archive.PostgresDSN)

	e.str("MQTT_BROKER", &cfg.MQTT.Broker)
	e.str("MQTT_USERNAME", &cfg.MQTT.Username)
	e.str("MQTT_PASSWORD", &cfg.MQTT.Password)

	e.str("CLICKHOUSE_ADDR", &cfg.Telemetry.ClickHouseAddr)
	e.str("CLICKHOUSE_USER", &cfg.Telemetry.Username)
	e.str("CLICKHOUSE_PASSWORD", &cfg.Telemetry.Password)

	e.str("COS_BUCKET_URL", &cfg.Offload.BucketURL)
	e.str("COS_SECRET_ID", &cfg.Offload.SecretID)
	e.str("COS_SECRET_KEY", &cfg.Offload.SecretKey)

	if err := errors.Join(e.errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = b
}
