package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/cradlewatch/internal/config"
)

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// Environment tests mutate process state and therefore do not run in
// parallel.

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "device:\n  id: from-yaml\ndetection:\n  confidence_threshold: 0.8\n")

	t.Setenv("CRADLEWATCH_DEVICE_ID", "from-env")
	t.Setenv("CRADLEWATCH_CONFIDENCE_THRESHOLD", "0.55")
	t.Setenv("CRADLEWATCH_AUDIO_SAVING", "false")
	t.Setenv("CRADLEWATCH_POSTGRES_DSN", "postgres://u:p@db/cw")
	t.Setenv("CRADLEWATCH_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "from-env" {
		t.Errorf("device.id: got %q, want from-env", cfg.Device.ID)
	}
	if cfg.Detection.ConfidenceThreshold != 0.55 {
		t.Errorf("threshold: got %v, want 0.55", cfg.Detection.ConfidenceThreshold)
	}
	if cfg.Storage.AudioSaving {
		t.Error("audio_saving: expected false from env")
	}
	if cfg.Archive.PostgresDSN != "postgres://u:p@db/cw" {
		t.Errorf("postgres_dsn: got %q", cfg.Archive.PostgresDSN)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
}

func TestLoad_EnvInvalidValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "")

	t.Setenv("CRADLEWATCH_SAMPLE_RATE", "fast")
	t.Setenv("CRADLEWATCH_AUTO_START", "maybe")

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for unparseable env values")
	}
	for _, want := range []string{"CRADLEWATCH_SAMPLE_RATE", "CRADLEWATCH_AUTO_START"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_EnvOutOfRangeFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "")
	t.Setenv("CRADLEWATCH_CONFIDENCE_THRESHOLD", "2")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for threshold 2")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, "CRADLEWATCH_TEST_DOTENV_KEY=hello\n")
	t.Setenv("CRADLEWATCH_TEST_DOTENV_KEY", "")
	os.Unsetenv("CRADLEWATCH_TEST_DOTENV_KEY")

	if err := config.LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CRADLEWATCH_TEST_DOTENV_KEY"); got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}
