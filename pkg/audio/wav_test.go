package audio_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

func TestWriteWAV_ReadBack(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "detections", "cry_detected_20260102_030405.wav")

	in := []float32{0, 0.25, -0.25, 0.5, -1, 1}
	if err := audio.WriteWAV(path, in, 22050); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	clip, err := audio.ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", clip.SampleRate)
	}
	if clip.Channels != 1 {
		t.Errorf("Channels = %d, want 1", clip.Channels)
	}
	if len(clip.Samples) != len(in) {
		t.Fatalf("samples = %d, want %d", len(clip.Samples), len(in))
	}
	for i := range in {
		if !approx(float64(clip.Samples[i]), float64(in[i]), 1e-3) {
			t.Errorf("sample %d = %v, want ~%v", i, clip.Samples[i], in[i])
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the WAV (no temp leftovers)", len(entries))
	}
}

func TestWriteWAV_InvalidRate(t *testing.T) {
	t.Parallel()
	if err := audio.WriteWAV(filepath.Join(t.TempDir(), "x.wav"), []float32{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeWAV(bytes.NewReader([]byte("definitely not RIFF data"))); err == nil {
		t.Fatal("expected error for non-WAV input")
	}
}

func TestClip_Mono(t *testing.T) {
	t.Parallel()
	clip := audio.Clip{
		Samples:    []float32{0.2, 0.4, 0.6, 0.8},
		SampleRate: 16000,
		Channels:   2,
	}
	got := clip.Mono(0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !approx(float64(got[0]), 0.3, 1e-6) || !approx(float64(got[1]), 0.7, 1e-6) {
		t.Errorf("Mono(0) = %v, want [0.3 0.7]", got)
	}
	if up := clip.Mono(32000); len(up) != 4 {
		t.Errorf("Mono(32000) len = %d, want 4", len(up))
	}
}
