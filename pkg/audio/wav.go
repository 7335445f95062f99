package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a decoded recording: interleaved samples scaled to [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Mono returns the clip downmixed to a single channel and resampled to
// sampleRate. A sampleRate of 0 keeps the clip's own rate.
func (c Clip) Mono(sampleRate int) []float32 {
	mono := Downmix(c.Samples, c.Channels)
	if sampleRate > 0 && sampleRate != c.SampleRate {
		slog.Debug("audio: resampling clip",
			"from", formatString(c.SampleRate, c.Channels),
			"to", formatString(sampleRate, 1),
		)
		mono = ResampleMono(mono, c.SampleRate, sampleRate)
	}
	return mono
}

// DecodeWAV reads a PCM WAV stream in full.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("audio: not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode WAV: %w", err)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	return Clip{
		Samples:    IntToFloat32(buf.Data, int(dec.BitDepth)),
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
	}, nil
}

// ReadWAVFile opens and decodes the WAV file at path.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// WriteWAV writes samples as a 16-bit PCM mono WAV file at path. The file is
// written to a temporary name in the same directory and renamed into place,
// so readers never observe a partial file. Parent directories are created as
// needed.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audio: create %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".wav-*")
	if err != nil {
		return fmt.Errorf("audio: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	enc := wav.NewEncoder(tmp, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           Float32ToInt16(samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		cleanup()
		return fmt.Errorf("audio: encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return fmt.Errorf("audio: finalize WAV: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("audio: close WAV: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("audio: rename WAV: %w", err)
	}
	return nil
}
