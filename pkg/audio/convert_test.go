package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestPCM16ToFloat32(t *testing.T) {
	t.Parallel()
	got := audio.PCM16ToFloat32(append(samplesToBytes([]int16{0, 16384, -32768, 32767}), 0x7f))
	want := []float64{0, 0.5, -1, 32767.0 / 32768}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (odd trailing byte ignored)", len(got), len(want))
	}
	for i := range want {
		if !approx(float64(got[i]), want[i], 1e-6) {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIntToFloat32(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []int
		bitDepth int
		want     []float64
	}{
		{name: "16-bit", data: []int{16384, -32768}, bitDepth: 16, want: []float64{0.5, -1}},
		{name: "24-bit", data: []int{1 << 22}, bitDepth: 24, want: []float64{0.5}},
		{name: "zero depth defaults to 16", data: []int{16384}, bitDepth: 0, want: []float64{0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.IntToFloat32(tt.data, tt.bitDepth)
			for i := range tt.want {
				if !approx(float64(got[i]), tt.want[i], 1e-6) {
					t.Errorf("sample %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFloat32ToInt16_Clamps(t *testing.T) {
	t.Parallel()
	got := audio.Float32ToInt16([]float32{0, 1, -1, 2, -3, 0.5})
	want := []int{0, 32767, -32767, 32767, -32767, 16384}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	stereo := []float32{0.2, 0.4, -0.5, 0.5, 1, 1, 0.9}
	got := audio.Downmix(stereo, 2)
	want := []float64{0.3, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (incomplete frame dropped)", len(got), len(want))
	}
	for i := range want {
		if !approx(float64(got[i]), want[i], 1e-6) {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	mono := []float32{0.1, 0.2}
	if out := audio.Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResampleMono(t *testing.T) {
	t.Parallel()

	t.Run("same rate", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		out := audio.ResampleMono(in, 22050, 22050)
		if &out[0] != &in[0] {
			t.Error("expected same slice for matching rate")
		}
	})
	t.Run("upsample", func(t *testing.T) {
		out := audio.ResampleMono([]float32{0.1, 0.2}, 16000, 48000)
		if len(out) != 6 {
			t.Fatalf("len = %d, want 6", len(out))
		}
		if !approx(float64(out[0]), 0.1, 1e-6) {
			t.Errorf("first sample = %v, want 0.1", out[0])
		}
		if last := out[len(out)-1]; last < 0.18 || last > 0.2001 {
			t.Errorf("last sample = %v, want close to 0.2", last)
		}
	})
	t.Run("downsample", func(t *testing.T) {
		out := audio.ResampleMono(make([]float32, 44100), 44100, 22050)
		if len(out) != 22050 {
			t.Fatalf("len = %d, want 22050", len(out))
		}
	})
	t.Run("invalid rate", func(t *testing.T) {
		in := []float32{0.1, 0.2}
		if out := audio.ResampleMono(in, 0, 16000); len(out) != 2 {
			t.Errorf("len = %d, want input returned unchanged", len(out))
		}
	})
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); !approx(got, 0.5, 1e-9) {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}
