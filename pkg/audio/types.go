package audio

import "time"

// AudioFrame is a single block of mono samples delivered by a capture
// [Stream]. Frames are the atomic unit of capture: the hardware callback
// produces them, the [FrameQueue] buffers them and the [Chunker] assembles
// them into analysis windows.
//
// A frame is immutable once captured. Consumers that need to modify samples
// must copy them first.
type AudioFrame struct {
	// Samples holds mono float32 samples normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 22050 for the default detector configuration).
	SampleRate int

	// Timestamp marks the wall-clock time the frame was handed over by the
	// device callback.
	Timestamp time.Time
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is a fixed-size analysis window assembled by a [Chunker]. Its length
// always equals the chunker's configured size.
type Chunk struct {
	// Seq is the zero-based position of this chunk in its capture session.
	Seq uint64

	// Samples holds exactly the configured chunk size of mono samples.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Start is the capture time of the first sample in the window.
	Start time.Time
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}
