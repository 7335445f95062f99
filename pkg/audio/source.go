// Package audio defines the capture interfaces and sample plumbing for the
// cradlewatch detection pipeline.
//
// The two primary abstractions are:
//
//   - [Source] opens a capture device (or a replay of a recording) and
//     returns a [Stream].
//   - [Stream] is an open capture session delivering [AudioFrame] values one at
//     a time until it is closed.
//
// Concrete backends live in sub-packages (audio/portaudio, audio/wavfile) and
// the in-memory test double in audio/mock. Besides the interfaces this package
// provides the pieces every backend shares: the drop-oldest [FrameQueue]
// that decouples the device callback from the reader, the [Chunker] that
// assembles analysis windows, PCM conversion helpers and the evidence WAV
// writer.
//
// This package lives under pkg/ because third-party capture backends are
// expected to implement [Source] and [Stream].
package audio

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable is returned (wrapped) by [Source.Open] when the
	// capture device cannot be found or opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceTimeout is returned (wrapped) by [Stream.ReadFrame] when no
	// frame arrived within the stream's read timeout. It is not fatal; callers
	// typically loop.
	ErrDeviceTimeout = errors.New("audio: device read timeout")

	// ErrSourceExhausted is returned by [Stream.ReadFrame] when a finite
	// source (e.g. a non-looping recording) has delivered all of its frames.
	ErrSourceExhausted = errors.New("audio: source exhausted")

	// ErrStreamClosed is returned by [Stream.ReadFrame] after [Stream.Close].
	ErrStreamClosed = errors.New("audio: stream closed")
)

// Format describes the capture parameters requested from a [Source].
type Format struct {
	// SampleRate in Hz. Common values: 16000, 22050, 44100.
	SampleRate int

	// FrameSize is the number of samples per [AudioFrame].
	FrameSize int
}

// Stream is an open capture session.
//
// The device side pushes frames into an internal bounded queue from its
// real-time callback and never blocks; when the reader falls behind, the
// oldest buffered frame is discarded. ReadFrame pulls from that queue.
//
// Implementations must allow Close to be called concurrently with ReadFrame.
type Stream interface {
	// ReadFrame returns the next captured frame. It blocks until a frame is
	// available, ctx is done, or the stream's read timeout elapses, in which
	// case the returned error wraps [ErrDeviceTimeout].
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Dropped reports how many frames were discarded because the reader fell
	// behind.
	Dropped() uint64

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Source is the entry point for a capture backend. Implementations wrap a
// device API (PortAudio) or a file replay and expose a uniform [Stream].
//
// A Source holds the device exclusively while a Stream is open.
// Implementations must be safe for concurrent use.
type Source interface {
	// Open starts a capture session with the given format. The supplied ctx
	// governs the open attempt only; the returned Stream stays alive until
	// [Stream.Close] is called.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if no device could be
	// opened.
	Open(ctx context.Context, format Format) (Stream, error)
}
