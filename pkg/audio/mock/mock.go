// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(frames...)
//	src := &mock.Source{OpenResult: stream}
//	got, err := src.Open(ctx, audio.Format{SampleRate: 16000, FrameSize: 1024})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] backed by a
// [audio.FrameQueue]. Frames passed to [NewStream] or [Stream.Feed] are
// returned by ReadFrame in order.
type Stream struct {
	queue *audio.FrameQueue

	mu sync.Mutex

	// ReadTimeout bounds each ReadFrame call. Defaults to 50ms.
	ReadTimeout time.Duration

	// ReadError, when non-nil, is returned by every ReadFrame call instead of
	// a frame.
	ReadError error

	// ExhaustWhenEmpty makes ReadFrame return [audio.ErrSourceExhausted] once
	// all fed frames have been consumed.
	ExhaustWhenEmpty bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// NewStream returns a stream pre-loaded with frames.
func NewStream(frames ...audio.AudioFrame) *Stream {
	capacity := len(frames)
	if capacity < 64 {
		capacity = 64
	}
	s := &Stream{queue: audio.NewFrameQueue(capacity)}
	for _, f := range frames {
		s.queue.Push(f)
	}
	return s
}

// Feed pushes frames into the stream as a device callback would.
func (s *Stream) Feed(frames ...audio.AudioFrame) {
	for _, f := range frames {
		s.queue.Push(f)
	}
}

// ReadFrame implements [audio.Stream].
func (s *Stream) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCountReadFrame++
	readErr := s.ReadError
	exhaust := s.ExhaustWhenEmpty
	timeout := s.ReadTimeout
	s.mu.Unlock()

	if readErr != nil {
		return audio.AudioFrame{}, readErr
	}
	if exhaust && s.queue.Len() == 0 {
		return audio.AudioFrame{}, audio.ErrSourceExhausted
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return s.queue.Pop(ctx, timeout)
}

// Dropped implements [audio.Stream].
func (s *Stream) Dropped() uint64 { return s.queue.Dropped() }

// Close implements [audio.Stream]. Only the first call returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue.Close()
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is the [audio.Stream] returned by Open. When nil, a fresh
	// empty [Stream] is returned per call.
	OpenResult audio.Stream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Source]. Records the call and returns OpenResult / OpenError.
func (s *Source) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: format})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult == nil {
		return NewStream(), nil
	}
	return s.OpenResult, nil
}

// CallCountOpen returns how many times Open was called.
func (s *Source) CallCountOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Frame builds a frame of n samples all set to amplitude.
func Frame(n, sampleRate int, amplitude float32) audio.AudioFrame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.AudioFrame{Samples: samples, SampleRate: sampleRate, Timestamp: time.Now()}
}
