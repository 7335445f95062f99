// Package wavfile implements [audio.Source] by replaying a WAV recording.
//
// It stands in for a microphone on machines without one (CI, demos, replaying
// a captured detection). The file is decoded once per Open, downmixed to mono
// and resampled to the requested rate, then handed out frame by frame,
// optionally paced at real-time speed and optionally looping.
package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
)

// Option is a functional option for [New].
type Option func(*Source)

// WithLoop restarts playback from the beginning when the file ends instead of
// returning [audio.ErrSourceExhausted].
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithRealtime paces frames at the rate a live device would deliver them.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithReadTimeout bounds each ReadFrame call. Default: 1s.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Source) { s.readTimeout = d }
}

// Source replays the WAV file at Path.
type Source struct {
	path        string
	loop        bool
	realtime    bool
	readTimeout time.Duration
}

// New returns a Source for the WAV file at path. The file is read on Open.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path, readTimeout: time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.FrameSize <= 0 {
		return nil, fmt.Errorf("wavfile: invalid format %+v", format)
	}
	clip, err := audio.ReadWAVFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	samples := clip.Mono(format.SampleRate)
	if len(samples) == 0 {
		return nil, fmt.Errorf("wavfile: %w: %q contains no samples", audio.ErrDeviceUnavailable, s.path)
	}

	slog.Info("audio replay started",
		"path", s.path,
		"samples", len(samples),
		"sample_rate", format.SampleRate,
		"loop", s.loop,
	)
	return &stream{
		samples:     samples,
		format:      format,
		loop:        s.loop,
		realtime:    s.realtime,
		readTimeout: s.readTimeout,
		closed:      make(chan struct{}),
	}, nil
}

type stream struct {
	samples     []float32
	format      audio.Format
	loop        bool
	realtime    bool
	readTimeout time.Duration

	mu      sync.Mutex
	pos     int
	next    time.Time // earliest delivery time of the next frame when pacing
	started time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stream) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return audio.AudioFrame{}, audio.ErrStreamClosed
	default:
	}

	if s.pos >= len(s.samples) {
		if !s.loop {
			return audio.AudioFrame{}, audio.ErrSourceExhausted
		}
		s.pos = 0
	}

	now := time.Now()
	if s.started.IsZero() {
		s.started = now
		s.next = now
	}
	if s.realtime {
		if wait := s.next.Sub(now); wait > 0 {
			if wait > s.readTimeout {
				return audio.AudioFrame{}, fmt.Errorf("%w after %s", audio.ErrDeviceTimeout, s.readTimeout)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return audio.AudioFrame{}, ctx.Err()
			case <-s.closed:
				timer.Stop()
				return audio.AudioFrame{}, audio.ErrStreamClosed
			case <-timer.C:
			}
		}
	}

	end := min(s.pos+s.format.FrameSize, len(s.samples))
	samples := make([]float32, end-s.pos)
	copy(samples, s.samples[s.pos:end])
	s.pos = end

	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Timestamp:  s.next,
	}
	s.next = s.next.Add(frame.Duration())
	return frame, nil
}

// Dropped is always zero: replay frames are produced on demand.
func (s *stream) Dropped() uint64 { return 0 }

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
