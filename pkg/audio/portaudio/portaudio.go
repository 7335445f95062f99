// Package portaudio implements [audio.Source] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Capture uses a callback stream: PortAudio's real-time thread copies each
// buffer into a drop-oldest [audio.FrameQueue] and returns immediately, so a
// slow consumer never stalls the device. The configured device and any
// fallback devices are tried in order through a [resilience.FallbackGroup].
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/cradlewatch/internal/resilience"
	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// defaultDevice is the fallback-group name used for the system default input.
const defaultDevice = "default"

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
)

// Option is a functional option for [New].
type Option func(*Source)

// WithFallbackDevices appends device names tried, in order, when the primary
// device cannot be opened. An empty name means the system default input.
func WithFallbackDevices(names ...string) Option {
	return func(s *Source) { s.fallbacks = append(s.fallbacks, names...) }
}

// WithQueueCapacity sets the number of frames buffered between the device
// callback and the reader. Default: 64.
func WithQueueCapacity(n int) Option {
	return func(s *Source) { s.queueCapacity = n }
}

// WithReadTimeout bounds each [audio.Stream.ReadFrame] call. Default: 1s.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Source) { s.readTimeout = d }
}

// Source opens PortAudio input devices.
type Source struct {
	device        string
	fallbacks     []string
	queueCapacity int
	readTimeout   time.Duration

	devices *resilience.FallbackGroup[string]
}

// New returns a Source for the named input device. Device names match
// case-insensitively by substring; an empty name selects the system default.
func New(device string, opts ...Option) *Source {
	s := &Source{
		device:        device,
		queueCapacity: 64,
		readTimeout:   time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	cfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute},
	}
	s.devices = resilience.NewFallbackGroup(device, deviceLabel(device), cfg)
	for _, fb := range s.fallbacks {
		s.devices.AddFallback(deviceLabel(fb), fb)
	}
	return s
}

func deviceLabel(name string) string {
	if name == "" {
		return defaultDevice
	}
	return name
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.FrameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid format %+v", format)
	}

	st, err := resilience.ExecuteWithResult(s.devices, func(name string) (*stream, error) {
		return s.openDevice(name, format)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return st, nil
}

func (s *Source) openDevice(name string, format audio.Format) (*stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	dev, err := findInputDevice(name)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	st := &stream{
		queue:       audio.NewFrameQueue(s.queueCapacity),
		readTimeout: s.readTimeout,
		sampleRate:  format.SampleRate,
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FrameSize,
	}
	pa, err := portaudio.OpenStream(params, st.callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open %q: %w", dev.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start %q: %w", dev.Name, err)
	}
	st.pa = pa

	slog.Info("audio capture started",
		"device", dev.Name,
		"sample_rate", format.SampleRate,
		"frame_size", format.FrameSize,
	)
	return st, nil
}

// findInputDevice resolves name to an input-capable device. Must be called
// between Initialize and Terminate.
func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", name)
}

// InputDevices returns the names of all devices with at least one input
// channel.
func InputDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var names []string
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			names = append(names, dev.Name)
		}
	}
	return names, nil
}

// ─── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	pa          *portaudio.Stream
	queue       *audio.FrameQueue
	readTimeout time.Duration
	sampleRate  int

	closeOnce sync.Once
	closeErr  error
}

// callback runs on PortAudio's real-time thread. in is reused by PortAudio
// after return, so it is copied.
func (s *stream) callback(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	s.queue.Push(audio.AudioFrame{
		Samples:    samples,
		SampleRate: s.sampleRate,
		Timestamp:  time.Now(),
	})
}

func (s *stream) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	return s.queue.Pop(ctx, s.readTimeout)
}

func (s *stream) Dropped() uint64 { return s.queue.Dropped() }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.queue.Close()
		var errs []error
		if err := s.pa.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
		if err := s.pa.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("portaudio: %w", errors.Join(errs...))
		}
	})
	return s.closeErr
}
