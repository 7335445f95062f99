package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// MaxProbe bounds a microphone probe.
const MaxProbe = 30 * time.Second

// silenceRMS is the level below which a probe is reported silent.
const silenceRMS = 1e-4

// ProbeResult summarises a short capture used to check the microphone.
type ProbeResult struct {
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration_ns"`
	Frames     int           `json:"frames"`

	// Levels holds the RMS of each captured frame, in order.
	Levels []float64 `json:"levels"`
	RMS    float64   `json:"rms"`
	Peak   float64   `json:"peak"`
	Silent bool      `json:"silent"`
}

func chunkSamples(st Settings) int {
	return audio.ChunkSizeFor(st.SampleRate, st.ChunkDuration, st.ChunkSize)
}

// Probe opens the source for d, records per-frame levels and closes it
// again. It fails with [ErrAlreadyRunning] while a session or another probe
// holds the device.
func (c *Controller) Probe(ctx context.Context, d time.Duration) (ProbeResult, error) {
	if d <= 0 || d > MaxProbe {
		return ProbeResult{}, fmt.Errorf("%w: probe duration %v outside (0, %v]", ErrInvalidConfig, d, MaxProbe)
	}

	c.mu.Lock()
	if c.state != StateIdle || c.probing {
		state := c.state
		c.mu.Unlock()
		return ProbeResult{}, fmt.Errorf("%w (state=%s)", ErrAlreadyRunning, state)
	}
	c.probing = true
	st := c.settings
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.probing = false
		c.mu.Unlock()
	}()

	stream, err := c.source.Open(ctx, audio.Format{SampleRate: st.SampleRate, FrameSize: st.FrameSize})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("detector: probe open source: %w", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	res := ProbeResult{SampleRate: st.SampleRate}
	var sumSq float64
	var n int
	start := time.Now()
	for {
		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrSourceExhausted) || errors.Is(err, audio.ErrStreamClosed) {
				break
			}
			if errors.Is(err, audio.ErrDeviceTimeout) {
				continue
			}
			return ProbeResult{}, fmt.Errorf("detector: probe read: %w", err)
		}
		res.Frames++
		res.Levels = append(res.Levels, audio.RMS(frame.Samples))
		for _, s := range frame.Samples {
			v := float64(s)
			sumSq += v * v
			res.Peak = math.Max(res.Peak, math.Abs(v))
		}
		n += len(frame.Samples)
	}
	res.Duration = time.Since(start)
	if n > 0 {
		res.RMS = math.Sqrt(sumSq / float64(n))
	}
	res.Silent = res.RMS < silenceRMS
	if res.Levels == nil {
		res.Levels = []float64{}
	}
	return res, nil
}
