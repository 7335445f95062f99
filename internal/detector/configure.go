package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

// Update is a partial runtime reconfiguration. Nil fields are left alone.
type Update struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	AudioSaving         *bool    `json:"audio_saving,omitempty"`
	SampleRate          *int     `json:"sample_rate,omitempty"`
}

// Current is the effective detection configuration.
type Current struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	AudioSaving         bool    `json:"audio_saving"`

	// SampleRate is used by the next Start.
	SampleRate int `json:"sample_rate"`

	// ActiveSampleRate is the rate of the running session, or 0.
	ActiveSampleRate int `json:"active_sample_rate,omitempty"`

	ChunkSamples int     `json:"chunk_samples"`
	Overlap      float64 `json:"overlap"`
	MaxInflight  int     `json:"max_inflight"`
}

// Validate reports every problem with u, wrapped in [ErrInvalidConfig].
func (u Update) Validate() error {
	var errs []error
	if t := u.ConfidenceThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0, 1]", *t))
	}
	if r := u.SampleRate; r != nil && !slices.Contains(SupportedSampleRates, *r) {
		errs = append(errs, fmt.Errorf("sample_rate %d not in %v", *r, SupportedSampleRates))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Configure applies u. The threshold and audio saving take effect
// immediately; the sample rate applies on the next Start. An invalid update
// changes nothing.
func (c *Controller) Configure(u Update) (Current, error) {
	if err := u.Validate(); err != nil {
		return c.Current(), err
	}

	if u.ConfidenceThreshold != nil {
		old := c.threshold.Load()
		// Validated above; Store cannot fail.
		_ = c.threshold.Store(*u.ConfidenceThreshold)
		if old != *u.ConfidenceThreshold {
			slog.Info("detector: threshold changed", "old", old, "new", *u.ConfidenceThreshold)
		}
	}
	if u.AudioSaving != nil && c.evidence != nil {
		c.evidence.SetSaving(*u.AudioSaving)
		slog.Info("detector: audio saving set", "enabled", *u.AudioSaving)
	}
	if u.SampleRate != nil {
		c.mu.Lock()
		c.settings.SampleRate = *u.SampleRate
		running := c.state != StateIdle
		c.mu.Unlock()
		if running {
			slog.Info("detector: sample rate applies on next start", "sample_rate", *u.SampleRate)
		}
	}
	return c.Current(), nil
}

// Current returns the effective detection configuration.
func (c *Controller) Current() Current {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.settings
	cur := Current{
		ConfidenceThreshold: c.threshold.Load(),
		SampleRate:          st.SampleRate,
		ChunkSamples:        chunkSamples(st),
		Overlap:             st.Overlap,
		MaxInflight:         st.MaxInflight,
	}
	if c.evidence != nil {
		cur.AudioSaving = c.evidence.Saving()
	}
	if c.sess != nil {
		cur.ActiveSampleRate = c.active.SampleRate
	}
	return cur
}
