// Package mock provides a recording [dispatch.Sink] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

// Sink records published events. PublishErr, when set, is returned from
// every Publish after the event has been recorded.
type Sink struct {
	SinkName   string
	PublishErr error

	mu     sync.Mutex
	events []dispatch.Event
}

// Name implements [dispatch.Sink].
func (s *Sink) Name() string {
	if s.SinkName == "" {
		return "mock"
	}
	return s.SinkName
}

// Publish implements [dispatch.Sink].
func (s *Sink) Publish(_ context.Context, ev dispatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.PublishErr
}

// Events returns a copy of everything published so far.
func (s *Sink) Events() []dispatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ScoreRecorder records every score it observes.
type ScoreRecorder struct {
	mu     sync.Mutex
	scores []dispatch.Score
}

// RecordScore implements [dispatch.ScoreRecorder].
func (r *ScoreRecorder) RecordScore(_ context.Context, s dispatch.Score) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, s)
}

// Scores returns a copy of the recorded scores.
func (r *ScoreRecorder) Scores() []dispatch.Score {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Score, len(r.scores))
	copy(out, r.scores)
	return out
}
