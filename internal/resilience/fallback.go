package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every candidate in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all candidates failed")

// FallbackConfig configures the circuit breaker created for each candidate in
// a [FallbackGroup]. The breaker's Name is overwritten with the candidate's.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type candidate[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of interchangeable candidates (capture
// devices, endpoints) of the same type. Calls go to the first candidate whose
// breaker admits them; on failure the next one is tried.
//
// Candidates must be added before the group is used concurrently.
type FallbackGroup[T any] struct {
	candidates []candidate[T]
	cfg        FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first
// candidate.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a candidate tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.candidates = append(fg.candidates, candidate[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns candidate names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.candidates))
	for i, c := range fg.candidates {
		names[i] = c.name
	}
	return names
}

// Execute tries fn against each candidate until one succeeds. The returned
// error wraps [ErrAllFailed] and every candidate's error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It is a function because Go methods cannot declare type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for i := range fg.candidates {
		c := &fg.candidates[i]
		var result R
		err := c.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(c.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping candidate (circuit open)", "candidate", c.name)
		} else {
			slog.Warn("candidate failed, trying next", "candidate", c.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
