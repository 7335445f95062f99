package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/cradlewatch/internal/resilience"
)

// EventPath is appended to the aggregator base URL.
const EventPath = "/api/cry-detection/detection-event"

const defaultAggregatorTimeout = 5 * time.Second

// Aggregator posts detection events to the remote aggregator. Calls go
// through a circuit breaker so a dead aggregator costs nothing once the
// breaker opens.
type Aggregator struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
}

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) AggregatorOption {
	return func(a *Aggregator) { a.client = c }
}

// WithTimeout bounds each POST. Default: 5s.
func WithTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) AggregatorOption {
	return func(a *Aggregator) { a.breaker = cb }
}

// NewAggregator returns a client for the aggregator at baseURL.
func NewAggregator(baseURL string, opts ...AggregatorOption) (*Aggregator, error) {
	if baseURL == "" {
		return nil, errors.New("dispatch: aggregator base URL is empty")
	}
	a := &Aggregator{
		endpoint: strings.TrimRight(baseURL, "/") + EventPath,
		client:   &http.Client{},
		timeout:  defaultAggregatorTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "aggregator"})
	}
	return a, nil
}

// Name implements [Sink].
func (a *Aggregator) Name() string { return "aggregator" }

// Endpoint returns the full URL events are posted to.
func (a *Aggregator) Endpoint() string { return a.endpoint }

// Breaker exposes the circuit breaker for readiness checks.
func (a *Aggregator) Breaker() *resilience.CircuitBreaker { return a.breaker }

type aggregatorBody struct {
	Timestamp     time.Time `json:"timestamp"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
	AudioFeatures []float64 `json:"audio_features"`
	AudioFilePath *string   `json:"audio_file_path"`
}

// Publish implements [Sink]. Only HTTP 200 counts as success. Errors wrap
// [ErrDeliveryTimeout], [ErrDeliveryConnection], [ErrDeliveryStatus] or
// [resilience.ErrCircuitOpen].
func (a *Aggregator) Publish(ctx context.Context, ev Event) error {
	return a.breaker.Execute(func() error { return a.post(ctx, ev) })
}

func (a *Aggregator) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(aggregatorBody{
		Timestamp:     ev.Timestamp,
		Confidence:    ev.Confidence,
		Source:        ev.Source,
		AudioFeatures: ev.Features,
		AudioFilePath: ev.audioFile(),
	})
	if err != nil {
		return fmt.Errorf("dispatch: encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %w", ErrDeliveryTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrDeliveryConnection, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrDeliveryStatus, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// failureKind labels a delivery error for metrics.
func failureKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDeliveryTimeout):
		return "timeout"
	case errors.Is(err, ErrDeliveryConnection):
		return "connection"
	case errors.Is(err, ErrDeliveryStatus):
		return "status"
	default:
		return "other"
	}
}
