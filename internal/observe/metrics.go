// Package observe provides observability primitives for cradlewatch:
// OpenTelemetry metrics, tracing, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter set up by [InitProvider]. A
// package-level [Metrics] instance ([DefaultMetrics]) backs production code;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cradlewatch metrics.
const meterName = "github.com/MrWong99/cradlewatch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Pipeline stage latencies ---

	// ExtractDuration tracks feature extraction time per chunk.
	ExtractDuration metric.Float64Histogram

	// ClassifyDuration tracks classifier latency per chunk.
	ClassifyDuration metric.Float64Histogram

	// DispatchDuration tracks the time to deliver and record one detection.
	DispatchDuration metric.Float64Histogram

	// Confidence records every classifier confidence. Use with attribute:
	//   attribute.String("provenance", ...)
	Confidence metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts chunks that went through classification. Use
	// with attribute attribute.String("result", "cry"|"quiet"|"error").
	ChunksProcessed metric.Int64Counter

	// ChunksDropped counts chunks discarded because the in-flight cap was
	// reached.
	ChunksDropped metric.Int64Counter

	// FramesDropped counts capture frames lost to queue overflow.
	FramesDropped metric.Int64Counter

	// Detections counts cry detections.
	Detections metric.Int64Counter

	// DeliveryFailures counts failed sink deliveries. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("kind", ...)
	DeliveryFailures metric.Int64Counter

	// EvidenceSaved counts WAV files written. Use with attribute:
	//   attribute.String("kind", "detection"|"continuous")
	EvidenceSaved metric.Int64Counter

	// EvidenceDeleted counts files removed by the retention sweeper.
	EvidenceDeleted metric.Int64Counter

	// --- Gauges ---

	// PipelineRunning is 1 while the detector is running, 0 otherwise.
	PipelineRunning metric.Int64UpDownCounter

	// TasksInflight tracks chunks currently being processed.
	TasksInflight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk pipeline work.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractDuration, err = m.Float64Histogram("cradlewatch.extract.duration",
		metric.WithDescription("Latency of feature extraction per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifyDuration, err = m.Float64Histogram("cradlewatch.classify.duration",
		metric.WithDescription("Latency of classification per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("cradlewatch.dispatch.duration",
		metric.WithDescription("Latency of dispatching one detection to all sinks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Confidence, err = m.Float64Histogram("cradlewatch.confidence",
		metric.WithDescription("Classifier confidence by provenance."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksProcessed, err = m.Int64Counter("cradlewatch.chunks.processed",
		metric.WithDescription("Total chunks classified by result."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("cradlewatch.chunks.dropped",
		metric.WithDescription("Total chunks dropped because the in-flight cap was reached."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("cradlewatch.frames.dropped",
		metric.WithDescription("Total capture frames lost to queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("cradlewatch.detections",
		metric.WithDescription("Total cry detections."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryFailures, err = m.Int64Counter("cradlewatch.delivery.failures",
		metric.WithDescription("Total failed event deliveries by sink and kind."),
	); err != nil {
		return nil, err
	}
	if met.EvidenceSaved, err = m.Int64Counter("cradlewatch.evidence.saved",
		metric.WithDescription("Total evidence WAV files written by kind."),
	); err != nil {
		return nil, err
	}
	if met.EvidenceDeleted, err = m.Int64Counter("cradlewatch.evidence.deleted",
		metric.WithDescription("Total evidence files deleted by retention."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PipelineRunning, err = m.Int64UpDownCounter("cradlewatch.pipeline.running",
		metric.WithDescription("1 while the detection pipeline is running."),
	); err != nil {
		return nil, err
	}
	if met.TasksInflight, err = m.Int64UpDownCounter("cradlewatch.tasks.inflight",
		metric.WithDescription("Chunks currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cradlewatch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk records one classified chunk with its outcome and confidence.
// result is "cry", "quiet" or "error".
func (m *Metrics) RecordChunk(ctx context.Context, result, provenance string, confidence float64) {
	m.ChunksProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.Confidence.Record(ctx, confidence, metric.WithAttributes(attribute.String("provenance", provenance)))
	if result == "cry" {
		m.Detections.Add(ctx, 1)
	}
}

// RecordDeliveryFailure records a failed delivery to the named sink.
func (m *Metrics) RecordDeliveryFailure(ctx context.Context, sink, kind string) {
	m.DeliveryFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("kind", kind),
		),
	)
}

// RecordEvidenceSaved records one written evidence file of the given kind.
func (m *Metrics) RecordEvidenceSaved(ctx context.Context, kind string) {
	m.EvidenceSaved.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
