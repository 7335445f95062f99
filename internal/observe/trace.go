package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

const tracerName = "github.com/MrWong99/cradlewatch"

// StartSpan starts a span on the global tracer provider. End the span when
// the work is done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartChunkSpan starts the span covering the analysis of one chunk.
func StartChunkSpan(ctx context.Context, c audio.Chunk) (context.Context, trace.Span) {
	return StartSpan(ctx, "detector.chunk",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(ChunkAttrs(c.Seq, c.SampleRate, len(c.Samples))...),
	)
}

// ChunkAttrs returns the span attributes recorded for one analysed chunk.
func ChunkAttrs(seq uint64, sampleRate, samples int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("chunk.seq", int64(seq)),
		attribute.Int("chunk.sample_rate", sampleRate),
		attribute.Int("chunk.samples", samples),
	}
}

// CorrelationID is the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default, tagged with trace_id and span_id when ctx
// carries a valid span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
