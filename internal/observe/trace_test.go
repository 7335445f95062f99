package observe

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/cradlewatch/pkg/audio"
)

// useRecorder installs an in-memory tracer provider as the global one for
// the duration of the test.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func captureDefaultLog(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartChunkSpan(t *testing.T) {
	exp := useRecorder(t)

	chunk := audio.Chunk{Seq: 7, Samples: make([]float32, 44100), SampleRate: 22050, Start: time.Now()}
	ctx, span := StartChunkSpan(context.Background(), chunk)
	cid := CorrelationID(ctx)
	span.End()

	if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "detector.chunk" {
		t.Fatalf("spans = %+v", spans)
	}
	want := map[string]int64{"chunk.seq": 7, "chunk.sample_rate": 22050, "chunk.samples": 44100}
	got := map[string]int64{}
	for _, kv := range spans[0].Attributes {
		got[string(kv.Key)] = kv.Value.AsInt64()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	useRecorder(t)

	t.Run("inside chunk span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		ctx, span := StartChunkSpan(context.Background(), audio.Chunk{Seq: 1, SampleRate: 16000})
		defer span.End()

		Logger(ctx).Info("detector: chunk dropped")
		out := buf.String()
		if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
			t.Errorf("log line lacks trace correlation: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		Logger(context.Background()).Info("api: read history")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("unexpected trace_id: %s", buf.String())
		}
	})
}
