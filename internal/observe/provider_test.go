package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestMonitorResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		deviceID string
		want     map[attribute.Key]string
		absent   []attribute.Key
	}{
		{
			name:     "with device",
			deviceID: "nursery",
			want: map[attribute.Key]string{
				semconv.ServiceNameKey:       "cradlewatch",
				semconv.ServiceVersionKey:    "1.2.3",
				semconv.ServiceInstanceIDKey: "nursery",
				DeviceIDKey:                  "nursery",
			},
		},
		{
			name:   "without device",
			want:   map[attribute.Key]string{semconv.ServiceNameKey: "cradlewatch"},
			absent: []attribute.Key{DeviceIDKey, semconv.ServiceInstanceIDKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := monitorResource(context.Background(), ProviderConfig{ServiceVersion: "1.2.3", DeviceID: tt.deviceID})
			if err != nil {
				t.Fatalf("monitorResource: %v", err)
			}
			set := res.Set()
			for k, v := range tt.want {
				got, ok := set.Value(k)
				if !ok || got.AsString() != v {
					t.Errorf("%s = %q (present %v), want %q", k, got.AsString(), ok, v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := set.Value(k); ok {
					t.Errorf("%s unexpectedly set", k)
				}
			}
		})
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{DeviceID: "nursery", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if otel.GetTracerProvider() == prevTP || otel.GetMeterProvider() == prevMP {
		t.Error("global providers not replaced")
	}
	if _, err := NewMetrics(otel.GetMeterProvider()); err != nil {
		t.Errorf("NewMetrics on installed provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
