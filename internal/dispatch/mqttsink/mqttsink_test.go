package mqttsink_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
	"github.com/MrWong99/cradlewatch/internal/dispatch/mqttsink"
)

// token is a completed (or never-completing) mqtt.Token.
type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { <-t.done; return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	tok   *token
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{topic, qos, retained, payload.([]byte)})
	return p.tok
}

func TestResolveTopic(t *testing.T) {
	t.Parallel()
	tests := []struct{ pattern, id, want string }{
		{"babymonitor/{device_id}/cry", "pi-1", "babymonitor/pi-1/cry"},
		{"static/topic", "pi-1", "static/topic"},
		{"{device_id}/{device_id}", "x", "x/x"},
	}
	for _, tt := range tests {
		if got := mqttsink.ResolveTopic(tt.pattern, tt.id); got != tt.want {
			t.Errorf("ResolveTopic(%q, %q) = %q, want %q", tt.pattern, tt.id, got, tt.want)
		}
	}
}

func TestSink_Publish(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{tok: doneToken(nil)}
	s := mqttsink.New(pub, "babymonitor/pi/cry", 1)

	ev := dispatch.Event{ID: "e1", Confidence: 91.2, Source: "pi", Provenance: "model"}
	if err := s.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pub.calls))
	}
	c := pub.calls[0]
	if c.topic != "babymonitor/pi/cry" || c.qos != 1 || c.retained {
		t.Errorf("publish = %+v", c)
	}
	var got dispatch.Event
	if err := json.Unmarshal(c.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.ID != "e1" || got.Confidence != 91.2 {
		t.Errorf("payload event = %+v", got)
	}
}

func TestSink_PublishErrors(t *testing.T) {
	t.Parallel()

	brokerErr := errors.New("not connected")
	s := mqttsink.New(&fakePublisher{tok: doneToken(brokerErr)}, "t", 0)
	if err := s.Publish(context.Background(), dispatch.Event{}); !errors.Is(err, brokerErr) {
		t.Errorf("broker error: got %v", err)
	}

	stuck := &token{done: make(chan struct{})}
	s = mqttsink.New(&fakePublisher{tok: stuck}, "t", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Publish(ctx, dispatch.Event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("stuck token: got %v", err)
	}
}

func TestConnect_Integration(t *testing.T) {
	broker := os.Getenv("CRADLEWATCH_TEST_MQTT_BROKER")
	if broker == "" {
		t.Skip("CRADLEWATCH_TEST_MQTT_BROKER not set; skipping MQTT integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := mqttsink.Connect(ctx, mqttsink.Config{
		Broker:   broker,
		ClientID: "cradlewatch-test",
		Topic:    "cradlewatch-test/{device_id}/cry",
		DeviceID: "ci",
		QoS:      1,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if s.Topic() != "cradlewatch-test/ci/cry" {
		t.Errorf("Topic() = %q", s.Topic())
	}
	if err := s.Publish(ctx, dispatch.Event{ID: "it", Confidence: 90}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
