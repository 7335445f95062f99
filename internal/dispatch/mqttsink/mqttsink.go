// Package mqttsink mirrors detection events to an MQTT broker so home
// automation can react to a crying baby without polling the aggregator.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

var _ dispatch.Sink = (*Sink)(nil)

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic may contain "{device_id}", replaced by DeviceID.
	Topic    string
	DeviceID string
	QoS      byte
}

// Publisher is the subset of [mqtt.Client] the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Sink publishes each event as JSON to a single topic.
type Sink struct {
	pub    Publisher
	client mqtt.Client
	topic  string
	qos    byte
}

// ResolveTopic substitutes {device_id} in pattern.
func ResolveTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}

// Connect dials the broker and returns a ready [Sink].
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttsink: broker is empty")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("mqttsink: connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqttsink: connection lost", "broker", cfg.Broker, "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token); err != nil {
		return nil, fmt.Errorf("mqttsink: connect %q: %w", cfg.Broker, err)
	}

	s := New(client, ResolveTopic(cfg.Topic, cfg.DeviceID), cfg.QoS)
	s.client = client
	return s, nil
}

// New wraps an existing publisher.
func New(pub Publisher, topic string, qos byte) *Sink {
	return &Sink{pub: pub, topic: topic, qos: qos}
}

// Name implements [dispatch.Sink].
func (s *Sink) Name() string { return "mqtt" }

// Topic returns the resolved topic.
func (s *Sink) Topic() string { return s.topic }

// Publish implements [dispatch.Sink].
func (s *Sink) Publish(ctx context.Context, ev dispatch.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqttsink: encode event: %w", err)
	}
	if err := wait(ctx, s.pub.Publish(s.topic, s.qos, false, payload)); err != nil {
		return fmt.Errorf("mqttsink: publish to %q: %w", s.topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing 250ms for in-flight work.
func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}

// wait blocks until token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
