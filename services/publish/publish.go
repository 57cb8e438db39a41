// Package publish fans sensor readings and radio events out to an MQTT
// broker.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"meshtelem/errcode"
	"meshtelem/services/config"
	"meshtelem/types"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishWait = 2 * time.Second

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Sink struct {
	pub    Publisher
	prefix string
	log    *slog.Logger
	close  func()
}

// NewSink wraps an existing publisher.
func NewSink(pub Publisher, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "meshtelem"
	}
	return &Sink{pub: pub, prefix: prefix, log: logger.With("component", "mqtt"), close: func() {}}
}

// Dial connects to cfg.Broker. It returns an error when the broker is
// not configured or not reachable within the timeout.
func Dial(cfg config.MQTT, timeout time.Duration, logger *slog.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, &errcode.E{C: errcode.Unsupported, Op: "mqtt dial", Msg: "no broker configured"}
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, &errcode.E{C: errcode.Timeout, Op: "mqtt dial", Msg: cfg.Broker}
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt dial %s: %w", cfg.Broker, err)
	}
	s := NewSink(client, cfg.Prefix, logger)
	s.close = func() { client.Disconnect(250) }
	s.log.Info("connected to broker", "broker", cfg.Broker)
	return s, nil
}

func (s *Sink) Close() { s.close() }

// ReadingTopic and EventTopic are the publish targets.
func (s *Sink) ReadingTopic() string           { return s.prefix + "/sensor/bme280" }
func (s *Sink) EventTopic(k types.Kind) string { return s.prefix + "/event/" + string(k) }

// PublishReading sends r as JSON.
func (s *Sink) PublishReading(r types.SensorReading) error {
	return s.send(s.ReadingTopic(), r)
}

// OnEvent is a types.Handler; failures are logged.
func (s *Sink) OnEvent(ev types.Event) {
	if err := s.send(s.EventTopic(ev.Kind), ev); err != nil {
		s.log.Warn("event publish failed", "kind", ev.Kind.Name(), "err", err)
	}
}

func (s *Sink) send(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	tok := s.pub.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(publishWait) {
		return &errcode.E{C: errcode.Timeout, Op: "mqtt publish", Msg: topic}
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
