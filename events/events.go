// Package events publishes segment outcomes and service health to MQTT.
//
// Topics:
//
//	<prefix>/segments   one message per closed segment (valid or not)
//	<prefix>/health     periodic health snapshot
//
// Payloads are JSON by default or MessagePack when Encoding is "msgpack".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/topqaz/nvr/recorder"
)

// Encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config contains MQTT emitter settings
type Config struct {
	// Broker is host:port of the MQTT broker
	Broker string
	// ClientID identifies this instance to the broker
	ClientID string
	// TopicPrefix is prepended to every topic (default: "nvr")
	TopicPrefix string
	// Encoding is "json" or "msgpack" (default: json)
	Encoding string
	// QoS for every publish (0, 1 or 2)
	QoS byte
}

// SegmentEvent is the payload of <prefix>/segments.
type SegmentEvent struct {
	Name      string    `json:"name" msgpack:"name"`
	Start     time.Time `json:"start" msgpack:"start"`
	DurationS float64   `json:"duration_s" msgpack:"duration_s"`
	Codec     string    `json:"codec" msgpack:"codec"`
	Extension string    `json:"extension" msgpack:"extension"`
	Frames    int       `json:"frames" msgpack:"frames"`
	SizeBytes int64     `json:"size_bytes" msgpack:"size_bytes"`
	Valid     bool      `json:"valid" msgpack:"valid"`
	Reason    string    `json:"reason" msgpack:"reason"`
	ClientID  string    `json:"client_id" msgpack:"client_id"`
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Emitter publishes events to an MQTT broker.
type Emitter struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

var _ recorder.Observer = (*Emitter)(nil)

// NewEmitter creates an emitter with fail-fast validation. It does not
// connect; call Connect.
func NewEmitter(cfg Config) (*Emitter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("events: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "nvr"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "nvr"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	switch cfg.Encoding {
	case "":
		cfg.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return nil, fmt.Errorf("events: unknown encoding %q (want json or msgpack)", cfg.Encoding)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("events: invalid qos %d", cfg.QoS)
	}

	return &Emitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}, nil
}

// Connect establishes the broker connection with automatic reconnection.
func (e *Emitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("events: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("events: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	slog.Info("events: connecting to mqtt broker", "broker", e.cfg.Broker)

	// With ConnectRetry the client keeps trying after a timeout here.
	token := client.Connect()
	if err := waitToken(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("events: mqtt connect (retrying in background): %w", err)
	}

	e.setConnected(true)
	return nil
}

// SegmentClosed publishes a segment event. It implements recorder.Observer;
// failures are logged and counted, never returned to the recorder.
func (e *Emitter) SegmentClosed(seg recorder.Segment) {
	ev := SegmentEvent{
		Name:      seg.Name,
		Start:     seg.Start,
		DurationS: seg.Duration.Seconds(),
		Codec:     seg.Codec.FourCC,
		Extension: seg.Codec.Ext(),
		Frames:    seg.Frames,
		SizeBytes: seg.Size,
		Valid:     seg.Validity.Valid(),
		Reason:    seg.Validity.Reason,
		ClientID:  e.cfg.ClientID,
	}
	if err := e.publish("segments", ev); err != nil {
		slog.Warn("events: segment event not published", "name", seg.Name, "error", err)
	}
}

// PublishHealth publishes a health snapshot to <prefix>/health.
func (e *Emitter) PublishHealth(health any) error {
	return e.publish("health", health)
}

func (e *Emitter) publish(suffix string, v any) error {
	topic := e.cfg.TopicPrefix + "/" + suffix

	e.mu.RLock()
	client := e.client
	connected := e.connected
	e.mu.RUnlock()

	if client == nil || !connected {
		e.countError()
		return fmt.Errorf("events: mqtt not connected")
	}

	payload, err := e.encode(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("events: encode %s: %w", topic, err)
	}

	token := client.Publish(topic, e.cfg.QoS, false, payload)
	if err := waitToken(context.Background(), token, 2*time.Second); err != nil {
		e.countError()
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("events: published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

func (e *Emitter) encode(v any) ([]byte, error) {
	if e.cfg.Encoding == EncodingMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Disconnect closes the broker connection.
func (e *Emitter) Disconnect() {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.connected = false
	e.mu.Unlock()

	if client != nil {
		client.Disconnect(250) // 250ms grace period, also stops connect retries
		slog.Info("events: mqtt disconnected")
	}
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// waitToken waits for a paho token, the timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
