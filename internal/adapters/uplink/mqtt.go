package uplink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// MQTTConfig holds the broker settings for the MQTT uplink. "{agent}" in a
// topic is replaced by the agent id.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	HeartbeatTopic string        `yaml:"heartbeat_topic"`
	Encoding       string        `yaml:"encoding"`
	QoS            byte          `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func (c *MQTTConfig) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fieldflow-uplink"
	}
	if c.Topic == "" {
		c.Topic = "fieldflow/{agent}/samples"
	}
	if c.HeartbeatTopic == "" {
		c.HeartbeatTopic = "fieldflow/{agent}/heartbeat"
	}
	if c.Encoding == "" {
		c.Encoding = "json"
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.Encoding != "json" && c.Encoding != "cbor" {
		return fmt.Errorf("encoding must be json or cbor, got %q", c.Encoding)
	}
	return nil
}

// Batch is the envelope published for each delivered batch.
type Batch struct {
	AgentID string          `json:"agent_id" cbor:"agent_id"`
	SentAt  time.Time       `json:"sent_at" cbor:"sent_at"`
	Samples []domain.Sample `json:"samples" cbor:"samples"`
}

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTT publishes sample batches and heartbeats to a broker.
type MQTT struct {
	cfg       MQTTConfig
	agentID   string
	client    mqtt.Client
	codec     Codec
	topic     string
	heartbeat string
	tracker
}

// NewMQTT wraps a paho client. Pass a nil client to have one created and
// connected from cfg.
func NewMQTT(cfg MQTTConfig, agentID string, client mqtt.Client) (*MQTT, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := NewCodec(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(cfg.Broker)
		opts.SetClientID(cfg.ClientID)
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		client = mqtt.NewClient(opts)
	}
	// An unfinished connect keeps retrying in the background; pushes fail and
	// requeue until it succeeds.
	if !client.IsConnected() {
		tok := client.Connect()
		if tok.WaitTimeout(cfg.PublishTimeout) && tok.Error() != nil {
			return nil, fmt.Errorf("connect %s: %w", cfg.Broker, tok.Error())
		}
	}
	return &MQTT{
		cfg:       cfg,
		agentID:   agentID,
		client:    client,
		codec:     codec,
		topic:     strings.ReplaceAll(cfg.Topic, "{agent}", agentID),
		heartbeat: strings.ReplaceAll(cfg.HeartbeatTopic, "{agent}", agentID),
		tracker:   newTracker("mqtt"),
	}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) PushSamples(ctx context.Context, batch []domain.Sample) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	payload, err := m.codec.Marshal(Batch{AgentID: m.agentID, SentAt: m.now(), Samples: batch})
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}
	if err := m.publish(ctx, m.topic, payload); err != nil {
		m.record(0, err)
		return 0, err
	}
	m.record(len(batch), nil)
	return len(batch), nil
}

// PublishHeartbeat sends a liveness payload on the heartbeat topic.
func (m *MQTT) PublishHeartbeat(ctx context.Context, payload any) error {
	b, err := m.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return m.publish(ctx, m.heartbeat, b)
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	timeout := m.cfg.PublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	tok := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !tok.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Status(context.Context) (ports.StatusSnapshot, bool) {
	return m.snapshot(m.client.IsConnected()), true
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

var (
	_ ports.Uplink             = (*MQTT)(nil)
	_ ports.HeartbeatPublisher = (*MQTT)(nil)
)
