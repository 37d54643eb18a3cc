package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Config holds the MQTT bridge settings for mesh samples.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Topic           string        `yaml:"topic"`
	QoS             byte          `yaml:"qos"`
	IngressCapacity int           `yaml:"ingress_capacity"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fieldflow-mesh"
	}
	if c.Topic == "" {
		c.Topic = "mesh/+/samples"
	}
	if c.QoS > 1 {
		c.QoS = 1
	}
	if c.IngressCapacity <= 0 {
		c.IngressCapacity = DefaultIngressCapacity
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	return nil
}

// MQTTSource subscribes to the mesh bridge topic and pushes decoded samples
// into a MeshSink. A sample without a timestamp is stamped on arrival.
type MQTTSource struct {
	cfg    Config
	client mqtt.Client
	obs    ports.Observability
	now    func() time.Time

	// owned is set when the client was built here with OnConnect as its
	// connect handler, so every (re)connect subscribes on its own.
	owned bool

	mu  sync.Mutex
	out ports.MeshSink
}

// NewMQTTSource builds a source around a paho client. Pass a nil client to
// have one created from cfg. An injected client should route its connect
// handler to OnConnect, since clean sessions drop subscriptions on reconnect.
func NewMQTTSource(cfg Config, client mqtt.Client, obs ports.Observability) *MQTTSource {
	cfg.ApplyDefaults()
	m := &MQTTSource{cfg: cfg, client: client, obs: obs, now: time.Now}
	if client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(cfg.Broker)
		opts.SetClientID(cfg.ClientID)
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetKeepAlive(60 * time.Second)
		opts.SetPingTimeout(10 * time.Second)
		opts.SetOnConnectHandler(m.OnConnect)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			obs.LogWarn("mesh_mqtt_connection_lost", ports.Field{Key: "error", Value: err.Error()})
		})
		m.client = mqtt.NewClient(opts)
		m.owned = true
	}
	return m
}

// Start connects the client. A connect still pending after ConnectTimeout is
// not an error for an owned client: paho keeps retrying and OnConnect
// subscribes once the broker answers.
func (m *MQTTSource) Start(out ports.MeshSink) error {
	m.mu.Lock()
	m.out = out
	m.mu.Unlock()

	if !m.client.IsConnected() {
		token := m.client.Connect()
		if !token.WaitTimeout(m.cfg.ConnectTimeout) {
			if m.owned {
				m.obs.LogWarn("mesh_mqtt_connect_pending", ports.Field{Key: "broker", Value: m.cfg.Broker})
				return nil
			}
			return fmt.Errorf("mesh mqtt connect %s: timeout", m.cfg.Broker)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mesh mqtt connect %s: %w", m.cfg.Broker, err)
		}
		if m.owned {
			return nil
		}
	}
	return m.subscribe(m.client)
}

// OnConnect re-establishes the subscription after every successful connect.
func (m *MQTTSource) OnConnect(c mqtt.Client) {
	if err := m.subscribe(c); err != nil {
		m.obs.LogError("mesh_mqtt_subscribe_failed", err, ports.Field{Key: "topic", Value: m.cfg.Topic})
	}
}

func (m *MQTTSource) subscribe(c mqtt.Client) error {
	token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, m.handleMessage)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("mesh mqtt subscribe %s: timeout", m.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mesh mqtt subscribe %s: %w", m.cfg.Topic, err)
	}
	m.obs.LogInfo("mesh_mqtt_subscribed", ports.Field{Key: "topic", Value: m.cfg.Topic})
	return nil
}

func (m *MQTTSource) Stop() error {
	if m.client.IsConnected() {
		token := m.client.Unsubscribe(m.cfg.Topic)
		token.WaitTimeout(2 * time.Second)
		m.client.Disconnect(250)
	}
	m.mu.Lock()
	m.out = nil
	m.mu.Unlock()
	return nil
}

func (m *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var sample domain.MeshSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		m.obs.LogError("mesh_sample_decode_failed", err, ports.Field{Key: "topic", Value: msg.Topic()})
		return
	}
	if sample.DeviceID == "" {
		sample.DeviceID = deviceFromTopic(msg.Topic())
	}
	if sample.DeviceID == "" && sample.SensorID == "" {
		m.obs.LogWarn("mesh_sample_unaddressed", ports.Field{Key: "topic", Value: msg.Topic()})
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}

	m.mu.Lock()
	out := m.out
	m.mu.Unlock()
	if out == nil {
		return
	}
	if !out.Push(sample) {
		m.obs.IncCounter("fieldflow_mesh_ingress_dropped_total", 1)
	}
}

// deviceFromTopic extracts the device segment from mesh/{device}/samples.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[1]
	}
	return ""
}

var _ ports.Collector = (*MQTTSource)(nil)
