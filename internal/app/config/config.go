package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/FieldFlow/internal/adapters/hardware"
	"github.com/ghalamif/FieldFlow/internal/adapters/mesh"
	"github.com/ghalamif/FieldFlow/internal/adapters/opcua"
	"github.com/ghalamif/FieldFlow/internal/adapters/uplink"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

type Config struct {
	Agent    AgentConfig         `yaml:"agent"`
	Log      LogConfig           `yaml:"log"`
	Hardware hardware.Config     `yaml:"hardware"`
	Mesh     mesh.Config         `yaml:"mesh"`
	OPCUA    opcua.Config        `yaml:"opcua"`
	Uplink   UplinkConfig        `yaml:"uplink"`
	Metrics  MetricsConfig       `yaml:"metrics"`
	Sensors  []domain.SensorSpec `yaml:"sensors"`
}

// AgentConfig identifies the agent and carries the scheduling policy.
type AgentConfig struct {
	ID           string `yaml:"id"`
	ports.Policy `yaml:",inline"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UplinkConfig struct {
	Kind       string                  `yaml:"kind"` // timescale | mqtt | clickhouse | none
	Timescale  TimescaleConfig         `yaml:"timescale"`
	MQTT       uplink.MQTTConfig       `yaml:"mqtt"`
	ClickHouse uplink.ClickHouseConfig `yaml:"clickhouse"`
}

type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML file, applies FIELDFLOW_* environment overrides (an
// optional .env next to the file is loaded first) and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes, overrides, defaults and validates raw YAML.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv lets deployments keep endpoints and secrets out of the YAML file.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv("FIELDFLOW_" + key); v != "" {
			*dst = v
		}
	}
	set("AGENT_ID", &c.Agent.ID)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("METRICS_ADDR", &c.Metrics.Addr)
	set("UPLINK_KIND", &c.Uplink.Kind)
	set("TIMESCALE_CONN_STRING", &c.Uplink.Timescale.ConnString)
	set("MQTT_BROKER", &c.Uplink.MQTT.Broker)
	set("MQTT_USERNAME", &c.Uplink.MQTT.Username)
	set("MQTT_PASSWORD", &c.Uplink.MQTT.Password)
	set("CLICKHOUSE_ADDR", &c.Uplink.ClickHouse.Addr)
	set("CLICKHOUSE_USERNAME", &c.Uplink.ClickHouse.Username)
	set("CLICKHOUSE_PASSWORD", &c.Uplink.ClickHouse.Password)
	set("MESH_BROKER", &c.Mesh.Broker)
	set("MESH_USERNAME", &c.Mesh.Username)
	set("MESH_PASSWORD", &c.Mesh.Password)
	set("OPCUA_ENDPOINT", &c.OPCUA.Endpoint)
	set("OPCUA_USERNAME", &c.OPCUA.Username)
	set("OPCUA_PASSWORD", &c.OPCUA.Password)
}

func (c *Config) applyDefaults() {
	if c.Agent.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Agent.ID = host
		} else {
			c.Agent.ID = "fieldflow"
		}
	}
	p := &c.Agent.Policy
	if p.TickInterval == 0 {
		p.TickInterval = 250 * time.Millisecond
	}
	if p.BacklogTickInterval == 0 {
		p.BacklogTickInterval = 100 * time.Millisecond
	}
	if p.TelemetryInterval == 0 {
		p.TelemetryInterval = time.Second
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = time.Minute
	}
	if p.QueueCapacity == 0 {
		p.QueueCapacity = 10_000
	}
	if p.FlushBatchSize == 0 {
		p.FlushBatchSize = 500
	}
	if p.FlushTimeout == 0 {
		p.FlushTimeout = 10 * time.Second
	}
	if p.MaxBackfillSeconds == 0 {
		p.MaxBackfillSeconds = 3600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Uplink.Kind == "" {
		c.Uplink.Kind = "timescale"
	}
	if c.Uplink.Timescale.Table == "" {
		c.Uplink.Timescale.Table = "field_samples"
	}
	c.Uplink.MQTT.ApplyDefaults()
	c.Uplink.ClickHouse.ApplyDefaults()

	c.Hardware.ApplyDefaults()
	c.Mesh.ApplyDefaults()
	c.OPCUA.ApplyDefaults()

	for i := range c.Sensors {
		s := &c.Sensors[i]
		if kind, err := domain.ParseSourceKind(string(s.Kind)); err == nil {
			s.Kind = kind
		}
		if s.Scale == 0 {
			s.Scale = 1
		}
		if s.CurrentLoop != nil {
			s.CurrentLoop.ApplyDefaults()
			if s.Unit == "" {
				s.Unit = s.CurrentLoop.Unit
			}
		}
	}
}

func (c *Config) validate() error {
	p := c.Agent.Policy
	if p.TickInterval < 0 || p.TickInterval > time.Second {
		return fmt.Errorf("agent.tick_interval must be in (0, 1s], got %s", p.TickInterval)
	}
	if p.BacklogTickInterval < 0 || p.BacklogTickInterval > p.TickInterval {
		return fmt.Errorf("agent.backlog_tick_interval must not exceed tick_interval")
	}
	if p.QueueCapacity < 0 || p.FlushBatchSize < 0 {
		return fmt.Errorf("agent.queue_capacity and agent.flush_batch_size must be positive")
	}
	if p.MaxBackfillSeconds < 0 {
		return fmt.Errorf("agent.max_backfill_seconds must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if err := c.Hardware.Validate(); err != nil {
		return err
	}
	if err := c.Mesh.Validate(); err != nil {
		return fmt.Errorf("mesh config: %w", err)
	}
	if err := c.OPCUA.Validate(); err != nil {
		return fmt.Errorf("opcua config: %w", err)
	}
	if err := c.validateUplink(); err != nil {
		return err
	}
	return c.validateSensors()
}

func (c *Config) validateUplink() error {
	switch c.Uplink.Kind {
	case "timescale":
		if c.Uplink.Timescale.ConnString == "" {
			return fmt.Errorf("uplink.timescale.conn_string is required")
		}
	case "mqtt":
		if err := c.Uplink.MQTT.Validate(); err != nil {
			return fmt.Errorf("uplink.mqtt: %w", err)
		}
	case "clickhouse":
		if err := c.Uplink.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("uplink.clickhouse: %w", err)
		}
	case "none":
	default:
		return fmt.Errorf("uplink.kind must be timescale, mqtt, clickhouse or none, got %q", c.Uplink.Kind)
	}
	return nil
}

func (c *Config) validateSensors() error {
	seen := make(map[string]struct{}, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sensors[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if _, err := domain.ParseSourceKind(string(s.Kind)); err != nil {
			return fmt.Errorf("sensor %s: %w", s.ID, err)
		}
		if s.Kind == domain.KindMetric && s.Metric == "" {
			return fmt.Errorf("sensor %s: metric name is required", s.ID)
		}
		if s.IntervalSeconds < 0 || s.RollingWindowSeconds < 0 {
			return fmt.Errorf("sensor %s: interval and rolling window must not be negative", s.ID)
		}
		if s.Channel < 0 {
			return fmt.Errorf("sensor %s: channel must not be negative", s.ID)
		}
	}
	return nil
}
