package fieldflow

import (
	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
	"github.com/ghalamif/FieldFlow/internal/adapters/hardware"
	"github.com/ghalamif/FieldFlow/internal/adapters/mesh"
	"github.com/ghalamif/FieldFlow/internal/adapters/opcua"
	"github.com/ghalamif/FieldFlow/internal/adapters/uplink"
	"github.com/ghalamif/FieldFlow/internal/app/config"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// AgentConfig carries the agent id and scheduling policy.
	AgentConfig = config.AgentConfig
	// Policy controls tick cadence, queue bounds and flushing.
	Policy = ports.Policy
	// LogConfig selects log level and format.
	LogConfig = config.LogConfig
	// HardwareConfig selects and configures the analog and pulse sources.
	HardwareConfig = hardware.Config
	// ADS1263Config configures the SPI ADC.
	ADS1263Config = ads1263.Config
	// SimulatorConfig shapes the simulated waveforms.
	SimulatorConfig = hardware.SimConfig
	// MeshConfig configures the MQTT mesh bridge.
	MeshConfig = mesh.Config
	// OPCUAConfig holds connection + node details for the metric source.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps a monitored node to a metric name.
	OPCUANodeConfig = opcua.NodeConfig
	// UplinkConfig selects the delivery target.
	UplinkConfig = config.UplinkConfig
	// TimescaleConfig configures the Timescale uplink.
	TimescaleConfig = config.TimescaleConfig
	// MQTTUplinkConfig configures the MQTT uplink.
	MQTTUplinkConfig = uplink.MQTTConfig
	// ClickHouseConfig configures the ClickHouse uplink.
	ClickHouseConfig = uplink.ClickHouseConfig
	// MetricsConfig configures the metrics/status HTTP server.
	MetricsConfig = config.MetricsConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig decodes and validates YAML held in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
