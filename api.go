package fieldflow

import (
	base "github.com/ghalamif/FieldFlow/pkg/fieldflow"
)

// Re-exported errors for convenience.
var (
	ErrChannelUplinkClosed = base.ErrChannelUplinkClosed
)

// Type aliases so consumers can import github.com/ghalamif/FieldFlow directly.
type (
	Config             = base.Config
	AgentConfig        = base.AgentConfig
	Policy             = base.Policy
	LogConfig          = base.LogConfig
	HardwareConfig     = base.HardwareConfig
	ADS1263Config      = base.ADS1263Config
	SimulatorConfig    = base.SimulatorConfig
	MeshConfig         = base.MeshConfig
	OPCUAConfig        = base.OPCUAConfig
	OPCUANodeConfig    = base.OPCUANodeConfig
	UplinkConfig       = base.UplinkConfig
	TimescaleConfig    = base.TimescaleConfig
	MQTTUplinkConfig   = base.MQTTUplinkConfig
	ClickHouseConfig   = base.ClickHouseConfig
	MetricsConfig      = base.MetricsConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	StreamInOption     = base.StreamInOption
	StreamOutOption    = base.StreamOutOption
	Runtime            = base.Runtime
	Option             = base.Option
	Sample             = base.Sample
	SampleQuality      = base.SampleQuality
	SensorSpec         = base.SensorSpec
	MeshSample         = base.MeshSample
	BatchFunc          = base.BatchFunc
	Uplink             = base.Uplink
	UplinkStatus       = base.UplinkStatus
	HeartbeatPublisher = base.HeartbeatPublisher
	MetricSource       = base.MetricSource
	Observability      = base.Observability
	Field              = base.Field
	DisplaySnapshot    = base.DisplaySnapshot
	Heartbeat          = base.Heartbeat
	SystemReader       = base.SystemReader
	Simulator          = base.Simulator
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...Option) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInMetrics(m MetricSource) StreamInOption {
	return base.StreamInMetrics(m)
}

func StreamInSimulator(sim *Simulator) StreamInOption {
	return base.StreamInSimulator(sim)
}

func StreamOutUplink(u Uplink) StreamOutOption {
	return base.StreamOutUplink(u)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn BatchFunc) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func New(cfg *Config, opts ...Option) (*Runtime, error) {
	return base.New(cfg, opts...)
}

func WithUplink(u Uplink) Option {
	return base.WithUplink(u)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithMetricSource(m MetricSource) Option {
	return base.WithMetricSource(m)
}

func WithSimulator(sim *Simulator) Option {
	return base.WithSimulator(sim)
}

func WithSystemReader(sys SystemReader) Option {
	return base.WithSystemReader(sys)
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	return base.NewSimulator(cfg)
}

// Uplink adapters.
func NewCallbackUplink(name string, fn BatchFunc) Uplink {
	return base.NewCallbackUplink(name, fn)
}

func NewChannelUplink(name string, buffer int) (Uplink, <-chan []Sample, func()) {
	return base.NewChannelUplink(name, buffer)
}
