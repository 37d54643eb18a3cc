package fieldflow

import (
	"github.com/ghalamif/FieldFlow/internal/adapters/hardware"
	"github.com/ghalamif/FieldFlow/internal/app/pipeline"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Sample is a single published reading.
type Sample = domain.Sample

// SampleQuality classifies a reading; only QualityOK samples leave the agent.
type SampleQuality = domain.SampleQuality

const (
	QualityOK          = domain.QualityOK
	QualityLowFault    = domain.QualityLowFault
	QualityHighFault   = domain.QualityHighFault
	QualityConfigError = domain.QualityConfigError
	QualityUnavailable = domain.QualityUnavailable
)

// SensorSpec describes one configured sensor.
type SensorSpec = domain.SensorSpec

// MeshSample is a decoded reading handed over by the mesh subsystem.
type MeshSample = domain.MeshSample

// Uplink delivers batches upstream. Any error requeues the whole batch.
type Uplink = ports.Uplink

// UplinkStatus describes an uplink as last observed.
type UplinkStatus = ports.StatusSnapshot

// HeartbeatPublisher is implemented by uplinks that carry heartbeats.
type HeartbeatPublisher = ports.HeartbeatPublisher

// MetricSource exposes named scalar metrics from a collaborator.
type MetricSource = ports.MetricSource

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// DisplaySnapshot is the status read model.
type DisplaySnapshot = pipeline.DisplaySnapshot

// Heartbeat is the periodic liveness payload.
type Heartbeat = pipeline.Heartbeat

// SystemReader supplies host metrics for heartbeats.
type SystemReader = pipeline.SystemReader

// Simulator backs simulated sensors and can be driven from tests.
type Simulator = hardware.Simulator

// NewSimulator builds a simulator; pass it with WithSimulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	return hardware.NewSimulator(cfg, nil)
}
