package domain

import "time"

// SampleQuality classifies a reading. Only QualityOK samples are forwarded.
type SampleQuality uint8

const (
	QualityOK SampleQuality = iota
	QualityLowFault
	QualityHighFault
	QualityConfigError
	QualityUnavailable
)

func (q SampleQuality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case QualityLowFault:
		return "low-fault"
	case QualityHighFault:
		return "high-fault"
	case QualityConfigError:
		return "config-error"
	case QualityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Sample is the canonical unit of field telemetry in FieldFlow.
// Value is only meaningful when Quality is QualityOK; fault qualities keep the
// computed value so diagnostics can show why a reading was rejected.
type Sample struct {
	SensorID   string        `json:"sensor_id" cbor:"sensor_id"`
	Timestamp  time.Time     `json:"ts" cbor:"ts"`
	Value      float64       `json:"value" cbor:"value"`
	Quality    SampleQuality `json:"quality" cbor:"quality"`
	Unit       string        `json:"unit,omitempty" cbor:"unit,omitempty"`
	Source     string        `json:"source,omitempty" cbor:"source,omitempty"`
	AgeSeconds *float64      `json:"age_seconds,omitempty" cbor:"age_seconds,omitempty"`
}

// Forwardable reports whether the sample may leave the agent.
func (s Sample) Forwardable() bool { return s.Quality == QualityOK }
