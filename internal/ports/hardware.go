package ports

import "github.com/ghalamif/FieldFlow/internal/domain"

// AnalogReader is the capability every analog source exposes. ReadVoltage is
// non-blocking: it returns the latest known value, ok=false when no value is
// available yet, or an error when the source failed to read.
type AnalogReader interface {
	ReadVoltage(ch domain.AnalogChannel) (float64, bool, error)
	Health() domain.AnalogHealth
}

// PulseReader exposes cumulative pulse counts per channel.
type PulseReader interface {
	ReadPulses(channel int) (int64, error)
	Health() domain.AnalogHealth
}

// MetricSource exposes named scalar metrics from a collaborator such as a
// charge controller. Absence is a normal state, not an error.
type MetricSource interface {
	ReadMetric(name string) (float64, bool)
}
