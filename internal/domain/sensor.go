package domain

import (
	"fmt"
	"time"
)

// SourceKind selects which hardware reader a sensor is routed through.
type SourceKind string

const (
	KindAnalog    SourceKind = "analog"
	KindPulse     SourceKind = "pulse"
	KindMetric    SourceKind = "metric"
	KindSimulated SourceKind = "simulated"
)

// ParseSourceKind normalises a configured kind. "mesh-metric" is accepted as an
// alias for metric sources fed by a collaborator.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "analog":
		return KindAnalog, nil
	case "pulse":
		return KindPulse, nil
	case "metric", "mesh-metric":
		return KindMetric, nil
	case "simulated", "sim":
		return KindSimulated, nil
	default:
		return "", fmt.Errorf("unknown sensor kind %q", s)
	}
}

// Range is a closed numeric interval used for remapping.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Span returns Max-Min.
func (r Range) Span() float64 { return r.Max - r.Min }

// CurrentLoop holds 4-20 mA parameters for an analog sensor.
type CurrentLoop struct {
	ShuntOhms   float64 `yaml:"shunt_ohms"`
	RangeMin    float64 `yaml:"range_min"`
	RangeMax    float64 `yaml:"range_max"`
	Unit        string  `yaml:"unit"`
	ZeroMA      float64 `yaml:"zero_ma"`
	SpanMA      float64 `yaml:"span_ma"`
	LowFaultMA  float64 `yaml:"low_fault_ma"`
	HighFaultMA float64 `yaml:"high_fault_ma"`
}

// ApplyDefaults fills the nominal 4-20 mA loop values.
func (c *CurrentLoop) ApplyDefaults() {
	if c.ZeroMA == 0 && c.SpanMA == 0 {
		c.ZeroMA, c.SpanMA = 4, 20
	}
	if c.LowFaultMA == 0 {
		c.LowFaultMA = 3.5
	}
	if c.HighFaultMA == 0 {
		c.HighFaultMA = 20.5
	}
	if c.Unit == "" {
		c.Unit = "m"
	}
}

// SensorSpec is the immutable per-generation description of one sensor.
// The scheduler never mutates a spec; reconfiguration swaps the whole table.
type SensorSpec struct {
	ID                   string       `yaml:"id"`
	Kind                 SourceKind   `yaml:"kind"`
	Channel              int          `yaml:"channel"`
	NegativeChannel      *int         `yaml:"negative_channel"`
	Metric               string       `yaml:"metric"`
	IntervalSeconds      float64      `yaml:"interval_seconds"`
	RollingWindowSeconds float64      `yaml:"rolling_window_seconds"`
	Offset               float64      `yaml:"offset"`
	Scale                float64      `yaml:"scale"`
	InputRange           *Range       `yaml:"input_range"`
	OutputRange          *Range       `yaml:"output_range"`
	CurrentLoop          *CurrentLoop `yaml:"current_loop"`
	Unit                 string       `yaml:"unit"`
}

// AnalogChannel returns the (positive, negative) input pair for the sensor.
func (s SensorSpec) AnalogChannel() AnalogChannel {
	if s.NegativeChannel == nil {
		return SingleEnded(s.Channel)
	}
	return Differential(s.Channel, *s.NegativeChannel)
}

// Interval is the publish cadence; zero means publish-on-change.
func (s SensorSpec) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds * float64(time.Second))
}

// RollingWindow is the averaging window; zero disables rolling averages.
func (s SensorSpec) RollingWindow() time.Duration {
	return time.Duration(s.RollingWindowSeconds * float64(time.Second))
}

// IsRolling reports whether the sensor publishes a rolling average.
func (s SensorSpec) IsRolling() bool {
	return s.RollingWindowSeconds > 0 && (s.Kind == KindAnalog || s.Kind == KindSimulated)
}

// AnalogChannel identifies an ADC input. Single-ended channels are measured
// against the common input.
type AnalogChannel struct {
	Positive     int
	Negative     int
	Differential bool
}

func SingleEnded(ch int) AnalogChannel { return AnalogChannel{Positive: ch} }

func Differential(pos, neg int) AnalogChannel {
	return AnalogChannel{Positive: pos, Negative: neg, Differential: true}
}

func (c AnalogChannel) String() string {
	if c.Differential {
		return fmt.Sprintf("AIN%d-AIN%d", c.Positive, c.Negative)
	}
	return fmt.Sprintf("AIN%d", c.Positive)
}
