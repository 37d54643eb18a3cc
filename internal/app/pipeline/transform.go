package pipeline

import (
	"math"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

const (
	// covTolerance is the minimum change that re-publishes a COV sensor.
	covTolerance = 1e-6
	// rollingColdSamples bounds the synchronous reads a cold rolling sensor makes.
	rollingColdSamples = 5
)

// meters → unit.
var unitFactors = map[string]float64{
	"m":  1,
	"ft": 3.28084,
	"in": 39.3701,
	"cm": 100,
	"mm": 1000,
}

// linear applies the optional range remap, then value*scale + offset.
func linear(v float64, spec domain.SensorSpec) float64 {
	if in, out := spec.InputRange, spec.OutputRange; in != nil && out != nil && in.Span() != 0 {
		v = out.Min + (v-in.Min)/in.Span()*out.Span()
	}
	scale := spec.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + spec.Offset
}

// currentLoop converts a shunt voltage into an engineering value. The value is
// computed for every quality so diagnostics can show what a faulted loop read.
func currentLoop(volts float64, spec domain.SensorSpec) (float64, domain.SampleQuality) {
	cl := *spec.CurrentLoop
	cl.ApplyDefaults()

	factor, ok := unitFactors[cl.Unit]
	if !ok || cl.ShuntOhms <= 0 || cl.SpanMA <= cl.ZeroMA || cl.RangeMax <= cl.RangeMin {
		return volts, domain.QualityConfigError
	}

	mA := volts / cl.ShuntOhms * 1000
	frac := (mA - cl.ZeroMA) / (cl.SpanMA - cl.ZeroMA)
	v := cl.RangeMin + frac*(cl.RangeMax-cl.RangeMin)
	v = math.Max(cl.RangeMin, math.Min(cl.RangeMax, v))
	v *= factor

	scale := spec.Scale
	if scale == 0 {
		scale = 1
	}
	v = v*scale + spec.Offset

	switch {
	case mA < cl.LowFaultMA:
		return v, domain.QualityLowFault
	case mA > cl.HighFaultMA:
		return v, domain.QualityHighFault
	default:
		return v, domain.QualityOK
	}
}

// pulseDelta returns the increment since the previous cumulative count. A
// count lower than the previous one means the counter reset or wrapped, and
// the new count is taken as the increment.
func pulseDelta(prev, cur int64) int64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func changed(prev, cur float64) bool {
	return math.Abs(cur-prev) > covTolerance
}
