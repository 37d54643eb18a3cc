package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// RollingSource supplies precomputed rolling-window means.
type RollingSource interface {
	Mean(sensorID string, now time.Time) (float64, bool)
}

// MeshDrainer hands the scheduler every mesh sample received since the last tick.
type MeshDrainer interface {
	Drain() []domain.MeshSample
}

// Sources are the readers one configuration generation routes through.
// Nil readers make every sensor of that kind produce nothing.
type Sources struct {
	Analog    ports.AnalogReader
	Pulse     ports.PulseReader
	Metrics   ports.MetricSource
	Simulated ports.AnalogReader
	Rolling   RollingSource
}

type sensorState struct {
	nextDueAt     time.Time
	lastForwarded float64
	hasForwarded  bool
	lastCount     int64
	hasCount      bool
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Due           int
	Enqueued      int
	Suppressed    int
	Unavailable   int
	MeshForwarded int
	MeshStale     int
	Delivered     int
	FlushErr      error
}

// Scheduler decides per sensor whether a sample is due, reads it through the
// routed source, applies transforms and fault rules, and hands forwardable
// samples to the offline queue. It never blocks on hardware: readers serve
// cached values.
type Scheduler struct {
	queue  ports.OfflineQueue
	mesh   MeshDrainer
	uplink ports.Uplink
	obs    ports.Observability

	mu      sync.Mutex
	pol     ports.Policy
	sensors []domain.SensorSpec
	state   map[string]*sensorState
	src     Sources
	latest  map[string]domain.Sample
	// dropped is the queue's eviction count already added to the counter.
	dropped uint64
}

func NewScheduler(sensors []domain.SensorSpec, src Sources, q ports.OfflineQueue, mesh MeshDrainer, up ports.Uplink, pol ports.Policy, obs ports.Observability) *Scheduler {
	s := &Scheduler{
		queue:  q,
		mesh:   mesh,
		uplink: up,
		obs:    obs,
		pol:    pol,
		src:    src,
		latest: map[string]domain.Sample{},
	}
	s.SetSensors(sensors)
	return s
}

// SetSensors swaps the sensor table. Per-sensor state survives for ids that
// remain, so a reconfiguration does not re-publish unchanged COV sensors or
// reset pulse baselines.
func (s *Scheduler) SetSensors(sensors []domain.SensorSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*sensorState, len(sensors))
	for _, spec := range sensors {
		if st, ok := s.state[spec.ID]; ok {
			next[spec.ID] = st
			continue
		}
		next[spec.ID] = &sensorState{}
	}
	for id := range s.latest {
		if _, ok := next[id]; !ok {
			delete(s.latest, id)
		}
	}
	s.sensors = append([]domain.SensorSpec(nil), sensors...)
	s.state = next
}

// SetSources swaps the readers. Callers must have stopped the previous
// generation's hardware before releasing it.
func (s *Scheduler) SetSources(src Sources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

func (s *Scheduler) SetPolicy(pol ports.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pol = pol
}

// Tick runs one pass: due sensors, mesh drain, then one flush attempt.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	s.mu.Lock()
	var rep TickReport
	for _, spec := range s.sensors {
		s.step(spec, now, &rep)
	}
	s.drainMesh(now, &rep)
	pol := s.pol
	s.mu.Unlock()

	s.flush(ctx, pol, &rep)
	s.publishGauges()
	return rep
}

func (s *Scheduler) step(spec domain.SensorSpec, now time.Time, rep *TickReport) {
	st := s.state[spec.ID]
	if now.Before(st.nextDueAt) {
		return
	}
	rep.Due++

	cadence := spec.Interval()
	cov := cadence <= 0
	if cov {
		cadence = s.pol.COVPollInterval()
	}
	st.nextDueAt = now.Add(cadence)

	sample, res := s.read(spec, st, now)
	switch res {
	case readEmpty:
		// Nothing cached yet: retry at the poll cadence instead of a full interval.
		if retry := s.pol.COVPollInterval(); retry < cadence {
			st.nextDueAt = now.Add(retry)
		}
		return
	case readSkipped:
		return
	}
	s.latest[spec.ID] = sample

	if sample.Quality != domain.QualityOK {
		if sample.Quality == domain.QualityUnavailable {
			rep.Unavailable++
		}
		rep.Suppressed++
		s.obs.IncCounter("fieldflow_samples_suppressed_total", 1)
		return
	}
	if cov && st.hasForwarded && !changed(st.lastForwarded, sample.Value) {
		rep.Suppressed++
		return
	}

	st.lastForwarded = sample.Value
	st.hasForwarded = true
	s.queue.Enqueue(sample)
	rep.Enqueued++
	s.obs.IncCounter("fieldflow_samples_enqueued_total", 1)
}

type readOutcome int

const (
	readValue   readOutcome = iota
	readSkipped             // source missing or unhealthy
	readEmpty               // healthy source with no value yet
)

// read produces a sample for spec. Only readValue carries one.
func (s *Scheduler) read(spec domain.SensorSpec, st *sensorState, now time.Time) (domain.Sample, readOutcome) {
	sample := domain.Sample{SensorID: spec.ID, Timestamp: now, Unit: spec.Unit, Source: string(spec.Kind)}

	switch spec.Kind {
	case domain.KindAnalog:
		return s.readAnalog(s.src.Analog, spec, sample, now)
	case domain.KindSimulated:
		return s.readAnalog(s.src.Simulated, spec, sample, now)

	case domain.KindPulse:
		r := s.src.Pulse
		if r == nil || !r.Health().OK {
			return sample, readSkipped
		}
		count, err := r.ReadPulses(spec.Channel)
		if err != nil {
			return s.unavailable(sample, err), readValue
		}
		var delta int64
		if st.hasCount {
			delta = pulseDelta(st.lastCount, count)
		}
		st.lastCount, st.hasCount = count, true
		sample.Value = linear(float64(delta), spec)
		return sample, readValue

	case domain.KindMetric:
		if s.src.Metrics == nil {
			return sample, readSkipped
		}
		name := spec.Metric
		if name == "" {
			name = spec.ID
		}
		v, ok := s.src.Metrics.ReadMetric(name)
		if !ok {
			return sample, readEmpty
		}
		sample.Value = linear(v, spec)
		return sample, readValue

	default:
		sample.Quality = domain.QualityConfigError
		return sample, readValue
	}
}

func (s *Scheduler) readAnalog(r ports.AnalogReader, spec domain.SensorSpec, sample domain.Sample, now time.Time) (domain.Sample, readOutcome) {
	if r == nil || !r.Health().OK {
		return sample, readSkipped
	}

	var (
		volts float64
		ok    bool
		err   error
	)
	if spec.IsRolling() {
		volts, ok, err = s.rollingValue(r, spec, now)
	} else {
		volts, ok, err = r.ReadVoltage(spec.AnalogChannel())
	}
	if err != nil {
		return s.unavailable(sample, err), readValue
	}
	if !ok {
		return sample, readEmpty
	}

	if spec.CurrentLoop != nil {
		sample.Value, sample.Quality = currentLoop(volts, spec)
	} else {
		sample.Value = linear(volts, spec)
	}
	return sample, readValue
}

// rollingValue prefers the rolling sampler's mean and falls back to a bounded
// number of immediate reads while the window is still empty.
func (s *Scheduler) rollingValue(r ports.AnalogReader, spec domain.SensorSpec, now time.Time) (float64, bool, error) {
	if s.src.Rolling != nil {
		if m, ok := s.src.Rolling.Mean(spec.ID, now); ok {
			return m, true, nil
		}
	}
	var (
		sum  float64
		n    int
		errs []error
		ch   = spec.AnalogChannel()
	)
	for i := 0; i < rollingColdSamples; i++ {
		v, ok, err := r.ReadVoltage(ch)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ok:
			sum += v
			n++
		}
	}
	if n > 0 {
		return sum / float64(n), true, nil
	}
	if len(errs) > 0 {
		return 0, false, errors.Join(errs...)
	}
	return 0, false, nil
}

func (s *Scheduler) unavailable(sample domain.Sample, err error) domain.Sample {
	sample.Quality = domain.QualityUnavailable
	s.obs.IncCounter("fieldflow_sensor_read_failures_total", 1)
	s.obs.LogWarn("sensor_read_failed",
		ports.Field{Key: "sensor_id", Value: sample.SensorID},
		ports.Field{Key: "error", Value: err.Error()},
	)
	return sample
}

func (s *Scheduler) drainMesh(now time.Time, rep *TickReport) {
	if s.mesh == nil {
		return
	}
	for _, m := range s.mesh.Drain() {
		age := now.Sub(m.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		id := m.Identifier()
		if s.pol.MaxBackfillSeconds > 0 && age > s.pol.MaxBackfillSeconds {
			rep.MeshStale++
			s.obs.IncCounter("fieldflow_mesh_stale_dropped_total", 1)
			s.obs.LogWarn("mesh_sample_stale",
				ports.Field{Key: "sensor_id", Value: id},
				ports.Field{Key: "age_seconds", Value: age},
			)
			continue
		}
		sample := domain.Sample{
			SensorID:   id,
			Timestamp:  m.Timestamp,
			Value:      m.Value,
			Unit:       m.Unit,
			Source:     "mesh",
			AgeSeconds: &age,
		}
		s.queue.Enqueue(sample)
		s.latest[id] = sample
		rep.MeshForwarded++
		s.obs.IncCounter("fieldflow_mesh_forwarded_total", 1)
	}
}

func (s *Scheduler) flush(ctx context.Context, pol ports.Policy, rep *TickReport) {
	if s.uplink == nil || s.queue.Len() == 0 {
		return
	}
	start := time.Now()
	n, err := s.queue.Flush(ctx, pol.FlushBatchSize, func(ctx context.Context, batch []domain.Sample) error {
		if pol.FlushTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pol.FlushTimeout)
			defer cancel()
		}
		pushed, err := s.uplink.PushSamples(ctx, batch)
		if err != nil {
			return err
		}
		if pushed != len(batch) {
			return fmt.Errorf("%s accepted %d of %d samples", s.uplink.Name(), pushed, len(batch))
		}
		return nil
	})
	rep.Delivered = n
	if err != nil {
		rep.FlushErr = err
		s.obs.IncCounter("fieldflow_flush_failures_total", 1)
		s.obs.LogError("uplink_flush_failed", err,
			ports.Field{Key: "uplink", Value: s.uplink.Name()},
			ports.Field{Key: "queue_depth", Value: s.queue.Len()},
		)
		return
	}
	s.obs.ObserveLatency("fieldflow_flush_latency_seconds", time.Since(start).Seconds())
	s.obs.IncCounter("fieldflow_samples_delivered_total", float64(n))
}

func (s *Scheduler) publishGauges() {
	s.obs.SetGauge("fieldflow_queue_depth", float64(s.queue.Len()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.queue.Dropped(); d > s.dropped {
		s.obs.IncCounter("fieldflow_queue_dropped_total", float64(d-s.dropped))
		s.dropped = d
	}
}

// Backlogged reports whether the runtime should tick at the faster backlog cadence.
func (s *Scheduler) Backlogged() bool { return s.queue.Len() > 0 }
