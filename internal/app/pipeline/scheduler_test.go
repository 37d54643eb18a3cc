package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ghalamif/FieldFlow/internal/adapters/mesh"
	"github.com/ghalamif/FieldFlow/internal/adapters/queue"
	"github.com/ghalamif/FieldFlow/internal/adapters/sampler"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
	"github.com/ghalamif/FieldFlow/internal/testutil"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeAnalog struct {
	mu      sync.Mutex
	volts   map[domain.AnalogChannel]float64
	errs    map[domain.AnalogChannel]error
	healthy bool
	reads   int
}

func newFakeAnalog() *fakeAnalog {
	return &fakeAnalog{volts: map[domain.AnalogChannel]float64{}, errs: map[domain.AnalogChannel]error{}, healthy: true}
}

func (f *fakeAnalog) ReadVoltage(ch domain.AnalogChannel) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.errs[ch]; err != nil {
		return 0, false, err
	}
	v, ok := f.volts[ch]
	return v, ok, nil
}

func (f *fakeAnalog) Health() domain.AnalogHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return domain.AnalogHealth{OK: false, LastError: "data-ready timeout"}
	}
	return domain.AnalogHealth{OK: true}
}

func (f *fakeAnalog) set(ch int, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volts[domain.SingleEnded(ch)] = v
}

type fakePulse struct {
	counts []int64
	i      int
}

func (f *fakePulse) ReadPulses(int) (int64, error) {
	c := f.counts[f.i]
	if f.i < len(f.counts)-1 {
		f.i++
	}
	return c, nil
}

func (f *fakePulse) Health() domain.AnalogHealth { return domain.AnalogHealth{OK: true} }

type fakeUplink struct {
	mu        sync.Mutex
	failLeft  int
	delivered []domain.Sample
	attempts  int
}

func (u *fakeUplink) PushSamples(_ context.Context, batch []domain.Sample) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts++
	if u.failLeft > 0 {
		u.failLeft--
		return 0, errors.New("connection refused")
	}
	u.delivered = append(u.delivered, batch...)
	return len(batch), nil
}

func (u *fakeUplink) Status(context.Context) (ports.StatusSnapshot, bool) {
	return ports.StatusSnapshot{Name: "fake"}, true
}

func (u *fakeUplink) Name() string { return "fake" }

type rollingStub map[string]float64

func (r rollingStub) Mean(id string, _ time.Time) (float64, bool) {
	v, ok := r[id]
	return v, ok
}

func testPolicy() ports.Policy {
	return ports.Policy{
		TelemetryInterval:  time.Second,
		FlushBatchSize:     500,
		MaxBackfillSeconds: 60,
	}
}

func newTestScheduler(sensors []domain.SensorSpec, src Sources, up ports.Uplink) (*Scheduler, *queue.OfflineBuffer, *mesh.Ingress, *testutil.Obs) {
	q := queue.NewOfflineBuffer(100)
	in := mesh.NewIngress(16)
	obs := testutil.NewObs()
	return NewScheduler(sensors, src, q, in, up, testPolicy(), obs), q, in, obs
}

func loopSensor(id string, ch int) domain.SensorSpec {
	return domain.SensorSpec{
		ID:              id,
		Kind:            domain.KindAnalog,
		Channel:         ch,
		IntervalSeconds: 1,
		Unit:            "m",
		CurrentLoop:     &domain.CurrentLoop{ShuntOhms: 250, RangeMin: 0, RangeMax: 10},
	}
}

func TestCurrentLoopFaultsAreNeverForwarded(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 0.5)  // 2 mA, open loop
	analog.set(1, 5.25) // 21 mA, short
	analog.set(2, 3.0)  // 12 mA, mid-scale
	analog.set(3, 0.9)  // 3.6 mA, under-range but above the fault threshold
	up := &fakeUplink{}
	sensors := []domain.SensorSpec{loopSensor("open", 0), loopSensor("short", 1), loopSensor("mid", 2), loopSensor("edge", 3)}
	s, _, _, _ := newTestScheduler(sensors, Sources{Analog: analog}, up)

	rep := s.Tick(context.Background(), t0)
	if rep.Enqueued != 2 || rep.Suppressed != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, smp := range up.delivered {
		if smp.SensorID == "open" || smp.SensorID == "short" {
			t.Fatalf("faulted sensor %s forwarded", smp.SensorID)
		}
	}
	if v := findDelivered(up.delivered, "mid"); v == nil || math.Abs(v.Value-5) > 1e-9 {
		t.Fatalf("expected mid-scale 5 m, got %+v", v)
	}

	snap := s.Snapshot(t0)
	byID := map[string]SensorStatus{}
	for _, st := range snap.Sensors {
		byID[st.SensorID] = st
	}
	if byID["open"].Quality != domain.QualityLowFault || byID["open"].Value != 0 {
		t.Fatalf("expected low fault clamped to 0, got %+v", byID["open"])
	}
	if byID["short"].Quality != domain.QualityHighFault || byID["short"].Value != 10 {
		t.Fatalf("expected high fault clamped to 10, got %+v", byID["short"])
	}
}

func TestCurrentLoopUnitConversionAndConfigError(t *testing.T) {
	spec := loopSensor("level", 0)
	spec.CurrentLoop.Unit = "ft"
	v, q := currentLoop(3.0, spec) // 12 mA → 5 m
	if q != domain.QualityOK || math.Abs(v-5*3.28084) > 1e-9 {
		t.Fatalf("expected 16.4042 ft, got %v q=%v", v, q)
	}

	spec.Scale, spec.Offset = 2, 1
	spec.CurrentLoop.Unit = "cm"
	if v, _ := currentLoop(3.0, spec); math.Abs(v-1001) > 1e-9 {
		t.Fatalf("expected 500 cm * 2 + 1, got %v", v)
	}

	spec.CurrentLoop.ShuntOhms = 0
	if _, q := currentLoop(3.0, spec); q != domain.QualityConfigError {
		t.Fatalf("expected config error for zero shunt, got %v", q)
	}
}

func TestPulseWrapYieldsAbsoluteCount(t *testing.T) {
	pulse := &fakePulse{counts: []int64{100, 150, 20, 25}}
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "flow", Kind: domain.KindPulse, Channel: 0, IntervalSeconds: 1}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Pulse: pulse}, up)

	for i := 0; i < 4; i++ {
		s.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	want := []float64{0, 50, 20, 5}
	if len(up.delivered) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(up.delivered))
	}
	for i, smp := range up.delivered {
		if smp.Value != want[i] {
			t.Fatalf("sample %d: want %v got %v", i, want[i], smp.Value)
		}
		if smp.Value < 0 {
			t.Fatalf("negative delta forwarded")
		}
	}
}

func TestCOVForwardsOnlyOnChange(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 1.0)
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "temp", Kind: domain.KindAnalog, Channel: 0}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog}, up)

	s.Tick(context.Background(), t0)
	s.Tick(context.Background(), t0.Add(time.Second))
	if len(up.delivered) != 1 {
		t.Fatalf("expected one forward for identical readings, got %d", len(up.delivered))
	}

	analog.set(0, 1.0+5e-7)
	s.Tick(context.Background(), t0.Add(2*time.Second))
	if len(up.delivered) != 1 {
		t.Fatalf("change within tolerance should not forward")
	}

	analog.set(0, 1.01)
	s.Tick(context.Background(), t0.Add(3*time.Second))
	if len(up.delivered) != 2 || up.delivered[1].Value != 1.01 {
		t.Fatalf("expected changed value forwarded, got %+v", up.delivered)
	}

	// Polled at the COV cadence, not every tick.
	rep := s.Tick(context.Background(), t0.Add(3*time.Second+250*time.Millisecond))
	if rep.Due != 0 {
		t.Fatalf("expected COV sensor not due inside poll interval")
	}
}

func TestIntervalSensorDueAtCadence(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 2.0)
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "v", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 10, Scale: 2, Offset: 1}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog}, up)

	for _, d := range []time.Duration{0, 5 * time.Second, 9 * time.Second, 10 * time.Second, 15 * time.Second} {
		s.Tick(context.Background(), t0.Add(d))
	}
	if len(up.delivered) != 2 {
		t.Fatalf("expected two samples over 15s at 10s interval, got %d", len(up.delivered))
	}
	if up.delivered[0].Value != 5 {
		t.Fatalf("expected 2*2+1=5, got %v", up.delivered[0].Value)
	}
}

func TestColdCacheRetriesAtPollCadence(t *testing.T) {
	analog := newFakeAnalog()
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "slow", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 60}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog}, up)

	s.Tick(context.Background(), t0)
	if len(up.delivered) != 0 {
		t.Fatalf("expected nothing before the cache fills")
	}

	analog.set(0, 3.0)
	s.Tick(context.Background(), t0.Add(500*time.Millisecond))
	if len(up.delivered) != 0 {
		t.Fatalf("retry should wait for the poll cadence")
	}
	s.Tick(context.Background(), t0.Add(time.Second))
	if len(up.delivered) != 1 || up.delivered[0].Value != 3.0 {
		t.Fatalf("expected first sample one poll after the cache filled, got %+v", up.delivered)
	}

	s.Tick(context.Background(), t0.Add(30*time.Second))
	if len(up.delivered) != 1 {
		t.Fatalf("expected the normal 60s cadence once a value was read")
	}
}

func TestUnhealthySourceProducesNothingUntilRecovery(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 1.5)
	analog.healthy = false
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "a", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1}
	s, q, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog}, up)

	s.Tick(context.Background(), t0)
	s.Tick(context.Background(), t0.Add(500*time.Millisecond))
	if q.Len() != 0 || len(up.delivered) != 0 || analog.reads != 0 {
		t.Fatalf("expected no reads or samples while unhealthy")
	}

	analog.healthy = true
	s.Tick(context.Background(), t0.Add(700*time.Millisecond))
	if len(up.delivered) != 0 {
		t.Fatalf("sensor should wait for its normal cadence, not spin")
	}
	s.Tick(context.Background(), t0.Add(time.Second))
	if len(up.delivered) != 1 {
		t.Fatalf("expected sample after recovery, got %d", len(up.delivered))
	}
}

func TestReadErrorIsIsolatedPerSensor(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(1, 1.0)
	analog.errs[domain.SingleEnded(0)] = errors.New("checksum mismatch")
	up := &fakeUplink{}
	sensors := []domain.SensorSpec{
		{ID: "bad", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1},
		{ID: "good", Kind: domain.KindAnalog, Channel: 1, IntervalSeconds: 1},
	}
	s, _, _, obs := newTestScheduler(sensors, Sources{Analog: analog}, up)

	rep := s.Tick(context.Background(), t0)
	if rep.Unavailable != 1 || rep.Enqueued != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(up.delivered) != 1 || up.delivered[0].SensorID != "good" {
		t.Fatalf("expected only the healthy sensor forwarded, got %+v", up.delivered)
	}
	snap := s.Snapshot(t0)
	if snap.Sensors[0].SensorID != "bad" || snap.Sensors[0].Quality != domain.QualityUnavailable {
		t.Fatalf("expected unavailable quality recorded, got %+v", snap.Sensors[0])
	}
	if len(obs.Warns) != 1 {
		t.Fatalf("expected read failure logged, got %v", obs.Warns)
	}
}

func TestMeshBackfillBoundary(t *testing.T) {
	up := &fakeUplink{}
	s, _, in, obs := newTestScheduler(nil, Sources{}, up)
	now := t0

	in.Push(domain.MeshSample{DeviceID: "n1", Endpoint: 1, Cluster: "temp", Attribute: "v", Value: 1, Timestamp: now.Add(-61 * time.Second)})
	in.Push(domain.MeshSample{SensorID: "at_limit", Value: 2, Timestamp: now.Add(-60 * time.Second)})
	in.Push(domain.MeshSample{SensorID: "just_under", Value: 3, Timestamp: now.Add(-59900 * time.Millisecond)})
	in.Push(domain.MeshSample{SensorID: "future", Value: 4, Timestamp: now.Add(5 * time.Second)})

	rep := s.Tick(context.Background(), now)
	if rep.MeshStale != 1 || rep.MeshForwarded != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(up.delivered) != 3 {
		t.Fatalf("expected three mesh samples forwarded, got %d", len(up.delivered))
	}
	ids := []string{"at_limit", "just_under", "future"}
	for i, smp := range up.delivered {
		if smp.SensorID != ids[i] {
			t.Fatalf("expected arrival order %v, got %s at %d", ids, smp.SensorID, i)
		}
		if smp.AgeSeconds == nil {
			t.Fatalf("expected age on %s", smp.SensorID)
		}
	}
	if *up.delivered[0].AgeSeconds != 60 {
		t.Fatalf("expected age 60, got %v", *up.delivered[0].AgeSeconds)
	}
	if *up.delivered[2].AgeSeconds != 0 {
		t.Fatalf("expected future sample clamped to age 0, got %v", *up.delivered[2].AgeSeconds)
	}
	if obs.Counter("fieldflow_mesh_stale_dropped_total") != 1 {
		t.Fatalf("expected stale counter")
	}
}

func TestThreeFailedFlushesThenSuccessDeliversOrderedUnion(t *testing.T) {
	analog := newFakeAnalog()
	up := &fakeUplink{failLeft: 3}
	spec := domain.SensorSpec{ID: "a", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1}
	s, q, _, obs := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog}, up)

	var want []float64
	for i := 0; i < 4; i++ {
		v := float64(i + 1)
		analog.set(0, v)
		want = append(want, v)
		rep := s.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
		if i < 3 {
			if rep.FlushErr == nil || q.State() != queue.StateDegraded {
				t.Fatalf("tick %d: expected degraded after failed flush", i)
			}
			if q.Len() != i+1 {
				t.Fatalf("tick %d: failed flush changed queue length to %d", i, q.Len())
			}
		}
	}

	if len(up.delivered) != len(want) {
		t.Fatalf("expected %d delivered, got %d", len(want), len(up.delivered))
	}
	for i, smp := range up.delivered {
		if smp.Value != want[i] {
			t.Fatalf("position %d: want %v got %v", i, want[i], smp.Value)
		}
	}
	if q.Len() != 0 || q.State() != queue.StateDraining || q.LastError() != "" {
		t.Fatalf("expected drained queue, len=%d state=%s", q.Len(), q.State())
	}
	if obs.Counter("fieldflow_flush_failures_total") != 3 {
		t.Fatalf("expected three flush failures counted")
	}
}

func TestRollingSensorUsesMeanThenColdFallback(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 4.0)
	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "tank", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1, RollingWindowSeconds: 30}
	rolling := rollingStub{}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog, Rolling: rolling}, up)

	s.Tick(context.Background(), t0)
	if analog.reads != rollingColdSamples {
		t.Fatalf("expected %d cold reads, got %d", rollingColdSamples, analog.reads)
	}
	if up.delivered[0].Value != 4.0 {
		t.Fatalf("expected cold average 4.0, got %v", up.delivered[0].Value)
	}

	rolling["tank"] = 5.0
	s.Tick(context.Background(), t0.Add(time.Second))
	if up.delivered[1].Value != 5.0 || analog.reads != rollingColdSamples {
		t.Fatalf("expected rolling mean without extra reads, got %v reads=%d", up.delivered[1].Value, analog.reads)
	}
}

func TestQuietRollingChannelForwardsNothing(t *testing.T) {
	analog := newFakeAnalog()
	live := true
	rolling := sampler.NewRolling(10, sampler.RollingTarget{
		SensorID: "r",
		Channel:  domain.SingleEnded(0),
		Window:   10 * time.Second,
		Read: func(domain.AnalogChannel) (float64, bool) {
			return 5.0, live
		},
	})
	rolling.Sample(t0)

	up := &fakeUplink{}
	spec := domain.SensorSpec{ID: "r", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1, RollingWindowSeconds: 10}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{spec}, Sources{Analog: analog, Rolling: rolling}, up)

	live = false
	for k := 1; k <= 600; k++ {
		rolling.Sample(t0.Add(time.Duration(k) * 100 * time.Millisecond))
	}
	rep := s.Tick(context.Background(), t0.Add(60*time.Second))
	if rep.Enqueued != 0 || len(up.delivered) != 0 {
		t.Fatalf("expected nothing forwarded from a quiet channel, got %+v", up.delivered)
	}
}

func TestQueueEvictionsCountedOnce(t *testing.T) {
	analog := newFakeAnalog()
	var sensors []domain.SensorSpec
	for ch := 0; ch < 4; ch++ {
		analog.set(ch, float64(ch))
		sensors = append(sensors, domain.SensorSpec{ID: string(rune('a' + ch)), Kind: domain.KindAnalog, Channel: ch, IntervalSeconds: 1})
	}
	up := &fakeUplink{failLeft: 10}
	q := queue.NewOfflineBuffer(2)
	obs := testutil.NewObs()
	s := NewScheduler(sensors, Sources{Analog: analog}, q, mesh.NewIngress(4), up, testPolicy(), obs)

	s.Tick(context.Background(), t0)
	if got := obs.Counter("fieldflow_queue_dropped_total"); got != 2 {
		t.Fatalf("expected 2 evictions counted, got %v", got)
	}
	s.Tick(context.Background(), t0.Add(time.Second))
	if got := obs.Counter("fieldflow_queue_dropped_total"); got != 6 || q.Dropped() != 6 {
		t.Fatalf("expected counter to follow the queue's total of 6, got %v (queue %d)", got, q.Dropped())
	}
}

func TestSnapshotReportsSimulatedHealth(t *testing.T) {
	sim := newFakeAnalog()
	sim.healthy = false
	s, _, _, _ := newTestScheduler(nil, Sources{Simulated: sim}, &fakeUplink{})

	snap := s.Snapshot(t0)
	h, ok := snap.Health["simulated"]
	if !ok || h.OK || h.LastError != "data-ready timeout" {
		t.Fatalf("expected simulated health in snapshot, got %+v", snap.Health)
	}
	if _, ok := snap.Health["analog"]; ok {
		t.Fatalf("unexpected analog health without an analog source")
	}
}

func TestMetricSensorAbsenceIsNotAnError(t *testing.T) {
	metrics := metricMap{"battery_soc": 87}
	up := &fakeUplink{}
	sensors := []domain.SensorSpec{
		{ID: "soc", Kind: domain.KindMetric, Metric: "battery_soc", IntervalSeconds: 1},
		{ID: "pv_watts", Kind: domain.KindMetric, IntervalSeconds: 1},
	}
	s, _, _, obs := newTestScheduler(sensors, Sources{Metrics: metrics}, up)

	rep := s.Tick(context.Background(), t0)
	if rep.Enqueued != 1 || rep.Unavailable != 0 || obs.ErrorCount() != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if up.delivered[0].SensorID != "soc" || up.delivered[0].Value != 87 {
		t.Fatalf("unexpected sample %+v", up.delivered[0])
	}
}

func TestSetSensorsKeepsStateForSurvivingIDs(t *testing.T) {
	analog := newFakeAnalog()
	analog.set(0, 1.0)
	up := &fakeUplink{}
	cov := domain.SensorSpec{ID: "temp", Kind: domain.KindAnalog, Channel: 0}
	s, _, _, _ := newTestScheduler([]domain.SensorSpec{cov}, Sources{Analog: analog}, up)

	s.Tick(context.Background(), t0)
	s.SetSensors([]domain.SensorSpec{cov, {ID: "new", Kind: domain.KindAnalog, Channel: 0, IntervalSeconds: 1}})
	s.Tick(context.Background(), t0.Add(time.Second))
	if len(up.delivered) != 2 || up.delivered[1].SensorID != "new" {
		t.Fatalf("expected only the new sensor to publish, got %+v", up.delivered)
	}
}

func TestHeartbeatCarriesSystemError(t *testing.T) {
	s, _, _, _ := newTestScheduler(nil, Sources{}, nil)
	hb := BuildHeartbeat("agent-1", t0, failingSystem{}, s.Snapshot(t0))
	if hb.Error == "" || hb.AgentID != "agent-1" || hb.Status.BufferState != queue.StateDraining {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
}

type metricMap map[string]float64

func (m metricMap) ReadMetric(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}

type failingSystem struct{}

func (failingSystem) Read() (domain.SystemMetrics, error) {
	return domain.SystemMetrics{}, errors.New("sysinfo: not supported")
}

func findDelivered(samples []domain.Sample, id string) *domain.Sample {
	for i := range samples {
		if samples[i].SensorID == id {
			return &samples[i]
		}
	}
	return nil
}
