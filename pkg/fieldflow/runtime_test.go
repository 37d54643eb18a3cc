package fieldflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
	"github.com/ghalamif/FieldFlow/internal/testutil"
)

const baseYAML = `
agent:
  id: test-agent
  tick_interval: 20ms
  backlog_tick_interval: 10ms
metrics:
  addr: "off"
uplink:
  kind: none
`

func testConfig(t *testing.T, extra string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(baseYAML + extra))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

type recordingUplink struct {
	mu      sync.Mutex
	batches [][]Sample
	fail    bool
	beats   []any
}

func (u *recordingUplink) PushSamples(_ context.Context, batch []Sample) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return 0, errors.New("uplink down")
	}
	u.batches = append(u.batches, append([]Sample(nil), batch...))
	return len(batch), nil
}

func (u *recordingUplink) Status(context.Context) (ports.StatusSnapshot, bool) {
	return ports.StatusSnapshot{Name: "recording", Connected: true}, true
}

func (u *recordingUplink) Name() string { return "recording" }

func (u *recordingUplink) PublishHeartbeat(_ context.Context, payload any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.beats = append(u.beats, payload)
	return nil
}

func (u *recordingUplink) samples() []Sample {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []Sample
	for _, b := range u.batches {
		out = append(out, b...)
	}
	return out
}

func (u *recordingUplink) find(id string) (Sample, bool) {
	for _, s := range u.samples() {
		if s.SensorID == id {
			return s, true
		}
	}
	return Sample{}, false
}

type fixedSystem struct{}

func (fixedSystem) Read() (domain.SystemMetrics, error) {
	return domain.SystemMetrics{CPUPercent: 12, MemUsedBytes: 1 << 20, MemTotalBytes: 1 << 30, UptimeSeconds: 99}, nil
}

func TestRuntimeSimulatedEndToEnd(t *testing.T) {
	cfg := testConfig(t, `
hardware:
  analog: {enabled: true, driver: simulated}
  pulse: {enabled: true, driver: simulated}
sensors:
  - {id: tank, kind: analog, channel: 0, interval_seconds: 60, scale: 2, unit: m}
  - {id: flow, kind: pulse, channel: 1, interval_seconds: 60}
  - {id: battery, kind: metric, metric: battery_volts, interval_seconds: 60}
`)
	sim := NewSimulator(SimulatorConfig{})
	sim.SetVoltage(domain.SingleEnded(0), 1.5)
	sim.SetMetric("battery_volts", 12.7)
	up := &recordingUplink{}

	rt, err := New(cfg, WithUplink(up), WithSimulator(sim), WithObservability(testutil.NewObs()), WithSystemReader(fixedSystem{}))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Shutdown(context.Background())

	testutil.Eventually(t, 2*time.Second, "all sensors delivered", func() bool {
		_, a := up.find("tank")
		_, b := up.find("flow")
		_, c := up.find("battery")
		return a && b && c
	})

	tank, _ := up.find("tank")
	if tank.Value != 3.0 || tank.Unit != "m" || tank.Quality != QualityOK {
		t.Fatalf("unexpected tank sample %+v", tank)
	}
	if flow, _ := up.find("flow"); flow.Value != 0 {
		t.Fatalf("first pulse reading is a baseline, got %v", flow.Value)
	}
	if bat, _ := up.find("battery"); bat.Value != 12.7 {
		t.Fatalf("unexpected battery sample %+v", bat)
	}

	snap := rt.Snapshot(context.Background())
	if len(snap.Sensors) != 3 || snap.Uplink == nil || snap.Uplink.Name != "recording" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
}

func TestRuntimePublishMeshForwardsWithAge(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(t, "")
	up := &recordingUplink{}
	rt, err := New(cfg, WithUplink(up), WithObservability(testutil.NewObs()), withClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	rt.PublishMesh(MeshSample{DeviceID: "node-4", Endpoint: 1, Cluster: "temperature", Attribute: "measured", Value: 21.5, Timestamp: now.Add(-30 * time.Second)})
	rt.PublishMesh(MeshSample{SensorID: "old", Value: 1, Timestamp: now.Add(-2 * time.Hour)})

	rep := rt.Tick(context.Background())
	if rep.MeshForwarded != 1 || rep.MeshStale != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, ok := up.find("node-4/1/temperature/measured")
	if !ok || got.AgeSeconds == nil || *got.AgeSeconds != 30 {
		t.Fatalf("unexpected mesh sample %+v", got)
	}
}

func TestRuntimeReconfigureReleasesHardware(t *testing.T) {
	hw := `
hardware:
  analog:
    enabled: true
    driver: ads1263
    sample_interval: 5ms
    ads1263: {drdy_timeout: 50ms}
sensors:
  - {id: pressure, kind: analog, channel: 0, interval_seconds: 1}
`
	bus := testutil.NewADS1263Bus()
	bus.Raw = 1 << 28
	obs := testutil.NewObs()
	up := &recordingUplink{}

	rt, err := New(testConfig(t, hw), WithUplink(up), WithObservability(obs),
		withBus(func() (ads1263.Bus, error) { return bus, nil }))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if bus.Claimed() != 3 {
		t.Fatalf("expected 3 GPIO lines held, got %d", bus.Claimed())
	}
	testutil.Eventually(t, 2*time.Second, "first pressure sample", func() bool {
		_, ok := up.find("pressure")
		return ok
	})

	// The same pins must be claimable by the next generation.
	if err := rt.Reconfigure(testConfig(t, hw)); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if h := rt.Snapshot(context.Background()).Health["analog"]; !h.OK {
		t.Fatalf("analog unhealthy after reconfigure: %+v", h)
	}
	if obs.Counter("fieldflow_hardware_reconfigures_total") != 1 {
		t.Fatalf("reconfigure not counted")
	}

	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if bus.Claimed() != 0 {
		t.Fatalf("expected every GPIO line released, %d still held", bus.Claimed())
	}
}

func TestRuntimeStatusHandler(t *testing.T) {
	up := &recordingUplink{}
	rt, err := New(testConfig(t, ""), WithUplink(up), WithObservability(testutil.NewObs()))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	var snap DisplaySnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.BufferState != ports.BufferDraining || snap.Uplink == nil || snap.Uplink.Name != "recording" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status must be read-only, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRuntimeHeartbeat(t *testing.T) {
	up := &recordingUplink{}
	rt, err := New(testConfig(t, ""), WithUplink(up), WithObservability(testutil.NewObs()), WithSystemReader(fixedSystem{}))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	rt.beat(context.Background())

	if len(up.beats) != 1 {
		t.Fatalf("expected one heartbeat, got %d", len(up.beats))
	}
	hb, ok := up.beats[0].(Heartbeat)
	if !ok || hb.AgentID != "test-agent" || hb.System.CPUPercent != 12 {
		t.Fatalf("unexpected heartbeat %+v", up.beats[0])
	}
}

func TestRuntimeHeartbeatLoggedWithoutPublisher(t *testing.T) {
	obs := testutil.NewObs()
	up := NewCallbackUplink("cb", func(context.Context, []Sample) error { return nil })
	rt, err := New(testConfig(t, ""), WithUplink(up), WithObservability(obs), WithSystemReader(fixedSystem{}))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	rt.beat(context.Background())
	if !obs.HasInfo("heartbeat") {
		t.Fatalf("expected heartbeat to be logged")
	}
}

func TestNewRequiresUplinkForKindNone(t *testing.T) {
	if _, err := New(testConfig(t, ""), WithObservability(testutil.NewObs())); err == nil {
		t.Fatalf("expected error without an uplink")
	}
}

func TestNextTick(t *testing.T) {
	pol := Policy{TickInterval: 250 * time.Millisecond, BacklogTickInterval: 100 * time.Millisecond}
	if d := nextTick(pol, false, nil); d != 250*time.Millisecond {
		t.Fatalf("idle: %s", d)
	}
	if d := nextTick(pol, true, nil); d != 100*time.Millisecond {
		t.Fatalf("backlogged: %s", d)
	}
	if d := nextTick(pol, true, errors.New("down")); d != 250*time.Millisecond {
		t.Fatalf("degraded: %s", d)
	}
}
