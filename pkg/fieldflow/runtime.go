package fieldflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
	"github.com/ghalamif/FieldFlow/internal/adapters/hardware"
	"github.com/ghalamif/FieldFlow/internal/adapters/mesh"
	"github.com/ghalamif/FieldFlow/internal/adapters/observability"
	"github.com/ghalamif/FieldFlow/internal/adapters/opcua"
	"github.com/ghalamif/FieldFlow/internal/adapters/queue"
	"github.com/ghalamif/FieldFlow/internal/adapters/sysmetrics"
	"github.com/ghalamif/FieldFlow/internal/adapters/uplink"
	"github.com/ghalamif/FieldFlow/internal/app/pipeline"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Option customizes the dependencies used by Runtime.
type Option func(*runtimeOverrides)

type runtimeOverrides struct {
	uplink        ports.Uplink
	observability ports.Observability
	metrics       ports.MetricSource
	simulator     *hardware.Simulator
	system        pipeline.SystemReader
	registry      *prometheus.Registry
	logger        *slog.Logger
	bus           func() (ads1263.Bus, error)
	now           func() time.Time
}

// WithUplink injects a custom uplink so samples can be sent to any database or API.
func WithUplink(u Uplink) Option {
	return func(o *runtimeOverrides) {
		o.uplink = u
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) Option {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithMetricSource adds a collaborator consulted for metric sensors after the
// OPC UA source.
func WithMetricSource(m MetricSource) Option {
	return func(o *runtimeOverrides) {
		o.metrics = m
	}
}

// WithSimulator backs simulated sensors (and simulated drivers) with sim, so
// the caller can drive values.
func WithSimulator(sim *Simulator) Option {
	return func(o *runtimeOverrides) {
		o.simulator = sim
	}
}

// WithRegistry registers metrics on reg and serves /metrics from it instead of
// the global default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithLogger replaces the logger built from the log config section.
func WithLogger(l *slog.Logger) Option {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithSystemReader replaces the host metrics reader used for heartbeats.
func WithSystemReader(sys SystemReader) Option {
	return func(o *runtimeOverrides) {
		o.system = sys
	}
}

func withBus(open func() (ads1263.Bus, error)) Option {
	return func(o *runtimeOverrides) {
		o.bus = open
	}
}

func withClock(now func() time.Time) Option {
	return func(o *runtimeOverrides) {
		o.now = now
	}
}

// Runtime wires hardware readers → scheduler → offline buffer → uplink, plus
// the mesh bridge, metric sources, heartbeat and the metrics/status server.
type Runtime struct {
	obs      ports.Observability
	queue    *queue.OfflineBuffer
	ingress  *mesh.Ingress
	uplink   ports.Uplink
	sched    *pipeline.Scheduler
	meshSrc  ports.Collector
	opcuaSrc *opcua.MetricSource
	metrics  hardware.MetricChain
	system   pipeline.SystemReader
	hwDeps   hardware.Deps
	gatherer prometheus.Gatherer
	now      func() time.Time
	closers  []func() error

	cfg atomic.Pointer[Config]

	mu      sync.Mutex
	hw      *hardware.Set
	srv     *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New bootstraps the default adapters from cfg (uplink by uplink.kind, mesh
// MQTT bridge, OPC UA metric source, Prometheus observability). Options
// override any of them.
func New(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	r := &Runtime{now: overrides.now, system: overrides.system}
	r.cfg.Store(cfg)
	if r.now == nil {
		r.now = time.Now
	}
	if r.system == nil {
		r.system = sysmetrics.NewReader()
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	r.gatherer = prometheus.DefaultGatherer
	if overrides.registry != nil {
		reg, r.gatherer = overrides.registry, overrides.registry
	}

	r.obs = overrides.observability
	if r.obs == nil {
		logger := overrides.logger
		if logger == nil {
			logger = NewLogger(cfg.Log)
		}
		r.obs = observability.NewPromObs(reg, logger)
	}

	r.queue = queue.NewOfflineBuffer(cfg.Agent.QueueCapacity)
	r.ingress = mesh.NewIngress(cfg.Mesh.IngressCapacity)

	r.uplink = overrides.uplink
	if r.uplink == nil {
		up, closer, err := openUplink(cfg)
		if err != nil {
			return nil, err
		}
		r.uplink = up
		r.closers = append(r.closers, closer)
	}

	if cfg.OPCUA.Enabled {
		src, err := opcua.NewMetricSource(cfg.OPCUA, r.obs)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("opcua: %w", err)
		}
		r.opcuaSrc = src
		r.metrics = append(r.metrics, src)
	}
	if overrides.metrics != nil {
		r.metrics = append(r.metrics, overrides.metrics)
	}
	if overrides.simulator != nil {
		r.metrics = append(r.metrics, overrides.simulator)
	}

	if cfg.Mesh.Enabled {
		r.meshSrc = mesh.NewMQTTSource(cfg.Mesh, nil, r.obs)
	}

	r.hwDeps = hardware.Deps{
		Bus:       overrides.bus,
		Simulator: overrides.simulator,
		Metrics:   r.metrics,
		Obs:       r.obs,
		Now:       r.now,
	}
	r.sched = pipeline.NewScheduler(cfg.Sensors, pipeline.Sources{}, r.queue, r.ingress, r.uplink, cfg.Agent.Policy, r.obs)
	return r, nil
}

func openUplink(cfg *Config) (ports.Uplink, func() error, error) {
	switch cfg.Uplink.Kind {
	case "timescale":
		up, err := uplink.OpenTimescale(cfg.Uplink.Timescale.ConnString, cfg.Uplink.Timescale.Table)
		if err != nil {
			return nil, nil, err
		}
		return up, up.Close, nil
	case "mqtt":
		up, err := uplink.NewMQTT(cfg.Uplink.MQTT, cfg.Agent.ID, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt uplink: %w", err)
		}
		return up, up.Close, nil
	case "clickhouse":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		up, err := uplink.OpenClickHouse(ctx, cfg.Uplink.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		return up, up.Close, nil
	default:
		return nil, nil, fmt.Errorf("uplink.kind %q requires WithUplink", cfg.Uplink.Kind)
	}
}

// NewLogger builds the slog logger described by the log section.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Start brings up hardware, collaborators, the scheduler loop, heartbeats and
// the metrics server. It returns immediately; call Run to block instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}

	// Collaborators being unreachable is not fatal: metric sensors read as
	// absent and mesh samples simply do not arrive.
	if r.opcuaSrc != nil {
		if err := r.opcuaSrc.Start(ctx); err != nil {
			r.obs.LogError("opcua_unavailable", err)
		}
	}
	if r.meshSrc != nil {
		if err := r.meshSrc.Start(r.ingress); err != nil {
			r.obs.LogError("mesh_unavailable", err)
		}
	}

	cfg := r.cfg.Load()
	r.hw = hardware.Build(cfg.Hardware, cfg.Sensors, r.hwDeps)
	r.sched.SetSources(sourcesOf(r.hw))

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(2)
	go r.loop(loopCtx)
	go r.heartbeatLoop(loopCtx)

	r.startServer(cfg.Metrics.Addr)
	r.started = true
	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "agent_id", Value: cfg.Agent.ID},
		ports.Field{Key: "sensors", Value: len(cfg.Sensors)},
		ports.Field{Key: "uplink", Value: r.uplink.Name()},
	)
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops samplers and releases hardware first, then the scheduler
// loop, then the mesh bridge, metric source, uplink and metrics server.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return r.closeAll()
	}
	r.started = false

	var errs []error
	r.sched.SetSources(pipeline.Sources{})
	if r.hw != nil {
		if err := r.hw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hardware: %w", err))
		}
		r.hw = nil
	}

	r.cancel()
	r.wg.Wait()

	if r.meshSrc != nil {
		if err := r.meshSrc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.opcuaSrc != nil {
		if err := r.opcuaSrc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.closeAll(); err != nil {
		errs = append(errs, err)
	}
	if r.srv != nil {
		if err := r.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		r.srv = nil
	}
	r.obs.LogInfo("runtime_stopped", ports.Field{Key: "queue_depth", Value: r.queue.Len()})
	return errors.Join(errs...)
}

func (r *Runtime) closeAll() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Reconfigure swaps in a new configuration generation. The previous hardware
// set is fully stopped and released before the new one is built, so the same
// SPI device and GPIO lines can be claimed again. Uplink, mesh, OPC UA and
// metrics settings take effect on restart only.
func (r *Runtime) Reconfigure(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cfg.Load()
	if !reflect.DeepEqual(old.Uplink, cfg.Uplink) || !reflect.DeepEqual(old.Mesh, cfg.Mesh) ||
		!reflect.DeepEqual(old.OPCUA, cfg.OPCUA) || old.Metrics != cfg.Metrics {
		r.obs.LogWarn("reconfigure_requires_restart",
			ports.Field{Key: "sections", Value: "uplink, mesh, opcua, metrics"})
	}

	var err error
	if r.started {
		r.sched.SetSources(pipeline.Sources{})
		if r.hw != nil {
			if cerr := r.hw.Close(); cerr != nil {
				err = fmt.Errorf("release hardware: %w", cerr)
				r.obs.LogError("hardware_release_failed", cerr)
			}
		}
		r.hw = hardware.Build(cfg.Hardware, cfg.Sensors, r.hwDeps)
	}

	r.sched.SetSensors(cfg.Sensors)
	r.sched.SetPolicy(cfg.Agent.Policy)
	if r.started {
		r.sched.SetSources(sourcesOf(r.hw))
	}
	r.cfg.Store(cfg)
	r.obs.IncCounter("fieldflow_hardware_reconfigures_total", 1)
	r.obs.LogInfo("runtime_reconfigured", ports.Field{Key: "sensors", Value: len(cfg.Sensors)})
	return err
}

// PublishMesh hands a mesh sample to the scheduler. Safe from any goroutine.
// It reports false when the ingress queue was full and the oldest sample was
// dropped.
func (r *Runtime) PublishMesh(s MeshSample) bool {
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}
	ok := r.ingress.Push(s)
	if !ok {
		r.obs.IncCounter("fieldflow_mesh_ingress_dropped_total", 1)
	}
	return ok
}

// Snapshot returns the status read model including the uplink's status.
func (r *Runtime) Snapshot(ctx context.Context) DisplaySnapshot {
	snap := r.sched.Snapshot(r.now())
	if st, ok := r.uplink.Status(ctx); ok {
		snap.Uplink = &st
	}
	return snap
}

// Tick runs one scheduler pass immediately.
func (r *Runtime) Tick(ctx context.Context) pipeline.TickReport {
	return r.sched.Tick(ctx, r.now())
}

func (r *Runtime) policy() ports.Policy {
	return r.cfg.Load().Agent.Policy
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		rep := r.sched.Tick(ctx, r.now())
		timer.Reset(nextTick(r.policy(), r.sched.Backlogged(), rep.FlushErr))
	}
}

// nextTick drains a backlog quickly while the uplink accepts batches and falls
// back to the normal cadence while it is failing.
func nextTick(pol ports.Policy, backlogged bool, flushErr error) time.Duration {
	if backlogged && flushErr == nil && pol.BacklogTickInterval > 0 {
		return pol.BacklogTickInterval
	}
	if pol.TickInterval > 0 {
		return pol.TickInterval
	}
	return 250 * time.Millisecond
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	interval := r.policy().HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runtime) beat(ctx context.Context) {
	agentID := r.cfg.Load().Agent.ID

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	hb := pipeline.BuildHeartbeat(agentID, r.now(), r.system, r.Snapshot(ctx))

	if pub, ok := r.uplink.(ports.HeartbeatPublisher); ok {
		if err := pub.PublishHeartbeat(ctx, hb); err != nil {
			r.obs.LogWarn("heartbeat_publish_failed", ports.Field{Key: "error", Value: err.Error()})
			return
		}
		r.obs.IncCounter("fieldflow_heartbeats_published_total", 1)
		return
	}
	r.obs.LogInfo("heartbeat",
		ports.Field{Key: "agent_id", Value: hb.AgentID},
		ports.Field{Key: "cpu_percent", Value: hb.System.CPUPercent},
		ports.Field{Key: "mem_used_bytes", Value: hb.System.MemUsedBytes},
		ports.Field{Key: "queue_depth", Value: hb.Status.QueueDepth},
		ports.Field{Key: "buffer_state", Value: string(hb.Status.BufferState)},
	)
}

func sourcesOf(set *hardware.Set) pipeline.Sources {
	src := pipeline.Sources{
		Analog:    set.Analog,
		Pulse:     set.Pulse,
		Metrics:   set.Metrics,
		Simulated: set.Simulated,
	}
	if set.Rolling != nil {
		src.Rolling = set.Rolling
	}
	return src
}
