package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/FieldFlow/internal/ports"
)

// PromObs implements ports.Observability with Prometheus collectors and a
// structured slog logger. Unknown metric names are ignored.
type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the agent's collectors on reg. A nil reg uses the
// default registerer; a nil logger uses slog.Default.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	counters := map[string]prometheus.Counter{
		"fieldflow_samples_enqueued_total":      counter("fieldflow_samples_enqueued_total", "Samples accepted into the offline buffer."),
		"fieldflow_samples_delivered_total":     counter("fieldflow_samples_delivered_total", "Samples acknowledged by the uplink."),
		"fieldflow_samples_suppressed_total":    counter("fieldflow_samples_suppressed_total", "Samples withheld because of a fault quality."),
		"fieldflow_sensor_read_failures_total":  counter("fieldflow_sensor_read_failures_total", "Sensor reads that returned an error."),
		"fieldflow_flush_failures_total":        counter("fieldflow_flush_failures_total", "Uplink flush attempts that failed."),
		"fieldflow_mesh_forwarded_total":        counter("fieldflow_mesh_forwarded_total", "Mesh samples forwarded to the offline buffer."),
		"fieldflow_mesh_stale_dropped_total":    counter("fieldflow_mesh_stale_dropped_total", "Mesh samples dropped for exceeding the backfill limit."),
		"fieldflow_mesh_ingress_dropped_total":  counter("fieldflow_mesh_ingress_dropped_total", "Mesh samples displaced by a full ingress queue."),
		"fieldflow_heartbeats_published_total":  counter("fieldflow_heartbeats_published_total", "Heartbeats sent upstream."),
		"fieldflow_hardware_reconfigures_total": counter("fieldflow_hardware_reconfigures_total", "Hardware reader rebuilds."),
		"fieldflow_queue_dropped_total":         counter("fieldflow_queue_dropped_total", "Samples evicted from the full offline buffer."),
	}
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fieldflow_queue_depth",
		Help: "Samples waiting in the offline buffer.",
	})
	flushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldflow_flush_latency_seconds",
		Help:    "Latency of successful uplink flushes.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	collectors := []prometheus.Collector{queueDepth, flushLatency}
	for _, c := range counters {
		collectors = append(collectors, c)
	}
	reg.MustRegister(collectors...)

	return &PromObs{
		logger:   logger,
		counters: counters,
		gauges: map[string]prometheus.Gauge{
			"fieldflow_queue_depth": queueDepth,
		},
		histos: map[string]prometheus.Observer{
			"fieldflow_flush_latency_seconds": flushLatency,
		},
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.logger.Warn(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	a := attrs(fields)
	if err != nil {
		a = append(a, "error", err.Error())
	}
	p.logger.Error(msg, a...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	a := append(attrs(fields), "critical", true)
	if err != nil {
		a = append(a, "error", err.Error())
	}
	p.logger.Error(msg, a...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

var _ ports.Observability = (*PromObs)(nil)
