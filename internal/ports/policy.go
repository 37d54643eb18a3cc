package ports

import "time"

type Policy struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	BacklogTickInterval time.Duration `yaml:"backlog_tick_interval"`
	TelemetryInterval   time.Duration `yaml:"telemetry_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	QueueCapacity       int           `yaml:"queue_capacity"`
	FlushBatchSize      int           `yaml:"flush_batch_size"`
	FlushTimeout        time.Duration `yaml:"flush_timeout"`
	MaxBackfillSeconds  float64       `yaml:"max_backfill_seconds"`
}

// COVPollInterval is the fixed cadence for publish-on-change sensors.
func (p Policy) COVPollInterval() time.Duration {
	if p.TelemetryInterval <= 0 || p.TelemetryInterval > time.Second {
		return time.Second
	}
	return p.TelemetryInterval
}
