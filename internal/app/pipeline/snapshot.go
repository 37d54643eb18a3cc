package pipeline

import (
	"sort"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// SensorStatus is the latest observation of one sensor, forwarded or not.
type SensorStatus struct {
	SensorID  string               `json:"sensor_id"`
	Value     float64              `json:"value"`
	Quality   domain.SampleQuality `json:"quality"`
	Label     string               `json:"quality_label"`
	Timestamp time.Time            `json:"ts"`
	Unit      string               `json:"unit,omitempty"`
	Source    string               `json:"source,omitempty"`
}

// DisplaySnapshot is the read model served to status surfaces.
type DisplaySnapshot struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	QueueDepth  int                            `json:"queue_depth"`
	Dropped     uint64                         `json:"dropped"`
	LastError   string                         `json:"last_error,omitempty"`
	BufferState ports.BufferState              `json:"buffer_state"`
	Sensors     []SensorStatus                 `json:"sensors"`
	Health      map[string]domain.AnalogHealth `json:"health,omitempty"`
	Uplink      *ports.StatusSnapshot          `json:"uplink,omitempty"`
}

// Snapshot returns the current read model. Sensors are sorted by id.
func (s *Scheduler) Snapshot(now time.Time) DisplaySnapshot {
	snap := DisplaySnapshot{
		GeneratedAt: now,
		QueueDepth:  s.queue.Len(),
		Dropped:     s.queue.Dropped(),
		LastError:   s.queue.LastError(),
		BufferState: s.queue.State(),
		Health:      map[string]domain.AnalogHealth{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, smp := range s.latest {
		snap.Sensors = append(snap.Sensors, SensorStatus{
			SensorID:  smp.SensorID,
			Value:     smp.Value,
			Quality:   smp.Quality,
			Label:     smp.Quality.String(),
			Timestamp: smp.Timestamp,
			Unit:      smp.Unit,
			Source:    smp.Source,
		})
	}
	sort.Slice(snap.Sensors, func(i, j int) bool { return snap.Sensors[i].SensorID < snap.Sensors[j].SensorID })

	if s.src.Analog != nil {
		snap.Health["analog"] = s.src.Analog.Health()
	}
	if s.src.Pulse != nil {
		snap.Health["pulse"] = s.src.Pulse.Health()
	}
	if s.src.Simulated != nil {
		snap.Health["simulated"] = s.src.Simulated.Health()
	}
	return snap
}
