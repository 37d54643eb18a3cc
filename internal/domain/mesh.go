package domain

import (
	"fmt"
	"time"
)

// MeshDiagnostics carries optional radio link details reported with a sample.
type MeshDiagnostics struct {
	LQI            *int     `json:"lqi,omitempty"`
	RSSI           *int     `json:"rssi,omitempty"`
	BatteryPercent *float64 `json:"battery_percent,omitempty"`
	Parent         string   `json:"parent,omitempty"`
}

// MeshSample is an already-decoded reading delivered by the mesh subsystem.
// The pipeline treats it as read-only.
type MeshSample struct {
	SensorID    string            `json:"sensor_id,omitempty"`
	DeviceID    string            `json:"device_id"`
	Endpoint    int               `json:"endpoint"`
	Cluster     string            `json:"cluster"`
	Attribute   string            `json:"attribute"`
	Value       float64           `json:"value"`
	Unit        string            `json:"unit,omitempty"`
	Timestamp   time.Time         `json:"ts"`
	Diagnostics MeshDiagnostics   `json:"diagnostics"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Identifier is the publish key: the explicit sensor id when present,
// otherwise device/endpoint/cluster/attribute.
func (m MeshSample) Identifier() string {
	if m.SensorID != "" {
		return m.SensorID
	}
	return fmt.Sprintf("%s/%d/%s/%s", m.DeviceID, m.Endpoint, m.Cluster, m.Attribute)
}
