package pipeline

import (
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// SystemReader supplies host metrics for heartbeats.
type SystemReader interface {
	Read() (domain.SystemMetrics, error)
}

// Heartbeat is the periodic liveness payload: host metrics plus the status
// read model.
type Heartbeat struct {
	AgentID   string               `json:"agent_id" cbor:"agent_id"`
	Timestamp time.Time            `json:"ts" cbor:"ts"`
	System    domain.SystemMetrics `json:"system" cbor:"system"`
	Status    DisplaySnapshot      `json:"status" cbor:"status"`
	Error     string               `json:"error,omitempty" cbor:"error,omitempty"`
}

// BuildHeartbeat assembles a heartbeat. A failing system reader still yields
// a heartbeat carrying the error.
func BuildHeartbeat(agentID string, now time.Time, sys SystemReader, snap DisplaySnapshot) Heartbeat {
	hb := Heartbeat{AgentID: agentID, Timestamp: now, Status: snap}
	if sys == nil {
		return hb
	}
	m, err := sys.Read()
	hb.System = m
	if err != nil {
		hb.Error = err.Error()
	}
	return hb
}
