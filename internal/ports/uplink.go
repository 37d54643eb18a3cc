package ports

import (
	"context"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// Uplink delivers batches of samples to the collector. Any error means the
// whole batch was not delivered.
type Uplink interface {
	PushSamples(ctx context.Context, batch []domain.Sample) (int, error)
	Status(ctx context.Context) (StatusSnapshot, bool)
	Name() string
}

// StatusSnapshot describes the uplink as last observed.
type StatusSnapshot struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	Delivered  uint64    `json:"delivered"`
	LastPushAt time.Time `json:"last_push_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// HeartbeatPublisher is implemented by uplinks that can carry heartbeats.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, payload any) error
}
