package ports

import (
	"context"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// DeliverFunc attempts delivery of one batch.
type DeliverFunc func(ctx context.Context, batch []domain.Sample) error

// OfflineQueue buffers samples that have not yet been delivered upstream.
type OfflineQueue interface {
	Enqueue(s domain.Sample)
	Flush(ctx context.Context, batchSize int, deliver DeliverFunc) (int, error)
	Len() int
	Dropped() uint64
	LastError() string
	State() BufferState
}

// BufferState summarises the offline buffer's resilience loop.
type BufferState string

const (
	// BufferDraining: queue empty, no outstanding delivery error.
	BufferDraining BufferState = "draining"
	// BufferBacklogged: samples waiting, last delivery succeeded.
	BufferBacklogged BufferState = "backlogged"
	// BufferDegraded: last delivery failed, backlog growing.
	BufferDegraded BufferState = "degraded"
)
