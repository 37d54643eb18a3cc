package queue

import (
	"context"
	"sync"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// DefaultCapacity bounds the backlog held while the uplink is unreachable.
const DefaultCapacity = 10_000

// State summarises the buffer's resilience loop.
type State = ports.BufferState

const (
	StateDraining   = ports.BufferDraining
	StateBacklogged = ports.BufferBacklogged
	StateDegraded   = ports.BufferDegraded
)

// OfflineBuffer is a bounded FIFO of undelivered samples. When full, the
// oldest entry is dropped to admit the new one. Entries leave the buffer only
// on confirmed delivery; a failed batch goes back to the front in order.
type OfflineBuffer struct {
	mu      sync.Mutex
	data    []domain.Sample
	cap     int
	dropped uint64
	lastErr string
}

func NewOfflineBuffer(capacity int) *OfflineBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &OfflineBuffer{
		data: make([]domain.Sample, 0, min(capacity, 1024)),
		cap:  capacity,
	}
}

func (q *OfflineBuffer) Enqueue(s domain.Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		q.data[0] = domain.Sample{}
		q.data = q.data[1:]
		q.dropped++
	}
	q.data = append(q.data, s)
}

// Flush pops up to batchSize samples and hands them to deliver. On failure the
// batch is re-inserted ahead of anything enqueued meanwhile, the error is
// recorded and returned. Returns the number of samples delivered.
func (q *OfflineBuffer) Flush(ctx context.Context, batchSize int, deliver ports.DeliverFunc) (int, error) {
	batch := q.dequeueBatch(batchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	if err := deliver(ctx, batch); err != nil {
		q.requeueFront(batch, err)
		return 0, err
	}

	q.mu.Lock()
	q.lastErr = ""
	q.mu.Unlock()
	return len(batch), nil
}

func (q *OfflineBuffer) dequeueBatch(max int) []domain.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]domain.Sample, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *OfflineBuffer) requeueFront(batch []domain.Sample, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]domain.Sample, 0, len(batch)+len(q.data))
	merged = append(merged, batch...)
	merged = append(merged, q.data...)
	// Samples enqueued while the batch was in flight may push the total over
	// capacity; the oldest go first, same as Enqueue.
	if over := len(merged) - q.cap; over > 0 {
		merged = merged[over:]
		q.dropped += uint64(over)
	}
	q.data = merged
	q.lastErr = err.Error()
}

func (q *OfflineBuffer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *OfflineBuffer) Cap() int { return q.cap }

// Dropped returns the number of samples discarded to overflow since creation.
func (q *OfflineBuffer) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *OfflineBuffer) LastError() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

func (q *OfflineBuffer) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.lastErr != "":
		return StateDegraded
	case len(q.data) > 0:
		return StateBacklogged
	default:
		return StateDraining
	}
}

var _ ports.OfflineQueue = (*OfflineBuffer)(nil)
