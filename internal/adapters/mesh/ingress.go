package mesh

import (
	"sync"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

const DefaultIngressCapacity = 1024

// Ingress is the hand-off between mesh producers and the scheduler. Producers
// Push from their own goroutines; the scheduler Drains once per tick.
type Ingress struct {
	mu      sync.Mutex
	items   []domain.MeshSample
	cap     int
	dropped uint64
}

func NewIngress(capacity int) *Ingress {
	if capacity <= 0 {
		capacity = DefaultIngressCapacity
	}
	return &Ingress{cap: capacity}
}

// Push appends a sample. When the ingress is full the oldest sample is
// discarded and Push returns false.
func (in *Ingress) Push(s domain.MeshSample) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	accepted := true
	if len(in.items) >= in.cap {
		in.items[0] = domain.MeshSample{}
		in.items = in.items[1:]
		in.dropped++
		accepted = false
	}
	in.items = append(in.items, s)
	return accepted
}

// Drain removes and returns every queued sample in arrival order.
func (in *Ingress) Drain() []domain.MeshSample {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) == 0 {
		return nil
	}
	out := in.items
	in.items = nil
	return out
}

func (in *Ingress) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

func (in *Ingress) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

var _ ports.MeshSink = (*Ingress)(nil)
