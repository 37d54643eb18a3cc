package uplink

import (
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/ports"
)

// tracker records delivery outcomes for Status.
type tracker struct {
	name string
	now  func() time.Time

	mu         sync.Mutex
	delivered  uint64
	lastPushAt time.Time
	lastErr    string
}

func newTracker(name string) tracker {
	return tracker{name: name, now: time.Now}
}

func (t *tracker) record(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = err.Error()
		return
	}
	t.delivered += uint64(n)
	t.lastPushAt = t.now()
	t.lastErr = ""
}

func (t *tracker) snapshot(connected bool) ports.StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ports.StatusSnapshot{
		Name:       t.name,
		Connected:  connected,
		Delivered:  t.delivered,
		LastPushAt: t.lastPushAt,
		LastError:  t.lastErr,
	}
}
