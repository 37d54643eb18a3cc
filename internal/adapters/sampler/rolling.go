package sampler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// rollingSlack is the headroom added to a window's nominal sample count.
const rollingSlack = 16

type point struct {
	at time.Time
	v  float64
}

// RollingBuffer is a bounded time window of samples for one sensor.
type RollingBuffer struct {
	window time.Duration
	cap    int
	data   []point
}

// NewRollingBuffer sizes the buffer for window × rateHz plus slack.
func NewRollingBuffer(window time.Duration, rateHz float64) *RollingBuffer {
	n := int(math.Ceil(window.Seconds()*rateHz)) + rollingSlack
	return &RollingBuffer{window: window, cap: n, data: make([]point, 0, n)}
}

// Insert appends a sample and evicts everything older than the window.
func (r *RollingBuffer) Insert(at time.Time, v float64) {
	r.evict(at)
	if len(r.data) == r.cap {
		copy(r.data, r.data[1:])
		r.data = r.data[:len(r.data)-1]
	}
	r.data = append(r.data, point{at: at, v: v})
}

func (r *RollingBuffer) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.data) && r.data[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.data = append(r.data[:0], r.data[i:]...)
	}
}

// Mean returns the average of the samples still inside the window at now,
// false when none are.
func (r *RollingBuffer) Mean(now time.Time) (float64, bool) {
	cutoff := now.Add(-r.window)
	var (
		sum float64
		n   int
	)
	for _, p := range r.data {
		if p.at.Before(cutoff) {
			continue
		}
		sum += p.v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (r *RollingBuffer) Len() int { return len(r.data) }
func (r *RollingBuffer) Cap() int { return r.cap }

// RollingTarget is one rolling-average sensor fed by the Rolling sampler.
type RollingTarget struct {
	SensorID string
	Channel  domain.AnalogChannel
	Window   time.Duration
	// Read returns the latest value for the channel, usually a Background cache.
	Read func(ch domain.AnalogChannel) (float64, bool)
}

// DefaultRollingRateHz is used when no rate is configured.
const DefaultRollingRateHz = 10.0

// Rolling feeds RollingBuffers at a fixed rate on its own goroutine.
type Rolling struct {
	rateHz float64

	mu      sync.RWMutex
	targets []RollingTarget
	buffers map[string]*RollingBuffer

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

func NewRolling(rateHz float64, targets ...RollingTarget) *Rolling {
	if rateHz <= 0 {
		rateHz = DefaultRollingRateHz
	}
	r := &Rolling{rateHz: rateHz, buffers: map[string]*RollingBuffer{}, now: time.Now}
	r.SetTargets(targets)
	return r
}

// SetTargets swaps the target table. Buffers for sensors whose window is
// unchanged are kept; everything else starts cold.
func (r *Rolling) SetTargets(targets []RollingTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*RollingBuffer, len(targets))
	for _, t := range targets {
		if old, ok := r.buffers[t.SensorID]; ok && old.window == t.Window {
			next[t.SensorID] = old
			continue
		}
		next[t.SensorID] = NewRollingBuffer(t.Window, r.rateHz)
	}
	r.targets = append([]RollingTarget(nil), targets...)
	r.buffers = next
}

// Mean returns the rolling average for a sensor at now, false while its
// window holds no samples.
func (r *Rolling) Mean(sensorID string, now time.Time) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.buffers[sensorID]
	if !ok {
		return 0, false
	}
	return buf.Mean(now)
}

// Sample runs one accumulation step at now.
func (r *Rolling) Sample(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.Read == nil {
			continue
		}
		buf := r.buffers[t.SensorID]
		v, ok := t.Read(t.Channel)
		if !ok {
			buf.evict(now)
			continue
		}
		buf.Insert(now, v)
	}
}

func (r *Rolling) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Rolling) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Rolling) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / r.rateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample(r.now())
		}
	}
}
