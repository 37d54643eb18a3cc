// Package sampler keeps blocking hardware reads off the scheduling loop.
//
// Background polls analog channels into a last-write-wins cache. Rolling
// feeds per-sensor time windows at a fixed rate so that averaging windows are
// independent of publish intervals.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// ReadFunc performs one blocking conversion.
type ReadFunc func(ctx context.Context, ch domain.AnalogChannel) (float64, error)

// DefaultInterval is the background poll cadence when none is configured.
const DefaultInterval = 200 * time.Millisecond

// Background owns one goroutine that reads every configured channel each
// cycle and caches the result. Read never blocks on hardware.
type Background struct {
	read     ReadFunc
	interval time.Duration

	mu       sync.RWMutex
	channels []domain.AnalogChannel
	cache    map[domain.AnalogChannel]float64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

func NewBackground(read ReadFunc, interval time.Duration, channels ...domain.AnalogChannel) *Background {
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := &Background{
		read:     read,
		interval: interval,
		cache:    make(map[domain.AnalogChannel]float64),
		now:      time.Now,
	}
	b.SetChannels(channels)
	return b
}

// SetChannels replaces the polled channel set. Duplicates are collapsed and
// cached values for removed channels are discarded.
func (b *Background) SetChannels(channels []domain.AnalogChannel) {
	seen := make(map[domain.AnalogChannel]struct{}, len(channels))
	uniq := make([]domain.AnalogChannel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		uniq = append(uniq, ch)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = uniq
	for ch := range b.cache {
		if _, ok := seen[ch]; !ok {
			delete(b.cache, ch)
		}
	}
}

// Channels returns the current polled set.
func (b *Background) Channels() []domain.AnalogChannel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.AnalogChannel(nil), b.channels...)
}

// Read returns the last cached value for ch.
func (b *Background) Read(ch domain.AnalogChannel) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[ch]
	return v, ok
}

// Start launches the polling goroutine. Calling Start twice is a no-op.
func (b *Background) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(ctx, b.done)
}

// Stop cancels the loop and waits for any in-flight read to return.
func (b *Background) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Background) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		start := b.now()
		b.cycle(ctx)
		wait := b.interval - b.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (b *Background) cycle(ctx context.Context) {
	for _, ch := range b.Channels() {
		if ctx.Err() != nil {
			return
		}
		v, err := b.read(ctx, ch)
		b.mu.Lock()
		if err != nil {
			delete(b.cache, ch)
		} else if b.tracked(ch) {
			b.cache[ch] = v
		}
		b.mu.Unlock()
	}
}

// tracked reports whether ch is still configured; callers hold mu.
func (b *Background) tracked(ch domain.AnalogChannel) bool {
	for _, c := range b.channels {
		if c == ch {
			return true
		}
	}
	return false
}
