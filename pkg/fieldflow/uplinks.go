package fieldflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/ports"
)

// ErrChannelUplinkClosed is returned when a channel uplink is written to after being closed.
var ErrChannelUplinkClosed = errors.New("fieldflow: channel uplink closed")

// BatchFunc receives one batch of forwardable samples. Returning an error
// requeues the batch.
type BatchFunc func(ctx context.Context, batch []Sample) error

// NewCallbackUplink adapts a BatchFunc into a full Uplink implementation so
// callers can plug arbitrary functions without defining structs.
func NewCallbackUplink(name string, fn BatchFunc) Uplink {
	if name == "" {
		name = "callback"
	}
	return &callbackUplink{name: name, fn: fn}
}

// NewChannelUplink exposes batches via a channel; it returns the uplink, the
// read-only channel, and a close function that the caller should invoke
// during shutdown. A batch counts as delivered once the reader receives it.
func NewChannelUplink(name string, buffer int) (Uplink, <-chan []Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Sample, buffer)
	u := &channelUplink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return u, ch, func() { u.close() }
}

// delivery tracks counters shared by the in-process uplinks.
type delivery struct {
	mu         sync.Mutex
	delivered  uint64
	lastPushAt time.Time
	lastErr    string
}

func (d *delivery) record(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastErr = err.Error()
		return
	}
	d.delivered += uint64(n)
	d.lastPushAt = time.Now()
	d.lastErr = ""
}

func (d *delivery) status(name string, connected bool) ports.StatusSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ports.StatusSnapshot{
		Name:       name,
		Connected:  connected,
		Delivered:  d.delivered,
		LastPushAt: d.lastPushAt,
		LastError:  d.lastErr,
	}
}

type callbackUplink struct {
	name string
	fn   BatchFunc
	delivery
}

func (u *callbackUplink) PushSamples(ctx context.Context, batch []Sample) (int, error) {
	if u.fn == nil {
		return 0, fmt.Errorf("callback uplink %q: nil handler", u.name)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	err := u.fn(ctx, append([]Sample(nil), batch...))
	u.record(len(batch), err)
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (u *callbackUplink) Status(context.Context) (ports.StatusSnapshot, bool) {
	return u.status(u.name, u.fn != nil), true
}

func (u *callbackUplink) Name() string { return u.name }

type channelUplink struct {
	name   string
	ch     chan []Sample
	closed chan struct{}
	once   sync.Once
	// sendMu keeps close from closing ch while a push is sending on it.
	sendMu sync.RWMutex
	delivery
}

func (u *channelUplink) PushSamples(ctx context.Context, batch []Sample) (int, error) {
	u.sendMu.RLock()
	defer u.sendMu.RUnlock()

	select {
	case <-u.closed:
		return 0, ErrChannelUplinkClosed
	default:
	}

	if len(batch) == 0 {
		return 0, nil
	}

	out := append([]Sample(nil), batch...)

	select {
	case <-u.closed:
		return 0, ErrChannelUplinkClosed
	case <-ctx.Done():
		u.record(0, ctx.Err())
		return 0, ctx.Err()
	case u.ch <- out:
		u.record(len(out), nil)
		return len(out), nil
	}
}

func (u *channelUplink) Status(context.Context) (ports.StatusSnapshot, bool) {
	select {
	case <-u.closed:
		return u.status(u.name, false), true
	default:
		return u.status(u.name, true), true
	}
}

func (u *channelUplink) Name() string { return u.name }

func (u *channelUplink) close() {
	u.once.Do(func() {
		close(u.closed)
		u.sendMu.Lock()
		close(u.ch)
		u.sendMu.Unlock()
	})
}
