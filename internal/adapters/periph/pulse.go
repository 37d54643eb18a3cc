package periph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// PulseInput maps a logical pulse channel to a GPIO line.
type PulseInput struct {
	Channel int    `yaml:"channel"`
	Pin     string `yaml:"pin"`
	Edge    string `yaml:"edge"` // rising (default), falling, both
}

// EdgePin is the subset of gpio.PinIO the counter needs.
type EdgePin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// PinLookup resolves a GPIO line by name.
type PinLookup func(name string) (EdgePin, error)

func lookupGPIO(name string) (EdgePin, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}
	return p, nil
}

const edgeWaitSlice = 250 * time.Millisecond

var ErrUnknownPulseChannel = errors.New("unknown pulse channel")

type counter struct {
	input PulseInput
	pin   EdgePin
	count atomic.Int64
}

// PulseCounter counts edges on a set of GPIO lines, one goroutine per line.
type PulseCounter struct {
	counters map[int]*counter
	stop     chan struct{}
	wg       sync.WaitGroup
	health   atomic.Pointer[domain.AnalogHealth]
	closed   atomic.Bool
}

// NewPulseCounter claims every input and starts counting. On failure, lines
// already claimed are released before returning.
func NewPulseCounter(inputs []PulseInput, lookup PinLookup) (*PulseCounter, error) {
	if lookup == nil {
		lookup = lookupGPIO
	}
	pc := &PulseCounter{counters: make(map[int]*counter, len(inputs)), stop: make(chan struct{})}

	var claimed []*counter
	fail := func(err error) (*PulseCounter, error) {
		for i := len(claimed) - 1; i >= 0; i-- {
			_ = releaseEdgePin(claimed[i].pin)
		}
		return nil, err
	}
	for _, in := range inputs {
		if _, dup := pc.counters[in.Channel]; dup {
			return fail(fmt.Errorf("pulse channel %d configured twice", in.Channel))
		}
		edge, err := parseEdge(in.Edge)
		if err != nil {
			return fail(err)
		}
		pin, err := lookup(in.Pin)
		if err != nil {
			return fail(err)
		}
		if err := pin.In(gpio.PullDown, edge); err != nil {
			return fail(fmt.Errorf("gpio %s edge detect: %w", in.Pin, err))
		}
		c := &counter{input: in, pin: pin}
		claimed = append(claimed, c)
		pc.counters[in.Channel] = c
	}

	pc.health.Store(&domain.AnalogHealth{OK: true, ChipID: "gpio-pulse"})
	for _, c := range pc.counters {
		pc.wg.Add(1)
		go pc.watch(c)
	}
	return pc, nil
}

func parseEdge(s string) (gpio.Edge, error) {
	switch s {
	case "", "rising":
		return gpio.RisingEdge, nil
	case "falling":
		return gpio.FallingEdge, nil
	case "both":
		return gpio.BothEdges, nil
	default:
		return gpio.NoEdge, fmt.Errorf("unknown edge %q", s)
	}
}

func (pc *PulseCounter) watch(c *counter) {
	defer pc.wg.Done()
	for {
		select {
		case <-pc.stop:
			return
		default:
		}
		if c.pin.WaitForEdge(edgeWaitSlice) {
			c.count.Add(1)
		}
	}
}

// ReadPulses returns the cumulative count for a channel.
func (pc *PulseCounter) ReadPulses(channel int) (int64, error) {
	c, ok := pc.counters[channel]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPulseChannel, channel)
	}
	return c.count.Load(), nil
}

func (pc *PulseCounter) Health() domain.AnalogHealth { return *pc.health.Load() }

// Close stops every watcher and releases the lines.
func (pc *PulseCounter) Close() error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(pc.stop)
	for _, c := range pc.counters {
		_ = c.pin.Halt()
	}
	pc.wg.Wait()

	var errs []error
	for _, c := range pc.counters {
		if err := releaseEdgePin(c.pin); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", c.input.Pin, err))
		}
	}
	pc.health.Store(&domain.AnalogHealth{ChipID: "gpio-pulse", LastError: "closed"})
	return errors.Join(errs...)
}

func releaseEdgePin(p EdgePin) error {
	return p.In(gpio.Float, gpio.NoEdge)
}

var _ ports.PulseReader = (*PulseCounter)(nil)
