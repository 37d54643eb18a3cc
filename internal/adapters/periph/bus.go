// Package periph binds the ADS1263 driver and the pulse counter to real
// hardware through periph.io.
package periph

import (
	"fmt"
	"sync"

	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the host drivers once per process.
func Init() error {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	return initErr
}

// Bus implements ads1263.Bus on top of spireg and gpioreg.
type Bus struct{}

func NewBus() (*Bus, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &Bus{}, nil
}

func (b *Bus) OpenSPI(device string, speedHz int64) (ads1263.SPIConn, error) {
	port, err := spireg.Open(device)
	if err != nil {
		return nil, err
	}
	// ADS1263 samples on the falling edge: CPOL=0, CPHA=1.
	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode1, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect %s: %w", device, err)
	}
	return &spiConn{port: port, conn: conn}, nil
}

func (b *Bus) SPIDevices() []string {
	refs := spireg.All()
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func (b *Bus) OutputPin(name string) (ads1263.OutputPin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("gpio %s out: %w", name, err)
	}
	return &outPin{pin: p}, nil
}

func (b *Bus) InputPin(name string) (ads1263.InputPin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpio %s in: %w", name, err)
	}
	return &inPin{pin: p}, nil
}

type spiConn struct {
	port spi.PortCloser
	conn spi.Conn
}

func (c *spiConn) Tx(w, r []byte) error { return c.conn.Tx(w, r) }
func (c *spiConn) Close() error         { return c.port.Close() }

type outPin struct {
	pin gpio.PinIO
}

func (p *outPin) Set(high bool) error {
	if high {
		return p.pin.Out(gpio.High)
	}
	return p.pin.Out(gpio.Low)
}

// Release returns the line to a floating input so the next owner can claim it.
func (p *outPin) Release() error {
	if err := p.pin.In(gpio.Float, gpio.NoEdge); err != nil {
		return err
	}
	return p.pin.Halt()
}

type inPin struct {
	pin gpio.PinIO
}

func (p *inPin) High() bool { return p.pin.Read() == gpio.High }

func (p *inPin) Release() error {
	if err := p.pin.In(gpio.Float, gpio.NoEdge); err != nil {
		return err
	}
	return p.pin.Halt()
}

var _ ads1263.Bus = (*Bus)(nil)
