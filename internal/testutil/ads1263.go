package testutil

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
)

// ADS1263Bus emulates an ADS1263 behind an SPI bus with reset, chip-select and
// data-ready lines. Raw is returned for every conversion. With NeverReady set
// the data-ready line never asserts. Claiming a line that is already held
// fails, as it does on real GPIO.
type ADS1263Bus struct {
	mu         sync.Mutex
	regs       map[byte]byte
	drdyLow    bool
	Raw        int32
	NeverReady bool
	claimed    map[string]bool
}

func NewADS1263Bus() *ADS1263Bus {
	return &ADS1263Bus{regs: map[byte]byte{0x00: 0x21}, claimed: map[string]bool{}}
}

// Claimed reports how many GPIO lines are currently held.
func (b *ADS1263Bus) Claimed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.claimed)
}

func (b *ADS1263Bus) SetNeverReady(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NeverReady = v
}

func (b *ADS1263Bus) OpenSPI(string, int64) (ads1263.SPIConn, error) { return &adsConn{bus: b}, nil }
func (b *ADS1263Bus) SPIDevices() []string                            { return []string{"/dev/spidev0.0"} }

func (b *ADS1263Bus) OutputPin(name string) (ads1263.OutputPin, error) {
	if err := b.claim(name); err != nil {
		return nil, err
	}
	return &adsPin{bus: b, name: name}, nil
}

func (b *ADS1263Bus) InputPin(name string) (ads1263.InputPin, error) {
	if err := b.claim(name); err != nil {
		return nil, err
	}
	return &adsPin{bus: b, name: name}, nil
}

func (b *ADS1263Bus) claim(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed[name] {
		return fmt.Errorf("gpio %s: device or resource busy", name)
	}
	b.claimed[name] = true
	return nil
}

type adsConn struct {
	bus *ADS1263Bus
}

func (c *adsConn) Tx(w, r []byte) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := w[0]
	switch {
	case cmd&0xE0 == 0x20:
		r[2] = b.regs[cmd&0x1F]
	case cmd&0xE0 == 0x40:
		b.regs[cmd&0x1F] = w[2]
	case cmd == 0x08:
		b.drdyLow = !b.NeverReady
	case cmd == 0x12:
		r[1] = 0x40
		binary.BigEndian.PutUint32(r[2:6], uint32(b.Raw))
		sum := byte(0x9B)
		for _, x := range r[2:6] {
			sum += x
		}
		r[6] = sum
		b.drdyLow = false
	}
	return nil
}

func (c *adsConn) Close() error { return nil }

type adsPin struct {
	bus  *ADS1263Bus
	name string
}

func (p *adsPin) Set(bool) error { return nil }

func (p *adsPin) High() bool {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return !p.bus.drdyLow
}

func (p *adsPin) Release() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	delete(p.bus.claimed, p.name)
	return nil
}

var _ ads1263.Bus = (*ADS1263Bus)(nil)
