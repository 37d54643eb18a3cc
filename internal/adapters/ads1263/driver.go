// Package ads1263 drives a TI ADS1263 32-bit ADC over SPI with dedicated
// reset, chip-select and data-ready GPIO lines.
//
// The driver owns the SPI connection and all three lines from Init until
// Close. Init acquires them in order (reset, chip-select, data-ready, SPI)
// and, on any failure, releases whatever it already holds in reverse order,
// so a later Init in the same process can claim the same pins again.
//
// ReadVoltage blocks on the data-ready line and must only be called from a
// background sampling goroutine. Health is published as an immutable snapshot
// that other goroutines can read at any time.
package ads1263

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

var (
	ErrNotReady         = errors.New("ads1263: driver not ready")
	ErrChipMismatch     = errors.New("ads1263: chip id mismatch")
	ErrDataReadyTimeout = errors.New("ads1263: data-ready timeout")
	ErrOutOfRange       = errors.New("ads1263: conversion out of range")
	ErrChecksum         = errors.New("ads1263: checksum mismatch")
	ErrStaleConversion  = errors.New("ads1263: no new conversion")
)

// State is the driver's initialisation state.
type State int32

const (
	StateUninitialized State = iota
	StateProbingBus
	StateResetting
	StateVerifyingChipID
	StateConfiguring
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProbingBus:
		return "probing-bus"
	case StateResetting:
		return "resetting"
	case StateVerifyingChipID:
		return "verifying-chip-id"
	case StateConfiguring:
		return "configuring-registers"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes the wiring and conversion settings.
type Config struct {
	Device           string        `yaml:"device"`
	SpeedHz          int64         `yaml:"speed_hz"`
	ResetPin         string        `yaml:"reset_pin"`
	ChipSelectPin    string        `yaml:"cs_pin"`
	DataReadyPin     string        `yaml:"drdy_pin"`
	Reference        string        `yaml:"reference"`
	ReferenceVolts   float64       `yaml:"reference_volts"`
	Gain             int           `yaml:"gain"`
	DataRateSPS      float64       `yaml:"data_rate_sps"`
	DataReadyTimeout time.Duration `yaml:"drdy_timeout"`
}

// ApplyDefaults fills the Waveshare HAT wiring and a 20 SPS FIR setup.
func (c *Config) ApplyDefaults() {
	if c.Device == "" {
		c.Device = "/dev/spidev0.0"
	}
	if c.SpeedHz <= 0 {
		c.SpeedHz = 2_000_000
	}
	if c.ResetPin == "" {
		c.ResetPin = "GPIO18"
	}
	if c.ChipSelectPin == "" {
		c.ChipSelectPin = "GPIO22"
	}
	if c.DataReadyPin == "" {
		c.DataReadyPin = "GPIO17"
	}
	if c.Reference == "" {
		c.Reference = "avdd"
	}
	if c.ReferenceVolts <= 0 {
		if c.Reference == "internal" {
			c.ReferenceVolts = 2.5
		} else {
			c.ReferenceVolts = 5.0
		}
	}
	if c.Gain == 0 {
		c.Gain = 1
	}
	if c.DataRateSPS == 0 {
		c.DataRateSPS = 20
	}
	if c.DataReadyTimeout <= 0 {
		c.DataReadyTimeout = time.Second
	}
}

func (c *Config) Validate() error {
	if c.Reference != "internal" && c.Reference != "avdd" {
		return fmt.Errorf("reference must be internal or avdd, got %q", c.Reference)
	}
	if _, err := mode2Value(c.Gain, c.DataRateSPS); err != nil {
		return err
	}
	if c.ResetPin == c.ChipSelectPin || c.ResetPin == c.DataReadyPin || c.ChipSelectPin == c.DataReadyPin {
		return errors.New("reset, cs and drdy pins must be distinct")
	}
	return nil
}

const (
	resetPulse    = 10 * time.Millisecond
	resetSettle   = 50 * time.Millisecond
	drdyPollEvery = time.Millisecond
)

type heldResource struct {
	name    string
	release func() error
}

// Driver is a single ADS1263 instance. It is safe for concurrent use, but
// ReadVoltage serialises on the bus and blocks for up to DataReadyTimeout.
type Driver struct {
	cfg Config
	bus Bus

	mu         sync.Mutex
	spi        SPIConn
	reset      OutputPin
	cs         OutputPin
	drdy       InputPin
	held       []heldResource
	device     string
	currentMux int

	state  atomic.Int32
	health atomic.Pointer[domain.AnalogHealth]

	now   func() time.Time
	sleep func(time.Duration)
}

// Option customises a Driver.
type Option func(*Driver)

// WithClock replaces the time source and sleep used for resets and
// data-ready polling.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(d *Driver) {
		d.now = now
		d.sleep = sleep
	}
}

func New(cfg Config, bus Bus, opts ...Option) *Driver {
	cfg.ApplyDefaults()
	d := &Driver{
		cfg:        cfg,
		bus:        bus,
		currentMux: -1,
		now:        time.Now,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.health.Store(&domain.AnalogHealth{LastError: "not initialized"})
	return d
}

func (d *Driver) State() State { return State(d.state.Load()) }

// Health returns the latest published health snapshot.
func (d *Driver) Health() domain.AnalogHealth { return *d.health.Load() }

// Device returns the SPI device actually opened, which may differ from the
// configured one after auto-detection.
func (d *Driver) Device() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// Init runs the bring-up sequence. A chip-id mismatch wraps ErrChipMismatch
// and should not be retried.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateReady {
		return nil
	}
	if err := d.initLocked(); err != nil {
		if relErr := d.releaseLocked(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		d.setState(StateFailed)
		d.publishFailure(err)
		return err
	}
	d.setState(StateReady)
	prev := d.Health()
	d.health.Store(&domain.AnalogHealth{OK: true, ChipID: prev.ChipID, LastSuccessAt: prev.LastSuccessAt})
	return nil
}

func (d *Driver) initLocked() error {
	d.setState(StateProbingBus)

	reset, err := d.bus.OutputPin(d.cfg.ResetPin)
	if err != nil {
		return fmt.Errorf("claim reset pin %s: %w", d.cfg.ResetPin, err)
	}
	d.reset = reset
	d.hold("reset", reset.Release)

	cs, err := d.bus.OutputPin(d.cfg.ChipSelectPin)
	if err != nil {
		return fmt.Errorf("claim cs pin %s: %w", d.cfg.ChipSelectPin, err)
	}
	d.cs = cs
	d.hold("cs", cs.Release)

	drdy, err := d.bus.InputPin(d.cfg.DataReadyPin)
	if err != nil {
		return fmt.Errorf("claim drdy pin %s: %w", d.cfg.DataReadyPin, err)
	}
	d.drdy = drdy
	d.hold("drdy", drdy.Release)

	conn, device, err := openWithAutodetect(d.bus, d.cfg.Device, d.cfg.SpeedHz)
	if err != nil {
		return err
	}
	d.spi = conn
	d.device = device
	d.hold("spi", conn.Close)

	d.setState(StateResetting)
	if err := d.hardReset(); err != nil {
		return err
	}

	d.setState(StateVerifyingChipID)
	id, err := d.readRegister(regID)
	if err != nil {
		return fmt.Errorf("read id register: %w", err)
	}
	if id>>5 != devID {
		return fmt.Errorf("%w: id register 0x%02x", ErrChipMismatch, id)
	}
	prev := d.Health()
	prev.ChipID = fmt.Sprintf("ADS1263 rev %d", id&0x1F)
	d.health.Store(&prev)

	d.setState(StateConfiguring)
	return d.configure()
}

func (d *Driver) hardReset() error {
	if err := d.cs.Set(true); err != nil {
		return fmt.Errorf("cs high: %w", err)
	}
	for _, level := range []bool{true, false, true} {
		if err := d.reset.Set(level); err != nil {
			return fmt.Errorf("reset pin: %w", err)
		}
		d.sleep(resetPulse)
	}
	d.sleep(resetSettle)
	d.currentMux = -1
	return nil
}

func (d *Driver) configure() error {
	mode2, err := mode2Value(d.cfg.Gain, d.cfg.DataRateSPS)
	if err != nil {
		return err
	}
	refmux := byte(refmuxSupply)
	if d.cfg.Reference == "internal" {
		refmux = refmuxInternal
	}

	writes := []struct {
		reg byte
		val byte
	}{
		{regInterface, interfaceStatusChecksum},
		{regMode0, mode0Pulse},
		{regMode1, mode1FIR},
		{regMode2, mode2},
		{regRefmux, refmux},
	}
	for _, w := range writes {
		if err := d.writeRegister(w.reg, w.val); err != nil {
			return fmt.Errorf("write register 0x%02x: %w", w.reg, err)
		}
		got, err := d.readRegister(w.reg)
		if err != nil {
			return fmt.Errorf("verify register 0x%02x: %w", w.reg, err)
		}
		if got != w.val {
			return fmt.Errorf("verify register 0x%02x: wrote 0x%02x, read 0x%02x", w.reg, w.val, got)
		}
	}
	return nil
}

// ReadVoltage converts one channel and returns volts at the ADC input.
func (d *Driver) ReadVoltage(ctx context.Context, ch domain.AnalogChannel) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateReady {
		return 0, ErrNotReady
	}
	v, err := d.convertLocked(ctx, ch)
	if err != nil {
		d.publishFailure(err)
		return 0, err
	}
	prev := d.Health()
	d.health.Store(&domain.AnalogHealth{OK: true, ChipID: prev.ChipID, LastSuccessAt: d.now()})
	return v, nil
}

func (d *Driver) convertLocked(ctx context.Context, ch domain.AnalogChannel) (float64, error) {
	mux, err := muxValue(ch)
	if err != nil {
		return 0, err
	}
	if int(mux) != d.currentMux {
		if err := d.writeRegister(regInpmux, mux); err != nil {
			return 0, fmt.Errorf("select %s: %w", ch, err)
		}
		d.currentMux = int(mux)
	}
	if err := d.command(cmdStart1); err != nil {
		return 0, fmt.Errorf("start conversion: %w", err)
	}
	if err := d.waitDataReady(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", ch, err)
	}

	w := make([]byte, 7)
	w[0] = cmdRData1
	r := make([]byte, len(w))
	if err := d.transfer(w, r); err != nil {
		return 0, fmt.Errorf("read data: %w", err)
	}
	status, data, sum := r[1], r[2:6], r[6]
	if status&statusADC1 == 0 {
		return 0, ErrStaleConversion
	}
	if checksum(data) != sum {
		return 0, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrChecksum, sum, checksum(data))
	}
	raw := int32(binary.BigEndian.Uint32(data))
	return d.toVolts(raw)
}

func (d *Driver) toVolts(raw int32) (float64, error) {
	v := float64(raw) / float64(1<<31) * d.cfg.ReferenceVolts / float64(d.cfg.Gain)
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > 1.2*d.cfg.ReferenceVolts {
		return 0, fmt.Errorf("%w: %g V (vref %g V)", ErrOutOfRange, v, d.cfg.ReferenceVolts)
	}
	return v, nil
}

func (d *Driver) waitDataReady(ctx context.Context) error {
	deadline := d.now().Add(d.cfg.DataReadyTimeout)
	for {
		if !d.drdy.High() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrDataReadyTimeout, d.cfg.DataReadyTimeout)
		}
		d.sleep(drdyPollEvery)
	}
}

func muxValue(ch domain.AnalogChannel) (byte, error) {
	neg := muxAINCOM
	if ch.Differential {
		neg = ch.Negative
	}
	if ch.Positive < 0 || ch.Positive > maxChannel || neg < 0 || neg > maxChannel {
		return 0, fmt.Errorf("channel %s out of range", ch)
	}
	if ch.Positive == neg {
		return 0, fmt.Errorf("channel %s: positive and negative inputs are the same", ch)
	}
	return byte(ch.Positive<<4 | neg), nil
}

// transfer runs one chip-select bracketed transaction.
func (d *Driver) transfer(w, r []byte) error {
	if err := d.cs.Set(false); err != nil {
		return fmt.Errorf("cs low: %w", err)
	}
	txErr := d.spi.Tx(w, r)
	if err := d.cs.Set(true); err != nil && txErr == nil {
		return fmt.Errorf("cs high: %w", err)
	}
	return txErr
}

func (d *Driver) command(cmd byte) error {
	return d.transfer([]byte{cmd}, make([]byte, 1))
}

func (d *Driver) readRegister(reg byte) (byte, error) {
	w := []byte{cmdRReg | reg, 0x00, cmdNOP}
	r := make([]byte, len(w))
	if err := d.transfer(w, r); err != nil {
		return 0, err
	}
	return r[2], nil
}

func (d *Driver) writeRegister(reg, val byte) error {
	w := []byte{cmdWReg | reg, 0x00, val}
	return d.transfer(w, make([]byte, len(w)))
}

// Close stops conversions and releases the SPI connection and GPIO lines.
// It is safe to call on a driver that never initialised or already closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateReady {
		_ = d.command(cmdStop1)
	}
	err := d.releaseLocked()
	d.setState(StateUninitialized)
	prev := d.Health()
	d.health.Store(&domain.AnalogHealth{ChipID: prev.ChipID, LastError: "closed", LastSuccessAt: prev.LastSuccessAt})
	return err
}

func (d *Driver) hold(name string, release func() error) {
	d.held = append(d.held, heldResource{name: name, release: release})
}

// releaseLocked releases held resources in reverse acquisition order and
// attempts every release even if an earlier one fails.
func (d *Driver) releaseLocked() error {
	var errs []error
	for i := len(d.held) - 1; i >= 0; i-- {
		h := d.held[i]
		if err := h.release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", h.name, err))
		}
	}
	d.held = nil
	d.spi, d.reset, d.cs, d.drdy = nil, nil, nil, nil
	d.currentMux = -1
	return errors.Join(errs...)
}

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

func (d *Driver) publishFailure(err error) {
	prev := d.Health()
	d.health.Store(&domain.AnalogHealth{
		OK:            false,
		ChipID:        prev.ChipID,
		LastError:     err.Error(),
		LastSuccessAt: prev.LastSuccessAt,
	})
}
