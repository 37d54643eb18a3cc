package hardware

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// SimConfig shapes the simulator's waveforms.
type SimConfig struct {
	BaseVolts      float64       `yaml:"base_volts"`
	AmplitudeVolts float64       `yaml:"amplitude_volts"`
	Period         time.Duration `yaml:"period"`
	NoiseVolts     float64       `yaml:"noise_volts"`
	PulsesPerSec   float64       `yaml:"pulses_per_second"`
	Seed           uint64        `yaml:"seed"`
}

func (c *SimConfig) ApplyDefaults() {
	if c.BaseVolts == 0 && c.AmplitudeVolts == 0 {
		c.BaseVolts, c.AmplitudeVolts = 1.0, 0.25
	}
	if c.Period <= 0 {
		c.Period = 5 * time.Minute
	}
	if c.PulsesPerSec < 0 {
		c.PulsesPerSec = 0
	}
}

// Simulator implements every reader capability with deterministic
// waveforms. Tests pin values with the Set* methods.
type Simulator struct {
	cfg   SimConfig
	now   func() time.Time
	start time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	volts   map[domain.AnalogChannel]float64
	pulses  map[int]int64
	metrics map[string]float64
	readErr map[domain.AnalogChannel]error
	health  domain.AnalogHealth
}

func NewSimulator(cfg SimConfig, now func() time.Time) *Simulator {
	cfg.ApplyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		cfg:     cfg,
		now:     now,
		start:   now(),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		volts:   map[domain.AnalogChannel]float64{},
		pulses:  map[int]int64{},
		metrics: map[string]float64{},
		readErr: map[domain.AnalogChannel]error{},
		health:  domain.AnalogHealth{OK: true, ChipID: "simulator"},
	}
}

func (s *Simulator) ReadVoltage(ch domain.AnalogChannel) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr[ch]; err != nil {
		return 0, false, err
	}
	if v, ok := s.volts[ch]; ok {
		return v, true, nil
	}
	elapsed := s.now().Sub(s.start).Seconds()
	phase := 2*math.Pi*elapsed/s.cfg.Period.Seconds() + float64(ch.Positive)
	v := s.cfg.BaseVolts + s.cfg.AmplitudeVolts*math.Sin(phase)
	if s.cfg.NoiseVolts > 0 {
		v += (s.rng.Float64()*2 - 1) * s.cfg.NoiseVolts
	}
	return v, true, nil
}

func (s *Simulator) ReadPulses(channel int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.pulses[channel]; ok {
		return n, nil
	}
	return int64(s.now().Sub(s.start).Seconds() * s.cfg.PulsesPerSec), nil
}

func (s *Simulator) ReadMetric(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metrics[name]
	return v, ok
}

func (s *Simulator) Health() domain.AnalogHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SetVoltage pins a channel to v.
func (s *Simulator) SetVoltage(ch domain.AnalogChannel, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volts[ch] = v
	delete(s.readErr, ch)
}

// SetPulses pins the cumulative count of a pulse channel.
func (s *Simulator) SetPulses(channel int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulses[channel] = n
}

func (s *Simulator) SetMetric(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = v
}

// FailChannel makes reads of ch return err until SetVoltage clears it.
func (s *Simulator) FailChannel(ch domain.AnalogChannel, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr[ch] = err
}

func (s *Simulator) SetHealth(h domain.AnalogHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

var (
	_ ports.AnalogReader = (*Simulator)(nil)
	_ ports.PulseReader  = (*Simulator)(nil)
	_ ports.MetricSource = (*Simulator)(nil)
)
