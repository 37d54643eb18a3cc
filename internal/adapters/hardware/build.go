package hardware

import (
	"fmt"
	"time"

	"github.com/ghalamif/FieldFlow/internal/adapters/ads1263"
	"github.com/ghalamif/FieldFlow/internal/adapters/periph"
	"github.com/ghalamif/FieldFlow/internal/adapters/sampler"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// AnalogConfig selects and configures the analog source.
type AnalogConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Driver         string         `yaml:"driver"` // ads1263 | simulated
	SampleInterval time.Duration  `yaml:"sample_interval"`
	ADS1263        ads1263.Config `yaml:"ads1263"`
}

// PulseConfig selects and configures the pulse source.
type PulseConfig struct {
	Enabled bool                `yaml:"enabled"`
	Driver  string              `yaml:"driver"` // gpio | simulated
	Inputs  []periph.PulseInput `yaml:"inputs"`
}

type RollingConfig struct {
	SampleRateHz float64 `yaml:"sample_rate_hz"`
}

type Config struct {
	Analog    AnalogConfig  `yaml:"analog"`
	Pulse     PulseConfig   `yaml:"pulse"`
	Rolling   RollingConfig `yaml:"rolling"`
	Simulator SimConfig     `yaml:"simulator"`
}

func (c *Config) ApplyDefaults() {
	if c.Analog.Driver == "" {
		c.Analog.Driver = "ads1263"
	}
	if c.Analog.SampleInterval <= 0 {
		c.Analog.SampleInterval = sampler.DefaultInterval
	}
	c.Analog.ADS1263.ApplyDefaults()
	if c.Pulse.Driver == "" {
		c.Pulse.Driver = "gpio"
	}
	if c.Rolling.SampleRateHz <= 0 {
		c.Rolling.SampleRateHz = sampler.DefaultRollingRateHz
	}
	c.Simulator.ApplyDefaults()
}

func (c *Config) Validate() error {
	switch c.Analog.Driver {
	case "ads1263":
		if c.Analog.Enabled {
			if err := c.Analog.ADS1263.Validate(); err != nil {
				return fmt.Errorf("hardware.analog.ads1263: %w", err)
			}
		}
	case "simulated":
	default:
		return fmt.Errorf("hardware.analog.driver must be ads1263 or simulated, got %q", c.Analog.Driver)
	}
	switch c.Pulse.Driver {
	case "gpio", "simulated":
	default:
		return fmt.Errorf("hardware.pulse.driver must be gpio or simulated, got %q", c.Pulse.Driver)
	}
	if c.Pulse.Enabled && c.Pulse.Driver == "gpio" && len(c.Pulse.Inputs) == 0 {
		return fmt.Errorf("hardware.pulse.inputs required for gpio driver")
	}
	return nil
}

// Deps are the injectable collaborators of Build.
type Deps struct {
	// Bus opens the SPI/GPIO bus for the ADS1263. Defaults to periph.NewBus.
	Bus func() (ads1263.Bus, error)
	// PinLookup resolves pulse GPIO lines. Defaults to periph's registry.
	PinLookup periph.PinLookup
	// Simulator backs simulated sensors and simulated drivers. Created on
	// demand when nil.
	Simulator *Simulator
	// Metrics backs metric sensors. Nil means every metric is absent.
	Metrics ports.MetricSource
	Obs     ports.Observability
	Now     func() time.Time
}

func defaultBus() (ads1263.Bus, error) { return periph.NewBus() }

// Build brings up the reader set for one configuration generation. Hardware
// that cannot be initialised is replaced by a Disabled reader carrying the
// failure, so Build itself never fails.
func Build(cfg Config, sensors []domain.SensorSpec, deps Deps) *Set {
	cfg.ApplyDefaults()
	if deps.Bus == nil {
		deps.Bus = defaultBus
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	set := &Set{Metrics: deps.Metrics}
	if set.Metrics == nil {
		set.Metrics = MetricChain(nil)
	}

	sim := deps.Simulator
	simulator := func() *Simulator {
		if sim == nil {
			sim = NewSimulator(cfg.Simulator, deps.Now)
		}
		return sim
	}

	var analogCache func(domain.AnalogChannel) (float64, bool)
	switch {
	case !cfg.Analog.Enabled:
		set.Analog = NewDisabled("analog hardware disabled")
	case cfg.Analog.Driver == "simulated":
		s := simulator()
		set.Analog = s
		analogCache = readThrough(s)
	default:
		live, err := buildADS1263(cfg.Analog, analogChannels(sensors), deps)
		if err != nil {
			logError(deps.Obs, "analog_hardware_unavailable", err)
			set.Analog = NewDisabled(err.Error())
			break
		}
		set.Analog = live
		set.OnClose(live.Close)
		analogCache = live.Sampler().Read
	}

	switch {
	case !cfg.Pulse.Enabled:
		set.Pulse = NewDisabled("pulse hardware disabled")
	case cfg.Pulse.Driver == "simulated":
		set.Pulse = simulator()
	default:
		pc, err := periph.NewPulseCounter(cfg.Pulse.Inputs, deps.PinLookup)
		if err != nil {
			logError(deps.Obs, "pulse_hardware_unavailable", err)
			set.Pulse = NewDisabled(err.Error())
			break
		}
		set.Pulse = pc
		set.OnClose(pc.Close)
	}

	var targets []sampler.RollingTarget
	for _, s := range sensors {
		if !s.IsRolling() {
			continue
		}
		read := analogCache
		if s.Kind == domain.KindSimulated {
			read = readThrough(simulator())
		}
		if read == nil {
			read = func(domain.AnalogChannel) (float64, bool) { return 0, false }
		}
		targets = append(targets, sampler.RollingTarget{
			SensorID: s.ID,
			Channel:  s.AnalogChannel(),
			Window:   s.RollingWindow(),
			Read:     read,
		})
	}
	if len(targets) > 0 {
		set.Rolling = sampler.NewRolling(cfg.Rolling.SampleRateHz, targets...)
		set.Rolling.Start()
		// Registered last so it stops before any hardware is released.
		set.OnClose(func() error { set.Rolling.Stop(); return nil })
	}

	if hasKind(sensors, domain.KindSimulated) || sim != nil {
		set.Simulated = simulator()
	}
	return set
}

func buildADS1263(cfg AnalogConfig, channels []domain.AnalogChannel, deps Deps) (*LiveAnalog, error) {
	bus, err := deps.Bus()
	if err != nil {
		return nil, err
	}
	drv := ads1263.New(cfg.ADS1263, bus)
	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("ads1263 init: %w", err)
	}
	if deps.Obs != nil {
		deps.Obs.LogInfo("ads1263_ready",
			ports.Field{Key: "device", Value: drv.Device()},
			ports.Field{Key: "chip", Value: drv.Health().ChipID},
			ports.Field{Key: "channels", Value: len(channels)},
		)
	}
	bg := sampler.NewBackground(drv.ReadVoltage, cfg.SampleInterval, channels...)
	return NewLiveAnalog(bg, drv.Health, drv.Close), nil
}

func analogChannels(sensors []domain.SensorSpec) []domain.AnalogChannel {
	var out []domain.AnalogChannel
	for _, s := range sensors {
		if s.Kind == domain.KindAnalog {
			out = append(out, s.AnalogChannel())
		}
	}
	return out
}

func hasKind(sensors []domain.SensorSpec, k domain.SourceKind) bool {
	for _, s := range sensors {
		if s.Kind == k {
			return true
		}
	}
	return false
}

func readThrough(r ports.AnalogReader) func(domain.AnalogChannel) (float64, bool) {
	return func(ch domain.AnalogChannel) (float64, bool) {
		v, ok, err := r.ReadVoltage(ch)
		return v, ok && err == nil
	}
}

func logError(obs ports.Observability, msg string, err error) {
	if obs != nil {
		obs.LogError(msg, err)
	}
}
