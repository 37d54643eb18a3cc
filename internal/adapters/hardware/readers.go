// Package hardware provides the reader capabilities the scheduler routes
// sensors through. Which implementation backs a source (disabled, simulated
// or live) is decided once when the runtime is configured.
package hardware

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/FieldFlow/internal/adapters/sampler"
	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

var ErrDisabled = errors.New("hardware disabled")

// Disabled is the reader used when a hardware family is turned off or could
// not be brought up. It never produces a value and always reports unhealthy.
type Disabled struct {
	health domain.AnalogHealth
}

// NewDisabled returns a Disabled reader whose health carries reason.
func NewDisabled(reason string) *Disabled {
	if reason == "" {
		reason = ErrDisabled.Error()
	}
	return &Disabled{health: domain.AnalogHealth{OK: false, LastError: reason}}
}

func (d *Disabled) ReadVoltage(domain.AnalogChannel) (float64, bool, error) { return 0, false, nil }

func (d *Disabled) ReadPulses(int) (int64, error) { return 0, ErrDisabled }

func (d *Disabled) Health() domain.AnalogHealth { return d.health }

func (d *Disabled) Close() error { return nil }

// LiveAnalog serves reads from a background sampler cache fed by a real
// driver. Health always comes from the driver.
type LiveAnalog struct {
	sampler *sampler.Background
	health  func() domain.AnalogHealth
	closers []func() error

	once     sync.Once
	closeErr error
}

// NewLiveAnalog starts s. closers run after s has stopped, in order.
func NewLiveAnalog(s *sampler.Background, health func() domain.AnalogHealth, closers ...func() error) *LiveAnalog {
	s.Start()
	return &LiveAnalog{sampler: s, health: health, closers: closers}
}

func (l *LiveAnalog) ReadVoltage(ch domain.AnalogChannel) (float64, bool, error) {
	v, ok := l.sampler.Read(ch)
	return v, ok, nil
}

func (l *LiveAnalog) Health() domain.AnalogHealth { return l.health() }

// Sampler exposes the cache so the rolling sampler can read the same values.
func (l *LiveAnalog) Sampler() *sampler.Background { return l.sampler }

// Close stops sampling before releasing the hardware, so no read is in
// flight when the driver closes.
func (l *LiveAnalog) Close() error {
	l.once.Do(func() {
		l.sampler.Stop()
		var errs []error
		for _, c := range l.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

// MetricStore is a MetricSource fed by a collaborator pushing values.
type MetricStore struct {
	mu   sync.RWMutex
	vals map[string]float64
}

func NewMetricStore() *MetricStore {
	return &MetricStore{vals: map[string]float64{}}
}

func (m *MetricStore) Set(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[name] = v
}

func (m *MetricStore) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, name)
}

func (m *MetricStore) ReadMetric(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[name]
	return v, ok
}

// MetricChain returns the first source that has the metric.
type MetricChain []ports.MetricSource

func (c MetricChain) ReadMetric(name string) (float64, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.ReadMetric(name); ok {
			return v, true
		}
	}
	return 0, false
}

// Set bundles the readers a scheduler generation routes through.
type Set struct {
	Analog  ports.AnalogReader
	Pulse   ports.PulseReader
	Metrics ports.MetricSource
	// Simulated backs sensors of kind simulated; nil when none are configured.
	Simulated ports.AnalogReader
	// Rolling, when set, provides rolling-window means per sensor.
	Rolling *sampler.Rolling

	closers []func() error
}

// OnClose registers a release step. Close runs them in reverse order.
func (s *Set) OnClose(fn func() error) { s.closers = append(s.closers, fn) }

// Close releases every hardware resource in reverse acquisition order.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("release hardware: %w", errors.Join(errs...))
	}
	return nil
}

var (
	_ ports.AnalogReader = (*Disabled)(nil)
	_ ports.PulseReader  = (*Disabled)(nil)
	_ ports.AnalogReader = (*LiveAnalog)(nil)
	_ ports.MetricSource = (*MetricStore)(nil)
	_ ports.MetricSource = MetricChain(nil)
)
