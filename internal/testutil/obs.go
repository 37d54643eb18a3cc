// Package testutil holds fakes shared by FieldFlow package tests: a recording
// Observability, paho MQTT client/token/message fakes and a Require helper for
// channel receives with a timeout.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Obs records log calls and counter/gauge values.
type Obs struct {
	mu       sync.Mutex
	Infos    []string
	Warns    []string
	Errors   []error
	Counters map[string]float64
	Gauges   map[string]float64
}

func NewObs() *Obs {
	return &Obs{Counters: map[string]float64{}, Gauges: map[string]float64{}}
}

func (o *Obs) LogInfo(msg string, _ ...ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Infos = append(o.Infos, msg)
}

func (o *Obs) LogWarn(msg string, _ ...ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Warns = append(o.Warns, msg)
}

func (o *Obs) LogError(msg string, err error, _ ...ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Errors = append(o.Errors, fmt.Errorf("%s: %w", msg, err))
}

func (o *Obs) LogCritical(msg string, err error, fields ...ports.Field) {
	o.LogError(msg, err, fields...)
}

func (o *Obs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Counters[name] += v
}

func (o *Obs) ObserveLatency(string, float64) {}

func (o *Obs) SetGauge(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Gauges[name] = v
}

// Counter returns the current value of a counter.
func (o *Obs) Counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Counters[name]
}

// Gauge returns the last value set on a gauge.
func (o *Obs) Gauge(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Gauges[name]
}

// HasInfo reports whether an info line with msg was logged.
func (o *Obs) HasInfo(msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.Infos {
		if m == msg {
			return true
		}
	}
	return false
}

// ErrorCount returns the number of LogError/LogCritical calls.
func (o *Obs) ErrorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Errors)
}

var _ ports.Observability = (*Obs)(nil)

// RequireReceive reads one value from ch within timeout or fails the test.
func RequireReceive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", what)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v %s", timeout, what)
	}
	panic("unreachable")
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, what)
}
