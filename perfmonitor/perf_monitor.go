// Package perfmonitor measures the duration of an operation, such as one
// long-poll round trip.
package perfmonitor

import (
	"time"

	"github.com/cyberinferno/scada-connector/clock"
)

// PerformanceMonitor records a start and an end instant. It is not safe for
// concurrent use; each measured operation owns its monitor.
type PerformanceMonitor struct {
	clock     clock.Clock
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor creates a monitor reading the real clock.
func NewPerformanceMonitor() *PerformanceMonitor {
	return NewPerformanceMonitorWithClock(clock.Real())
}

// NewPerformanceMonitorWithClock creates a monitor reading clk.
//
// Parameters:
//   - clk: Clock used for the start and end instants
//
// Returns:
//   - A monitor with no measurement
func NewPerformanceMonitorWithClock(clk clock.Clock) *PerformanceMonitor {
	return &PerformanceMonitor{clock: clk}
}

// Start records the start instant, replacing any previous one.
func (p *PerformanceMonitor) Start() {
	p.startTime = p.clock.Now()
}

// Stop records the end instant. It does nothing when Start was not called.
func (p *PerformanceMonitor) Stop() {
	if p.startTime.IsZero() {
		return
	}
	p.endTime = p.clock.Now()
}

// Reset discards the measurement.
func (p *PerformanceMonitor) Reset() {
	p.startTime = time.Time{}
	p.endTime = time.Time{}
}

// Elapsed returns the measured duration, or zero when the measurement is
// incomplete.
func (p *PerformanceMonitor) Elapsed() time.Duration {
	if p.startTime.IsZero() || p.endTime.IsZero() {
		return 0
	}
	return p.endTime.Sub(p.startTime)
}

// ElapsedMilliseconds returns Elapsed in fractional milliseconds.
func (p *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(p.Elapsed()) / float64(time.Millisecond)
}
