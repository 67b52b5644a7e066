package perfmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cyberinferno/scada-connector/clock"
)

func newTestMonitor() (*PerformanceMonitor, *clock.Fake) {
	clk := clock.NewFake()
	return NewPerformanceMonitorWithClock(clk), clk
}

func TestNewPerformanceMonitor(t *testing.T) {
	t.Run("creates new instance with zero times", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		assert.NotNil(t, pm)
		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})
}

func TestStart(t *testing.T) {
	t.Run("sets start time", func(t *testing.T) {
		pm, _ := newTestMonitor()

		pm.Start()

		assert.False(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})

	t.Run("overwrites previous start time on multiple calls", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		firstStartTime := pm.startTime
		clk.Advance(10 * time.Millisecond)
		pm.Start()

		assert.True(t, pm.startTime.After(firstStartTime))
		assert.True(t, pm.endTime.IsZero())
	})
}

func TestStop(t *testing.T) {
	t.Run("sets end time after start", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(time.Millisecond)
		pm.Stop()

		assert.True(t, pm.endTime.After(pm.startTime))
	})

	t.Run("does not set end time if start was not called", func(t *testing.T) {
		pm, _ := newTestMonitor()

		pm.Stop()

		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})

	t.Run("does not set end time if start was reset", func(t *testing.T) {
		pm, _ := newTestMonitor()

		pm.Start()
		pm.Reset()
		pm.Stop()

		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})
}

func TestElapsedMilliseconds(t *testing.T) {
	t.Run("returns zero if start was not called", func(t *testing.T) {
		pm, _ := newTestMonitor()

		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})

	t.Run("returns zero if stop was not called", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(time.Second)

		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})

	t.Run("returns elapsed time in milliseconds", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(100*time.Millisecond + 500*time.Microsecond)
		pm.Stop()

		assert.Equal(t, 100.5, pm.ElapsedMilliseconds())
		assert.Equal(t, 100*time.Millisecond+500*time.Microsecond, pm.Elapsed())
	})

	t.Run("returns updated elapsed time after multiple stop calls", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(50 * time.Millisecond)
		pm.Stop()
		firstElapsed := pm.ElapsedMilliseconds()

		clk.Advance(50 * time.Millisecond)
		pm.Stop()

		assert.Equal(t, 50.0, firstElapsed)
		assert.Equal(t, 100.0, pm.ElapsedMilliseconds())
	})

	t.Run("returns zero after reset", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(10 * time.Millisecond)
		pm.Stop()
		pm.Reset()

		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})
}

func TestPerformanceMonitor_CompleteWorkflow(t *testing.T) {
	t.Run("multiple complete cycles", func(t *testing.T) {
		pm, clk := newTestMonitor()

		pm.Start()
		clk.Advance(25 * time.Millisecond)
		pm.Stop()
		first := pm.ElapsedMilliseconds()

		pm.Start()
		clk.Advance(30 * time.Millisecond)
		pm.Stop()
		second := pm.ElapsedMilliseconds()

		pm.Reset()
		pm.Start()
		clk.Advance(35 * time.Millisecond)
		pm.Stop()
		third := pm.ElapsedMilliseconds()

		assert.Equal(t, []float64{25, 30, 35}, []float64{first, second, third})
	})

	t.Run("real clock", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		pm.Start()
		time.Sleep(10 * time.Millisecond)
		pm.Stop()

		assert.GreaterOrEqual(t, pm.ElapsedMilliseconds(), 10.0)
	})
}
