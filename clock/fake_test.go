package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_Advance(t *testing.T) {
	t.Run("fires due callbacks in order", func(t *testing.T) {
		c := NewFake()
		var order []int

		c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
		c.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
		c.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })

		c.Advance(25 * time.Millisecond)

		assert.Equal(t, []int{1, 2}, order)
		assert.Equal(t, 1, c.Pending())
	})

	t.Run("runs callbacks scheduled inside the window", func(t *testing.T) {
		c := NewFake()
		count := 0

		var tick func()
		tick = func() {
			count++
			c.AfterFunc(10*time.Millisecond, tick)
		}
		c.AfterFunc(10*time.Millisecond, tick)

		c.Advance(35 * time.Millisecond)

		assert.Equal(t, 3, count)
	})

	t.Run("advance zero fires immediate callbacks", func(t *testing.T) {
		c := NewFake()
		fired := false
		c.AfterFunc(0, func() { fired = true })

		c.Advance(0)

		assert.True(t, fired)
	})

	t.Run("moves now forward", func(t *testing.T) {
		c := NewFake()
		start := c.Now()

		c.Advance(time.Second)

		assert.Equal(t, time.Second, c.Now().Sub(start))
	})
}

func TestFake_Stop(t *testing.T) {
	c := NewFake()
	fired := false
	timer := c.AfterFunc(10*time.Millisecond, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Second)

	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}
