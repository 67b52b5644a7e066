package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdGenerator_Id(t *testing.T) {
	t.Run("first Id returns startValue+1", func(t *testing.T) {
		gen := NewIdGenerator(100)
		assert.Equal(t, uint32(101), gen.Id())
	})

	t.Run("ids are sequential", func(t *testing.T) {
		gen := NewIdGenerator(0)
		for want := uint32(1); want <= 5; want++ {
			assert.Equal(t, want, gen.Id())
		}
		assert.Equal(t, uint32(5), gen.Last())
	})
}

func TestIdGenerator_Concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	seen := make(map[uint32]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Id()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Len(t, seen, 200)
	assert.Equal(t, uint32(200), gen.Last())
}
