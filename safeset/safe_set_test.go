package safeset

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeSet(t *testing.T) {
	s := NewSafeSet[string]()
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Size())
}

func TestSafeSet_Add_Contains(t *testing.T) {
	s := NewSafeSet[string]()

	t.Run("first add reports new element", func(t *testing.T) {
		assert.True(t, s.Add("Tank1"))
		assert.True(t, s.Contains("Tank1"))
	})

	t.Run("duplicate add reports existing element", func(t *testing.T) {
		assert.False(t, s.Add("Tank1"))
		assert.Equal(t, 1, s.Size())
	})

	t.Run("missing element is not contained", func(t *testing.T) {
		assert.False(t, s.Contains("Tank2"))
	})
}

func TestSafeSet_Remove(t *testing.T) {
	s := NewSafeSet[int]()
	s.Add(1)

	assert.True(t, s.Remove(1))
	assert.False(t, s.Remove(1))
	assert.False(t, s.Contains(1))
}

func TestSafeSet_Values(t *testing.T) {
	s := NewSafeSet[string]()
	s.Add("a")
	s.Add("b")

	values := s.Values()

	assert.ElementsMatch(t, []string{"a", "b"}, values)
	assert.Equal(t, 2, s.Size())
}

func TestSafeSet_Drain(t *testing.T) {
	t.Run("returns elements and empties the set", func(t *testing.T) {
		s := NewSafeSet[string]()
		s.Add("a")
		s.Add("b")

		drained := s.Drain()

		assert.ElementsMatch(t, []string{"a", "b"}, drained)
		assert.Equal(t, 0, s.Size())
	})

	t.Run("draining an empty set returns an empty slice", func(t *testing.T) {
		s := NewSafeSet[string]()
		assert.Empty(t, s.Drain())
	})

	t.Run("elements added after drain form a new batch", func(t *testing.T) {
		s := NewSafeSet[string]()
		s.Add("a")
		_ = s.Drain()
		s.Add("c")

		assert.Equal(t, []string{"c"}, s.Drain())
	})
}

func TestSafeSet_Reset(t *testing.T) {
	s := NewSafeSet[int]()
	s.Add(1)
	s.Add(2)

	s.Reset()

	assert.Equal(t, 0, s.Size())
	assert.False(t, s.Contains(1))
}

func TestSafeSet_Concurrent(t *testing.T) {
	s := NewSafeSet[string]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Add(fmt.Sprintf("signal-%d", n%10))
			_ = s.Values()
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 10, s.Size())
}
