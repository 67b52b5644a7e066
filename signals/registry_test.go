package signals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/gateway/gatewaytest"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/sessionstore"
)

type staticIdentity struct {
	err error
}

func (s staticIdentity) Ensure(context.Context) (sessionstore.Identity, error) {
	if s.err != nil {
		return sessionstore.Identity{}, s.err
	}
	return sessionstore.Identity{SessionID: "session-1", ClientID: "client-1"}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *gatewaytest.Fake, *clock.Fake) {
	t.Helper()
	gw := gatewaytest.New()
	clk := clock.NewFake()
	r := NewRegistry(gw, staticIdentity{}, logger.NewNopLogger(), Options{Clock: clk})
	t.Cleanup(r.Close)
	return r, gw, clk
}

type recorder struct {
	mu     sync.Mutex
	values []any
}

func (rec *recorder) handle(_ string, value any) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.values = append(rec.values, value)
}

func (rec *recorder) got() []any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]any(nil), rec.values...)
}

func TestRegistry_Subscribe(t *testing.T) {
	t.Run("empty name", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		_, err := r.Subscribe("", func(string, any) {})
		assert.ErrorIs(t, err, ErrEmptySignalName)
	})

	t.Run("first subscriber queues registration", func(t *testing.T) {
		r, gw, _ := newTestRegistry(t)
		sub, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		assert.Equal(t, "Tank1", sub.Name())

		_, err = r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		assert.Equal(t, 2, r.SubscriberCount("Tank1"))
		assert.Equal(t, 1, r.PendingRegistrations())

		require.NoError(t, r.FlushRegistrations(context.Background()))
		assert.Equal(t, [][]string{{"Tank1"}}, gw.Registered())
		assert.Equal(t, 0, r.PendingRegistrations())
	})

	t.Run("after close", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		r.Close()
		_, err := r.Subscribe("Tank1", func(string, any) {})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("late subscriber receives latest value", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		_, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		r.Publish("Tank1", 17.5)

		rec := &recorder{}
		_, err = r.Subscribe("Tank1", rec.handle)
		require.NoError(t, err)
		assert.Equal(t, []any{17.5}, rec.got())
	})
}

func TestRegistry_FlushRegistrations(t *testing.T) {
	t.Run("batches all pending names", func(t *testing.T) {
		r, gw, _ := newTestRegistry(t)
		for _, name := range []string{"B", "A", "C"} {
			_, err := r.Subscribe(name, func(string, any) {})
			require.NoError(t, err)
		}

		require.NoError(t, r.FlushRegistrations(context.Background()))
		assert.Equal(t, [][]string{{"A", "B", "C"}}, gw.Registered())
		assert.Equal(t, []string{"session-1"}, gw.SessionIDs())

		require.NoError(t, r.FlushRegistrations(context.Background()))
		assert.Len(t, gw.Registered(), 1)
	})

	t.Run("negative codes fail the batch", func(t *testing.T) {
		r, gw, _ := newTestRegistry(t)
		gw.RegisterSignalsFunc = func(ctx context.Context, names []string) ([]int, error) {
			return []int{0, -3, 2}, nil
		}
		for _, name := range []string{"A", "B", "C"} {
			_, err := r.Subscribe(name, func(string, any) {})
			require.NoError(t, err)
		}

		err := r.FlushRegistrations(context.Background())
		var regErr *RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, []Result{{Name: "B", Code: -3}}, regErr.Failures)
		assert.Contains(t, regErr.Error(), "B (-3)")
	})

	t.Run("transport error requeues", func(t *testing.T) {
		r, gw, _ := newTestRegistry(t)
		boom := errors.New("boom")
		gw.RegisterSignalsFunc = func(ctx context.Context, names []string) ([]int, error) {
			return nil, boom
		}
		_, err := r.Subscribe("A", func(string, any) {})
		require.NoError(t, err)

		assert.ErrorIs(t, r.FlushRegistrations(context.Background()), boom)
		assert.Equal(t, 1, r.PendingRegistrations())

		gw.RegisterSignalsFunc = nil
		require.NoError(t, r.FlushRegistrations(context.Background()))
		assert.Equal(t, [][]string{{"A"}, {"A"}}, gw.Registered())
	})

	t.Run("released during a failed call is not unregistered", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		sub, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		gw.RegisterSignalsFunc = func(ctx context.Context, names []string) ([]int, error) {
			sub.Unsubscribe()
			return nil, errors.New("boom")
		}

		assert.Error(t, r.FlushRegistrations(context.Background()))
		clk.Advance(DefaultDebounce)

		assert.Empty(t, gw.Unregistered())
		assert.Zero(t, r.PendingRegistrations())
	})

	t.Run("released during a refused registration is not unregistered", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		sub, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		gw.RegisterSignalsFunc = func(ctx context.Context, names []string) ([]int, error) {
			sub.Unsubscribe()
			return []int{-1}, nil
		}

		var regErr *RegistrationError
		assert.ErrorAs(t, r.FlushRegistrations(context.Background()), &regErr)
		clk.Advance(DefaultDebounce)

		assert.Empty(t, gw.Unregistered())
	})

	t.Run("identity error requeues", func(t *testing.T) {
		gw := gatewaytest.New()
		boom := errors.New("no session")
		r := NewRegistry(gw, staticIdentity{err: boom}, logger.NewNopLogger(), Options{Clock: clock.NewFake()})
		_, err := r.Subscribe("A", func(string, any) {})
		require.NoError(t, err)

		assert.ErrorIs(t, r.FlushRegistrations(context.Background()), boom)
		assert.Equal(t, 1, r.PendingRegistrations())
		assert.Empty(t, gw.Registered())
	})
}

func TestRegistry_Unsubscribe(t *testing.T) {
	t.Run("shared signal keeps delivering", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		first := &recorder{}
		second := &recorder{}
		subA, err := r.Subscribe("Tank1", first.handle)
		require.NoError(t, err)
		_, err = r.Subscribe("Tank1", second.handle)
		require.NoError(t, err)
		require.NoError(t, r.FlushRegistrations(context.Background()))

		subA.Unsubscribe()
		r.Publish("Tank1", 42)
		clk.Advance(time.Second)

		assert.Empty(t, first.got())
		assert.Equal(t, []any{42}, second.got())
		assert.Empty(t, gw.Unregistered())
	})

	t.Run("idempotent", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		sub, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		_, err = r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)

		sub.Unsubscribe()
		sub.Unsubscribe()
		assert.Equal(t, 1, r.SubscriberCount("Tank1"))
		clk.Advance(time.Second)
		assert.Empty(t, gw.Unregistered())
	})

	t.Run("never registered name is dropped locally", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		sub, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)

		sub.Unsubscribe()
		clk.Advance(time.Second)
		assert.Equal(t, 0, r.PendingRegistrations())
		assert.Empty(t, gw.Unregistered())
		assert.Empty(t, r.Names())
	})

	t.Run("debounced into one call", func(t *testing.T) {
		r, gw, clk := newTestRegistry(t)
		var subs []*Subscription
		for _, name := range []string{"A", "B", "C"} {
			sub, err := r.Subscribe(name, func(string, any) {})
			require.NoError(t, err)
			subs = append(subs, sub)
		}
		require.NoError(t, r.FlushRegistrations(context.Background()))

		for _, sub := range subs {
			sub.Unsubscribe()
			clk.Advance(10 * time.Millisecond)
		}
		assert.Empty(t, gw.Unregistered())

		clk.Advance(DefaultDebounce)
		assert.Equal(t, [][]string{{"A", "B", "C"}}, gw.Unregistered())
		assert.Equal(t, 0, clk.Pending())
	})
}

func TestRegistry_Churn(t *testing.T) {
	r, gw, clk := newTestRegistry(t)
	sub, err := r.Subscribe("Tank1", func(string, any) {})
	require.NoError(t, err)
	require.NoError(t, r.FlushRegistrations(context.Background()))

	for i := 0; i < 5; i++ {
		sub.Unsubscribe()
		sub, err = r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		require.NoError(t, r.FlushRegistrations(context.Background()))
	}
	sub.Unsubscribe()
	clk.Advance(DefaultDebounce)

	assert.Len(t, gw.Registered(), 1)
	assert.LessOrEqual(t, len(gw.Unregistered()), 1)
	assert.Equal(t, [][]string{{"Tank1"}}, gw.Unregistered())

	t.Run("subscribe after flush registers again", func(t *testing.T) {
		_, err := r.Subscribe("Tank1", func(string, any) {})
		require.NoError(t, err)
		require.NoError(t, r.FlushRegistrations(context.Background()))
		assert.Len(t, gw.Registered(), 2)
	})
}

func TestRegistry_Publish(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.NotPanics(t, func() { r.Publish("Unknown", 1) })
	_, ok := r.Value("Unknown")
	assert.False(t, ok)
	assert.Empty(t, r.Names())

	rec := &recorder{}
	_, err := r.Subscribe("Tank1", rec.handle)
	require.NoError(t, err)

	_, ok = r.Value("Tank1")
	assert.False(t, ok)

	r.Publish("Tank1", nil)
	v, ok := r.Value("Tank1")
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, []any{nil}, rec.got())

	t.Run("handler may unsubscribe during dispatch", func(t *testing.T) {
		var sub *Subscription
		sub, err := r.Subscribe("Tank2", func(string, any) { sub.Unsubscribe() })
		require.NoError(t, err)
		assert.NotPanics(t, func() { r.Publish("Tank2", 1) })
		assert.Equal(t, 0, r.SubscriberCount("Tank2"))
	})
}

func TestRegistry_RequeueAll(t *testing.T) {
	r, gw, clk := newTestRegistry(t)
	_, err := r.Subscribe("A", func(string, any) {})
	require.NoError(t, err)
	subB, err := r.Subscribe("B", func(string, any) {})
	require.NoError(t, err)
	require.NoError(t, r.FlushRegistrations(context.Background()))

	subB.Unsubscribe()
	r.RequeueAll()
	clk.Advance(time.Second)
	assert.Empty(t, gw.Unregistered())

	require.NoError(t, r.FlushRegistrations(context.Background()))
	assert.Equal(t, [][]string{{"A", "B"}, {"A"}}, gw.Registered())
}

func TestRegistry_Close(t *testing.T) {
	r, gw, clk := newTestRegistry(t)
	sub, err := r.Subscribe("Tank1", func(string, any) {})
	require.NoError(t, err)
	require.NoError(t, r.FlushRegistrations(context.Background()))

	sub.Unsubscribe()
	r.Close()
	r.Close()
	clk.Advance(time.Second)

	assert.Empty(t, gw.Unregistered())
	assert.Equal(t, 0, clk.Pending())
}
