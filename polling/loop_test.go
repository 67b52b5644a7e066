package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/gateway/gatewaytest"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/status"
)

type staticIdentity struct{}

func (staticIdentity) Ensure(context.Context) (sessionstore.Identity, error) {
	return sessionstore.Identity{SessionID: "session-1", ClientID: "client-1"}, nil
}

type failingIdentity struct{ err error }

func (f failingIdentity) Ensure(context.Context) (sessionstore.Identity, error) {
	return sessionstore.Identity{}, f.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []gateway.KeyValue
	onValue func()
}

func (p *recordingPublisher) Publish(name string, value any) {
	p.mu.Lock()
	p.updates = append(p.updates, gateway.KeyValue{Key: name, Value: value})
	hook := p.onValue
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (p *recordingPublisher) got() []gateway.KeyValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.KeyValue(nil), p.updates...)
}

type fixture struct {
	gw    *gatewaytest.Fake
	clk   *clock.Fake
	pub   *recordingPublisher
	loop  *Loop
	mu    sync.Mutex
	stats []status.PollingStatus
}

func (f *fixture) seen() []status.PollingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]status.PollingStatus(nil), f.stats...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:  gatewaytest.New(),
		clk: clock.NewFake(),
		pub: &recordingPublisher{},
	}
	f.loop = NewLoop(f.gw, staticIdentity{}, f.pub, f.clk, logger.NewNopLogger())
	t.Cleanup(f.loop.Statuses().Subscribe(func(e status.Event[status.PollingStatus]) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stats = append(f.stats, e.Status)
	}))
	t.Cleanup(f.loop.Stop)
	return f
}

func TestNextRequestID(t *testing.T) {
	tests := []struct {
		prevRequest, prevResponse, want int
	}{
		{0, 0, 1},
		{7, 7, 8},
		{999, 999, 1000},
		{1000, 1000, 1},
		{5, 3, 0},
		{3, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextRequestID(tt.prevRequest, tt.prevResponse),
			"NextRequestID(%d, %d)", tt.prevRequest, tt.prevResponse)
	}
}

func TestLoop_Start(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.loop.Start(context.Background()))
	assert.True(t, f.loop.Running())
	assert.Equal(t, []status.PollingStatus{status.PollingStarted}, f.seen())

	f.clk.Advance(0)
	assert.Equal(t, []int{1}, f.gw.RequestIDs())

	f.clk.Advance(DefaultInterval)
	assert.Equal(t, []int{1, 2}, f.gw.RequestIDs())
	assert.Equal(t, []status.PollingStatus{
		status.PollingStarted,
		status.Polling, status.Polled,
		status.Polling, status.Polled,
	}, f.seen())
	assert.Equal(t, []string{"session-1", "session-1"}, f.gw.SessionIDs())

	t.Run("second start is a no-op", func(t *testing.T) {
		require.NoError(t, f.loop.Start(context.Background()))
		f.clk.Advance(0)
		assert.Len(t, f.gw.RequestIDs(), 2)
	})
}

func TestLoop_Start_IdentityError(t *testing.T) {
	boom := errors.New("no session")
	loop := NewLoop(gatewaytest.New(), failingIdentity{err: boom}, &recordingPublisher{}, clock.NewFake(), logger.NewNopLogger())

	assert.ErrorIs(t, loop.Start(context.Background()), boom)
	assert.False(t, loop.Running())
}

func TestLoop_Publish(t *testing.T) {
	f := newFixture(t)
	f.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
		return &gateway.Update{
			ResponseID: requestID,
			Updates: []gateway.KeyValue{
				{Key: "Tank1", Value: 12.5},
				{Key: "", Value: "ignored"},
				{Key: "Pump", Value: nil},
			},
		}, nil
	}

	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)

	assert.Equal(t, []gateway.KeyValue{{Key: "Tank1", Value: 12.5}, {Key: "Pump", Value: nil}}, f.pub.got())
}

func TestLoop_Error(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("timeout")
		}
		return &gateway.Update{ResponseID: requestID}, nil
	}

	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)
	f.clk.Advance(DefaultInterval)
	f.clk.Advance(DefaultInterval)
	f.clk.Advance(DefaultInterval)

	assert.Equal(t, []int{1, 1, 1, 2}, f.gw.RequestIDs())
	assert.Equal(t, []status.PollingStatus{
		status.PollingStarted,
		status.Polling, status.PollingError,
		status.Polling, status.PollingError,
		status.Polling, status.Polled,
		status.Polling, status.Polled,
	}, f.seen())
	assert.True(t, f.loop.Running())
}

func TestLoop_Canceled(t *testing.T) {
	f := newFixture(t)
	f.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
		return nil, nil
	}

	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)
	f.clk.Advance(time.Second)

	assert.False(t, f.loop.Running())
	assert.Equal(t, []int{1}, f.gw.RequestIDs())
	assert.Equal(t, []status.PollingStatus{status.PollingStarted, status.Polling, status.PollingCanceled}, f.seen())
	assert.Equal(t, 0, f.clk.Pending())

	t.Run("can be restarted", func(t *testing.T) {
		f.gw.GetUpdatesFunc = nil
		require.NoError(t, f.loop.Start(context.Background()))
		f.clk.Advance(0)
		assert.Equal(t, []int{1, 1}, f.gw.RequestIDs())
	})
}

func TestLoop_Desync(t *testing.T) {
	f := newFixture(t)
	f.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
		if requestID == 1 {
			return &gateway.Update{ResponseID: 5}, nil
		}
		return &gateway.Update{ResponseID: 0}, nil
	}

	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)
	f.clk.Advance(DefaultInterval)
	f.clk.Advance(DefaultInterval)

	assert.Equal(t, []int{1, 0, 1}, f.gw.RequestIDs())
}

func TestLoop_Stop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)

	f.loop.Stop()
	f.loop.Stop()
	f.clk.Advance(10 * time.Second)

	assert.False(t, f.loop.Running())
	assert.Equal(t, []int{1}, f.gw.RequestIDs())
	assert.Equal(t, status.PollingStopped, f.seen()[len(f.seen())-1])
	assert.Equal(t, 1, countStatus(f.seen(), status.PollingStopped))
	assert.Equal(t, 0, f.clk.Pending())

	t.Run("stop before first poll", func(t *testing.T) {
		g := newFixture(t)
		require.NoError(t, g.loop.Start(context.Background()))
		g.loop.Stop()
		g.clk.Advance(time.Second)
		assert.Empty(t, g.gw.RequestIDs())
	})

	t.Run("stop from a value handler", func(t *testing.T) {
		g := newFixture(t)
		g.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
			return &gateway.Update{ResponseID: requestID, Updates: []gateway.KeyValue{{Key: "A", Value: 1}}}, nil
		}
		g.pub.onValue = g.loop.Stop
		require.NoError(t, g.loop.Start(context.Background()))
		g.clk.Advance(time.Second)
		assert.Equal(t, []int{1}, g.gw.RequestIDs())
		assert.Equal(t, 0, g.clk.Pending())
	})

	t.Run("stop cancels the call in flight", func(t *testing.T) {
		g := newFixture(t)
		g.gw.GetUpdatesFunc = func(ctx context.Context, requestID int) (*gateway.Update, error) {
			g.loop.Stop()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		require.NoError(t, g.loop.Start(context.Background()))
		g.clk.Advance(time.Second)
		assert.NotContains(t, g.seen(), status.PollingError)
		assert.Equal(t, []int{1}, g.gw.RequestIDs())
	})
}

func TestLoop_SetInterval(t *testing.T) {
	f := newFixture(t)
	f.loop.SetInterval(time.Second)
	assert.Equal(t, time.Second, f.loop.Interval())

	require.NoError(t, f.loop.Start(context.Background()))
	f.clk.Advance(0)
	f.clk.Advance(500 * time.Millisecond)
	assert.Len(t, f.gw.RequestIDs(), 1)
	f.clk.Advance(500 * time.Millisecond)
	assert.Len(t, f.gw.RequestIDs(), 2)

	f.loop.SetInterval(0)
	assert.Equal(t, DefaultInterval, f.loop.Interval())
}

func countStatus(seen []status.PollingStatus, s status.PollingStatus) int {
	n := 0
	for _, v := range seen {
		if v == s {
			n++
		}
	}
	return n
}
