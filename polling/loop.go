// Package polling runs the long-poll update loop that fetches signal value
// changes from the server and hands them to the signal registry.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/perfmonitor"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/status"
)

// DefaultInterval is the delay between two polls.
const DefaultInterval = 250 * time.Millisecond

// maxRequestID is where request ids wrap around.
const maxRequestID = 1000

// NextRequestID computes the id of the next update request from the previous
// request id and the response id the server returned for it.
//
//   - prevResponseID 0: first request, id 1
//   - prevResponseID == prevRequestID: next id, wrapping after 1000
//   - otherwise 0, telling the server a response was missed
func NextRequestID(prevRequestID, prevResponseID int) int {
	if prevResponseID == 0 {
		return 1
	}
	if prevResponseID == prevRequestID {
		return prevRequestID%maxRequestID + 1
	}
	return 0
}

// IdentitySource connects when needed and returns the session identity.
type IdentitySource interface {
	Ensure(ctx context.Context) (sessionstore.Identity, error)
}

// Publisher receives the signal values of every update.
type Publisher interface {
	Publish(name string, value any)
}

type request struct {
	sessionID string
	clientID  string
	requestID int
}

// Loop polls the server for updates until stopped or canceled by the server.
type Loop struct {
	gw       gateway.Gateway
	ids      IdentitySource
	sink     Publisher
	log      logger.Logger
	clock    clock.Clock
	statuses *status.Broadcaster[status.PollingStatus]

	mu        sync.Mutex
	interval  time.Duration
	running   bool
	gen       uint64
	timer     clock.Timer
	cancel    context.CancelFunc
	req       request
	errStreak int
}

// NewLoop creates a stopped Loop.
//
// Parameters:
//   - gw: Gateway used for GetUpdates
//   - ids: Source of the session and client ids
//   - sink: Receives every (name, value) pair of an update
//   - clk: Clock driving the poll schedule; clock.Real() when nil
//   - log: Logger; a component field is added
//
// Returns:
//   - A stopped Loop with DefaultInterval
func NewLoop(gw gateway.Gateway, ids IdentitySource, sink Publisher, clk clock.Clock, log logger.Logger) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{
		gw:       gw,
		ids:      ids,
		sink:     sink,
		log:      log.With(logger.Component("polling")),
		clock:    clk,
		statuses: status.NewBroadcaster[status.PollingStatus](),
		interval: DefaultInterval,
	}
}

// Statuses returns the broadcaster of polling status events.
func (l *Loop) Statuses() *status.Broadcaster[status.PollingStatus] {
	return l.statuses
}

// SetInterval changes the delay between polls. Zero or negative restores
// DefaultInterval. It applies from the next scheduled poll.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = d
}

// Interval returns the delay between polls.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start begins polling with request id 1. The first poll is scheduled
// immediately. Starting a running loop does nothing.
//
// Returns:
//   - The error of obtaining the session identity
func (l *Loop) Start(ctx context.Context) error {
	if l.Running() {
		return nil
	}
	id, err := l.ids.Ensure(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.gen++
	gen := l.gen
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.errStreak = 0
	l.req = request{sessionID: id.SessionID, clientID: id.ClientID, requestID: NextRequestID(0, 0)}
	l.mu.Unlock()

	l.log.Info("start getting online updates")
	l.statuses.Emit(status.PollingStarted, nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen == gen {
		l.timer = l.clock.AfterFunc(0, func() { l.poll(runCtx, gen) })
	}
	return nil
}

// schedule arms the next poll. Must be called with l.mu held.
func (l *Loop) schedule(ctx context.Context, gen uint64) {
	l.timer = l.clock.AfterFunc(l.interval, func() { l.poll(ctx, gen) })
}

func (l *Loop) current(gen uint64) bool {
	return l.running && l.gen == gen
}

func (l *Loop) poll(ctx context.Context, gen uint64) {
	l.mu.Lock()
	if !l.current(gen) {
		l.mu.Unlock()
		return
	}
	req := l.req
	l.mu.Unlock()

	l.statuses.Emit(status.Polling, nil)
	l.log.Debug("get updates",
		logger.Field{Key: "sessionId", Value: req.sessionID},
		logger.Field{Key: "requestId", Value: req.requestID})

	mon := perfmonitor.NewPerformanceMonitorWithClock(l.clock)
	mon.Start()
	update, err := l.gw.GetUpdates(ctx, req.sessionID, req.clientID, req.requestID)
	mon.Stop()

	l.mu.Lock()
	if !l.current(gen) {
		l.mu.Unlock()
		return
	}

	if err != nil {
		if l.errStreak == 0 {
			l.log.Error("get updates failed", logger.Err(err))
		}
		l.errStreak++
		l.schedule(ctx, gen)
		l.mu.Unlock()
		l.statuses.Emit(status.PollingError, err)
		return
	}

	if update == nil {
		l.stopLocked()
		l.mu.Unlock()
		l.log.Warn("update request canceled by the server")
		l.statuses.Emit(status.PollingCanceled, nil)
		return
	}

	l.errStreak = 0
	l.mu.Unlock()

	l.log.Debug("updates received",
		logger.Field{Key: "responseId", Value: update.ResponseID},
		logger.Field{Key: "count", Value: len(update.Updates)},
		logger.Field{Key: "elapsedMs", Value: mon.ElapsedMilliseconds()})
	l.statuses.Emit(status.Polled, nil)

	for _, kv := range update.Updates {
		if kv.Key == "" {
			continue
		}
		l.sink.Publish(kv.Key, kv.Value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.current(gen) {
		return
	}
	next := NextRequestID(req.requestID, update.ResponseID)
	if next == 0 {
		l.log.Warn("response id out of sequence, renumbering",
			logger.Field{Key: "requestId", Value: req.requestID},
			logger.Field{Key: "responseId", Value: update.ResponseID})
	}
	l.req.requestID = next
	l.schedule(ctx, gen)
}

// stopLocked ends the current run. Must be called with l.mu held.
func (l *Loop) stopLocked() {
	l.running = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.req = request{}
}

// Stop ends polling, cancelling the scheduled poll and any call in flight.
// Stop is idempotent; Stopped is emitted only when the loop was running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.stopLocked()
	l.mu.Unlock()

	l.log.Info("stopped getting online updates")
	l.statuses.Emit(status.PollingStopped, nil)
}
