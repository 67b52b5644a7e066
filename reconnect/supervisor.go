// Package reconnect watches the polling status of a connector and rebuilds
// the connection when polling keeps failing or the server cancels the update
// channel.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/connection"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/status"
)

const (
	// DefaultCooldown is the pause between a trigger and the teardown.
	DefaultCooldown = time.Second

	// DefaultBackoff is the pause between two failed restore attempts.
	DefaultBackoff = 5 * time.Second
)

// ErrRetriesExhausted is the terminal error once MaxAttempts restores failed.
var ErrRetriesExhausted = errors.New("reconnect: retries exhausted")

// Target is the connection being supervised.
type Target interface {
	// Teardown releases the broken connection. Errors are logged only.
	Teardown(ctx context.Context) error

	// Restore builds a working connection and restarts polling.
	Restore(ctx context.Context) error
}

// Config tunes a Supervisor.
type Config struct {
	Cooldown         time.Duration    // Defaults to DefaultCooldown
	Backoff          time.Duration    // Defaults to DefaultBackoff
	MaxAttempts      int              // Restore attempts per cycle; 0 means unbounded
	FailureThreshold int              // Consecutive polling errors that trigger a cycle; defaults to 1
	IsFatal          func(error) bool // Errors that end supervision; defaults to license errors
	Clock            clock.Clock      // Defaults to clock.Real()
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 1
	}
	if c.IsFatal == nil {
		c.IsFatal = func(err error) bool {
			return errors.Is(err, connection.ErrLicenseInvalid)
		}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Supervisor runs the reconnect state machine. While armed it listens to the
// polling status. Failures reported during a cycle are ignored, except those
// of the loop started by Restore: such a failure starts the next cycle as
// soon as the current one ends.
type Supervisor struct {
	polling  *status.Broadcaster[status.PollingStatus]
	target   Target
	log      logger.Logger
	statuses *status.Broadcaster[status.RetryStatus]

	mu          sync.Mutex
	cfg         Config
	unsubscribe func()
	failures    int
	attempts    int
	cycling     bool
	restoring   bool
	missed      bool
	missedErr   error
	stopped     bool
	gen         uint64
	timer       clock.Timer
	cancel      context.CancelFunc
	err         error
}

// NewSupervisor creates a disarmed Supervisor.
//
// Parameters:
//   - polling: Polling status events to watch
//   - target: Connection to tear down and restore
//   - cfg: Timing and retry settings; zero values take the defaults
//   - log: Logger; a component field is added
//
// Returns:
//   - A Supervisor; call Arm to start watching
func NewSupervisor(polling *status.Broadcaster[status.PollingStatus], target Target, cfg Config, log logger.Logger) *Supervisor {
	return &Supervisor{
		polling:  polling,
		target:   target,
		log:      log.With(logger.Component("reconnect")),
		statuses: status.NewBroadcaster[status.RetryStatus](),
		cfg:      cfg.withDefaults(),
	}
}

// Statuses returns the broadcaster of retry status events.
func (s *Supervisor) Statuses() *status.Broadcaster[status.RetryStatus] {
	return s.statuses
}

// SetMaxAttempts changes the restore attempt ceiling; 0 means unbounded.
func (s *Supervisor) SetMaxAttempts(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxAttempts = n
}

// Arm starts watching the polling status and clears a previous terminal
// error. Arming an armed or cycling Supervisor does nothing.
func (s *Supervisor) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycling || s.unsubscribe != nil {
		return
	}
	s.stopped = false
	s.err = nil
	s.failures = 0
	s.attempts = 0
	s.unsubscribe = s.polling.Subscribe(s.onPolling)
}

// Err returns the error that ended supervision, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cycling reports whether a reconnect cycle is in progress.
func (s *Supervisor) Cycling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycling
}

func (s *Supervisor) onPolling(e status.Event[status.PollingStatus]) {
	s.mu.Lock()
	if s.cycling && !s.restoring {
		s.mu.Unlock()
		return
	}

	fire := false
	switch e.Status {
	case status.Polled:
		s.failures = 0
		s.missed, s.missedErr = false, nil
	case status.PollingError:
		s.failures++
		fire = s.failures >= s.cfg.FailureThreshold
	case status.PollingCanceled:
		fire = true
	}
	if fire && s.cycling {
		s.missed, s.missedErr = true, e.Err
		fire = false
	}
	s.mu.Unlock()

	if fire {
		s.trigger(e.Err)
	}
}

func (s *Supervisor) trigger(cause error) {
	s.mu.Lock()
	if s.cycling || s.stopped || s.unsubscribe == nil {
		s.mu.Unlock()
		return
	}
	s.cycling = true
	s.attempts = 0
	s.missed, s.missedErr = false, nil
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.timer = s.cfg.Clock.AfterFunc(s.cfg.Cooldown, func() { s.teardown(ctx, gen) })
	s.mu.Unlock()

	s.log.Warn("polling failed, reconnecting", logger.Err(cause))
	s.statuses.Emit(status.RetryWaiting, cause)
}

func (s *Supervisor) current(gen uint64) bool {
	return s.cycling && s.gen == gen
}

func (s *Supervisor) teardown(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.target.Teardown(ctx); err != nil {
		s.log.Warn("teardown failed", logger.Err(err))
	}
	s.attempt(ctx, gen)
}

func (s *Supervisor) attempt(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.attempts++
	n := s.attempts
	s.failures = 0
	s.missed, s.missedErr = false, nil
	s.restoring = true
	s.mu.Unlock()

	s.log.Info("reconnect attempt", logger.Field{Key: "attempt", Value: n})
	s.statuses.Emit(status.RetryAttempt, nil)
	err := s.target.Restore(ctx)

	s.mu.Lock()
	s.restoring = false
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}

	if err == nil {
		s.endCycleLocked()
		missed, cause := s.missed, s.missedErr
		s.missed, s.missedErr = false, nil
		s.mu.Unlock()
		s.log.Info("reconnected", logger.Field{Key: "attempts", Value: n})
		if missed {
			s.trigger(cause)
		}
		return
	}

	var terminal error
	switch {
	case s.cfg.IsFatal(err):
		terminal = err
	case s.cfg.MaxAttempts > 0 && n >= s.cfg.MaxAttempts:
		terminal = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, n, err)
	}
	if terminal != nil {
		s.endCycleLocked()
		s.stopped = true
		s.err = terminal
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		s.log.Error("giving up reconnecting", logger.Err(terminal))
		s.statuses.Emit(status.RetryStopped, terminal)
		return
	}

	s.timer = s.cfg.Clock.AfterFunc(s.cfg.Backoff, func() { s.attempt(ctx, gen) })
	s.mu.Unlock()
	s.log.Warn("reconnect attempt failed", logger.Err(err), logger.Field{Key: "attempt", Value: n})
	s.statuses.Emit(status.RetryWaiting, err)
}

// endCycleLocked leaves the cycling state. Must be called with s.mu held.
func (s *Supervisor) endCycleLocked() {
	s.cycling = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Stop disarms the Supervisor and cancels a cycle in progress. RetryStopped
// is emitted only when a cycle was interrupted. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	wasCycling := s.cycling
	s.endCycleLocked()
	s.stopped = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if wasCycling {
		s.log.Info("reconnect stopped")
		s.statuses.Emit(status.RetryStopped, nil)
	}
}
