// Package signals keeps the reference counted signal subscriptions of a
// connector and synchronizes them with the server: new names are registered
// in batches, names that lose their last subscriber are unregistered after a
// short debounce window, and values received from the update loop are
// published to the subscribers.
package signals

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/idgenerator"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/safeset"
	"github.com/cyberinferno/scada-connector/sessionstore"
)

// DefaultDebounce is the window in which unregistrations are batched.
const DefaultDebounce = 50 * time.Millisecond

var (
	// ErrEmptySignalName is returned by Subscribe for an empty name.
	ErrEmptySignalName = errors.New("signals: empty signal name")

	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("signals: registry closed")
)

// Handler receives the values published for a signal. It runs on the
// publishing goroutine with no registry lock held.
type Handler func(name string, value any)

// IdentitySource connects when needed and returns the session identity.
type IdentitySource interface {
	Ensure(ctx context.Context) (sessionstore.Identity, error)
}

// Result is the registration outcome of one signal.
type Result struct {
	Name string
	Code int
}

// RegistrationError lists the signals the server refused to register.
type RegistrationError struct {
	Failures []Result
}

func (e *RegistrationError) Error() string {
	return registrationMessage("failed to register", e.Failures)
}

func registrationMessage(prefix string, results []Result) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s (%d)", r.Name, r.Code)
	}
	return fmt.Sprintf("%s %d signals: %s", prefix, len(results), strings.Join(parts, ", "))
}

// Options tunes a Registry.
type Options struct {
	Clock    clock.Clock   // Defaults to clock.Real()
	Debounce time.Duration // Defaults to DefaultDebounce
}

type signal struct {
	value    any
	observed bool
	handlers map[uint32]Handler
}

// Registry is the set of live signals of one connector.
type Registry struct {
	gw       gateway.Gateway
	ids      IdentitySource
	log      logger.Logger
	clock    clock.Clock
	debounce time.Duration
	subIDs   *idgenerator.IdGenerator

	mu         sync.Mutex
	signals    map[string]*signal
	registered map[string]struct{}
	pending    *safeset.SafeSet[string]
	unregister *safeset.SafeSet[string]
	timer      clock.Timer
	closed     bool
}

// NewRegistry creates an empty Registry.
//
// Parameters:
//   - gw: Gateway used for (un)registration
//   - ids: Source of the session and client ids
//   - log: Logger; a component field is added
//   - opts: Clock and debounce overrides
//
// Returns:
//   - A new Registry
func NewRegistry(gw gateway.Gateway, ids IdentitySource, log logger.Logger, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Registry{
		gw:         gw,
		ids:        ids,
		log:        log.With(logger.Component("signals")),
		clock:      opts.Clock,
		debounce:   opts.Debounce,
		subIDs:     idgenerator.NewIdGenerator(0),
		signals:    make(map[string]*signal),
		registered: make(map[string]struct{}),
		pending:    safeset.NewSafeSet[string](),
		unregister: safeset.NewSafeSet[string](),
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	r    *Registry
	name string
	id   uint32
	once sync.Once
}

// Name returns the subscribed signal name.
func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.r.release(s.name, s.id)
	})
}

// Subscribe adds a handler for a signal. The first subscriber of a name
// queues it for registration; later subscribers share the signal and receive
// its latest value immediately when one has been observed.
//
// Parameters:
//   - name: Signal name
//   - handler: Receives every value published for the signal
//
// Returns:
//   - The subscription handle
//   - ErrEmptySignalName or ErrClosed
func (r *Registry) Subscribe(name string, handler Handler) (*Subscription, error) {
	if name == "" {
		r.log.Warn("no signal name specified")
		return nil, ErrEmptySignalName
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	sig, ok := r.signals[name]
	if !ok {
		sig = &signal{handlers: make(map[uint32]Handler)}
		r.signals[name] = sig
		switch {
		case r.unregister.Remove(name):
			// Still registered on the server; the pending unregister is dropped.
		case !r.isRegistered(name):
			r.pending.Add(name)
		}
	}

	id := r.subIDs.Id()
	sig.handlers[id] = handler
	value, observed := sig.value, sig.observed
	r.mu.Unlock()

	if observed {
		handler(name, value)
	}
	return &Subscription{r: r, name: name, id: id}, nil
}

func (r *Registry) isRegistered(name string) bool {
	_, ok := r.registered[name]
	return ok
}

func (r *Registry) release(name string, id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig, ok := r.signals[name]
	if !ok {
		return
	}
	if _, ok := sig.handlers[id]; !ok {
		return
	}
	delete(sig.handlers, id)
	if len(sig.handlers) > 0 {
		return
	}

	delete(r.signals, name)
	if r.pending.Remove(name) || !r.isRegistered(name) {
		return
	}
	r.unregister.Add(name)
	if r.timer == nil && !r.closed {
		r.timer = r.clock.AfterFunc(r.debounce, r.flushUnregistrations)
	}
}

// flushUnregistrations sends the names collected during one debounce window
// in a single call. Failures are logged only.
func (r *Registry) flushUnregistrations() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	names := r.unregister.Drain()
	for _, name := range names {
		delete(r.registered, name)
	}
	r.mu.Unlock()

	if len(names) == 0 {
		return
	}
	slices.Sort(names)

	ctx := context.Background()
	id, err := r.ids.Ensure(ctx)
	if err != nil {
		r.log.Error("unregister signals", logger.Err(err))
		return
	}
	r.log.Info("unregistering signals", logger.Field{Key: "count", Value: len(names)})
	if _, err := r.gw.UnregisterSignals(ctx, id.SessionID, id.ClientID, names); err != nil {
		r.log.Error("unregister signals", logger.Err(err), logger.Field{Key: "signals", Value: names})
	}
}

// FlushRegistrations registers every queued name in one batch. Names with a
// negative result code fail the batch with a *RegistrationError; positive
// codes are logged as warnings. Names of a batch that failed in transport are
// queued again.
func (r *Registry) FlushRegistrations(ctx context.Context) error {
	r.mu.Lock()
	names := r.pending.Drain()
	for _, name := range names {
		r.registered[name] = struct{}{}
	}
	r.mu.Unlock()

	if len(names) == 0 {
		r.log.Debug("signals are already registered, skipping")
		return nil
	}
	slices.Sort(names)

	codes, err := r.register(ctx, names)
	if err != nil {
		r.requeue(names)
		return err
	}

	var ok, warnings, failures []Result
	for i, name := range names {
		code := 0
		if i < len(codes) {
			code = codes[i]
		}
		res := Result{Name: name, Code: code}
		switch {
		case code < 0:
			failures = append(failures, res)
		case code > 0:
			warnings = append(warnings, res)
		default:
			ok = append(ok, res)
		}
	}

	if len(ok) > 0 {
		r.log.Info(registrationMessage("successfully registered", ok))
	}
	if len(warnings) > 0 {
		r.log.Warn(registrationMessage("encountered warnings when registering", warnings))
	}
	if len(failures) > 0 {
		r.mu.Lock()
		for _, f := range failures {
			delete(r.registered, f.Name)
			r.unregister.Remove(f.Name)
		}
		r.mu.Unlock()
		return &RegistrationError{Failures: failures}
	}
	return nil
}

func (r *Registry) register(ctx context.Context, names []string) ([]int, error) {
	id, err := r.ids.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("registering signals", logger.Field{Key: "signals", Value: names})
	codes, err := r.gw.RegisterSignals(ctx, id.SessionID, id.ClientID, names)
	if err != nil {
		return nil, fmt.Errorf("register signals: %w", err)
	}
	return codes, nil
}

func (r *Registry) requeue(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.registered, name)
		if _, live := r.signals[name]; live {
			r.pending.Add(name)
		} else {
			// Released while the call was in flight; the server never had it.
			r.unregister.Remove(name)
		}
	}
}

// RequeueAll forgets every server side registration and queues all live
// names for registration. Used after the session was replaced.
func (r *Registry) RequeueAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.unregister.Reset()
	r.registered = make(map[string]struct{})
	for name := range r.signals {
		r.pending.Add(name)
	}
}

// Publish delivers a value to every subscriber of name. Unknown names are
// ignored.
func (r *Registry) Publish(name string, value any) {
	r.mu.Lock()
	sig, ok := r.signals[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	sig.value = value
	sig.observed = true
	ids := make([]uint32, 0, len(sig.handlers))
	for id := range sig.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = sig.handlers[id]
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(name, value)
	}
}

// Value returns the latest value of name and whether one was observed.
func (r *Registry) Value(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.signals[name]
	if !ok {
		return nil, false
	}
	return sig.value, sig.observed
}

// Names returns the live signal names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.signals))
	for name := range r.signals {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SubscriberCount returns the number of subscribers of name.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig, ok := r.signals[name]; ok {
		return len(sig.handlers)
	}
	return 0
}

// PendingRegistrations returns the number of names waiting for FlushRegistrations.
func (r *Registry) PendingRegistrations() int {
	return r.pending.Size()
}

// Close stops the debounce timer and rejects new subscriptions. Pending
// unregistrations are dropped. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.unregister.Reset()
}
