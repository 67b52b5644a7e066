package status

import (
	"time"

	"github.com/cyberinferno/scada-connector/idgenerator"
	"github.com/cyberinferno/scada-connector/safemap"
)

// Event is a single status transition.
type Event[S any] struct {
	Status    S         // The new status
	Err       error     // Non-nil when the transition was caused by an error
	Timestamp time.Time // When the transition happened
}

// Listener receives status events. Listeners run on the goroutine that
// emitted the event and must not block for long.
type Listener[S any] func(event Event[S])

// Broadcaster fans status events out to registered listeners. Publishing
// iterates a snapshot of the listeners, so a listener may subscribe or
// unsubscribe (itself or others) while an event is being dispatched.
type Broadcaster[S any] struct {
	listeners *safemap.SafeMap[uint32, Listener[S]]
	ids       *idgenerator.IdGenerator
	now       func() time.Time
}

// NewBroadcaster creates a Broadcaster with no listeners.
func NewBroadcaster[S any]() *Broadcaster[S] {
	return &Broadcaster[S]{
		listeners: safemap.NewSafeMap[uint32, Listener[S]](),
		ids:       idgenerator.NewIdGenerator(0),
		now:       time.Now,
	}
}

// Subscribe registers a listener.
//
// Parameters:
//   - listener: Function called for every event emitted after registration
//
// Returns:
//   - A function that removes the listener; calling it more than once is safe
func (b *Broadcaster[S]) Subscribe(listener Listener[S]) (unsubscribe func()) {
	id := b.ids.Id()
	b.listeners.Store(id, listener)

	return func() {
		b.listeners.Delete(id)
	}
}

// Emit publishes a transition to status s, stamped with the current time.
//
// Parameters:
//   - s: The new status
//   - err: The cause, or nil
func (b *Broadcaster[S]) Emit(s S, err error) {
	b.Publish(Event[S]{Status: s, Err: err, Timestamp: b.now()})
}

// Publish delivers event to every listener registered at the time of the call.
func (b *Broadcaster[S]) Publish(event Event[S]) {
	for _, listener := range b.listeners.Snapshot() {
		listener(event)
	}
}

// Len returns the number of registered listeners.
func (b *Broadcaster[S]) Len() int {
	return b.listeners.Len()
}
