package status

import "sync"

// NodeStatus is the presentation of a status for host UIs: an indicator
// colour, an indicator shape and a label.
type NodeStatus struct {
	Fill  string `json:"fill"`
	Shape string `json:"shape"`
	Text  string `json:"text"`
}

// Describer is implemented by every status enum.
type Describer interface {
	NodeStatus() NodeStatus
}

// NodeStatus maps the connection status to its indicator.
func (s ConnectionStatus) NodeStatus() NodeStatus {
	ns := NodeStatus{Fill: "grey", Shape: "dot", Text: s.String()}
	switch s {
	case ConnectionError:
		ns.Fill = "red"
	case Canceled, Disconnected:
		ns.Fill = "yellow"
	case Connecting:
		ns.Fill, ns.Shape = "green", "ring"
	case Disconnecting:
		ns.Fill, ns.Shape = "yellow", "ring"
	case Connected:
		ns.Fill = "green"
	}
	return ns
}

// NodeStatus maps the polling status to its indicator.
func (s PollingStatus) NodeStatus() NodeStatus {
	ns := NodeStatus{Fill: "grey", Shape: "dot", Text: s.String()}
	switch s {
	case PollingError:
		ns.Fill = "red"
	case PollingCanceled:
		ns.Fill = "yellow"
	case Polled:
		ns.Fill = "green"
	case Polling, PollingStarted:
		ns.Fill, ns.Shape = "green", "ring"
	case PollingStopped:
		ns.Fill, ns.Shape = "yellow", "ring"
	}
	return ns
}

// NodeStatus maps the security status to its indicator.
func (s SecurityStatus) NodeStatus() NodeStatus {
	ns := NodeStatus{Fill: "grey", Shape: "dot", Text: s.String()}
	switch s {
	case AuthenticationError:
		ns.Fill = "red"
	case Authenticating:
		ns.Fill, ns.Shape = "green", "ring"
	case Authenticated:
		ns.Fill = "green"
	case RemoteLogout:
		ns.Fill = "yellow"
	}
	return ns
}

// NodeStatus maps the retry status to its indicator.
func (s RetryStatus) NodeStatus() NodeStatus {
	ns := NodeStatus{Fill: "grey", Shape: "dot", Text: s.String()}
	switch s {
	case RetryStopped:
		ns.Fill, ns.Shape = "red", "ring"
	case RetryWaiting:
		ns.Fill, ns.Shape = "yellow", "ring"
	case RetryAttempt:
		ns.Fill = "yellow"
	}
	return ns
}

// Sink holds a single replaceable status callback, the hook host adapters
// use to mirror connector state in their UI.
type Sink struct {
	mu       sync.RWMutex
	callback func(NodeStatus)
}

// SetCallback replaces the callback. Pass nil to clear it.
func (s *Sink) SetCallback(callback func(NodeStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = callback
}

// Push forwards ns to the callback, if one is set.
func (s *Sink) Push(ns NodeStatus) {
	s.mu.RLock()
	callback := s.callback
	s.mu.RUnlock()

	if callback != nil {
		callback(ns)
	}
}

// Forward pushes every event of b into sink until the returned function is
// called.
//
// Parameters:
//   - b: The status stream to observe
//   - sink: Destination for the presented status
//
// Returns:
//   - A function that stops forwarding
func Forward[S Describer](b *Broadcaster[S], sink *Sink) (stop func()) {
	return b.Subscribe(func(event Event[S]) {
		sink.Push(event.Status.NodeStatus())
	})
}
