// Package status defines the observable states of the connector and the
// plumbing that fans status transitions out to listeners.
//
// Four independent streams exist: connection (session lifecycle), polling
// (update loop), security (authentication) and retry (reconnect supervisor).
// States are for observation only; no component makes control decisions by
// reading another component's status.
package status

// ConnectionStatus represents a session lifecycle transition.
type ConnectionStatus int

const (
	Connecting      ConnectionStatus = iota // Connect or ConnectWithToken in flight
	Connected                               // Session established
	Disconnecting                           // Teardown in progress
	Disconnected                            // Local session cleared
	Canceled                                // Attempt abandoned
	ConnectionError                         // Connect or disconnect failed
)

// String returns a human-readable name for the connection status.
func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Disconnected:
		return "Disconnected"
	case Canceled:
		return "Canceled"
	case ConnectionError:
		return "ConnectionError"
	default:
		return "Unknown"
	}
}

// PollingStatus represents a transition of the long-poll update loop.
type PollingStatus int

const (
	PollingStarted  PollingStatus = iota // Loop started, first request built
	Polling                              // GetUpdates in flight
	Polled                               // GetUpdates returned a payload
	PollingStopped                       // Loop stopped locally
	PollingCanceled                      // Server returned no payload; the run ended
	PollingError                         // GetUpdates failed; the same request is retried
)

// String returns a human-readable name for the polling status.
func (s PollingStatus) String() string {
	switch s {
	case PollingStarted:
		return "Started"
	case Polling:
		return "Polling"
	case Polled:
		return "Polled"
	case PollingStopped:
		return "Stopped"
	case PollingCanceled:
		return "Canceled"
	case PollingError:
		return "PollingError"
	default:
		return "Unknown"
	}
}

// SecurityStatus represents an authentication transition.
type SecurityStatus int

const (
	Authenticating      SecurityStatus = iota // Login in flight
	Authenticated                             // Token issued and session usable
	AuthenticationError                       // Login rejected or session unusable
	RemoteLogout                              // Server ended the login session
)

// String returns a human-readable name for the security status.
func (s SecurityStatus) String() string {
	switch s {
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case AuthenticationError:
		return "AuthenticationError"
	case RemoteLogout:
		return "RemoteLogout"
	default:
		return "Unknown"
	}
}

// RetryStatus represents a transition of the reconnect supervisor.
type RetryStatus int

const (
	RetryWaiting RetryStatus = iota // Attempt failed, waiting for backoff
	RetryAttempt                    // Reconnect attempt started
	RetryStopped                    // Supervisor gave up; terminal
)

// String returns a human-readable name for the retry status.
func (s RetryStatus) String() string {
	switch s {
	case RetryWaiting:
		return "RetryWaiting"
	case RetryAttempt:
		return "RetryAttempt"
	case RetryStopped:
		return "RetryStopped"
	default:
		return "Unknown"
	}
}
