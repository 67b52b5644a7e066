package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Canceled", PollingCanceled.String())
	assert.Equal(t, "Stopped", PollingStopped.String())
	assert.Equal(t, "RemoteLogout", RemoteLogout.String())
	assert.Equal(t, "RetryStopped", RetryStopped.String())
	assert.Equal(t, "Unknown", ConnectionStatus(99).String())
}

func TestNodeStatus_Mapping(t *testing.T) {
	tests := []struct {
		name string
		got  NodeStatus
		want NodeStatus
	}{
		{"connection error", ConnectionError.NodeStatus(), NodeStatus{"red", "dot", "ConnectionError"}},
		{"connecting", Connecting.NodeStatus(), NodeStatus{"green", "ring", "Connecting"}},
		{"disconnecting", Disconnecting.NodeStatus(), NodeStatus{"yellow", "ring", "Disconnecting"}},
		{"polling error", PollingError.NodeStatus(), NodeStatus{"red", "dot", "PollingError"}},
		{"polling", Polling.NodeStatus(), NodeStatus{"green", "ring", "Polling"}},
		{"polled", Polled.NodeStatus(), NodeStatus{"green", "dot", "Polled"}},
		{"polling canceled", PollingCanceled.NodeStatus(), NodeStatus{"yellow", "dot", "Canceled"}},
		{"authenticated", Authenticated.NodeStatus(), NodeStatus{"green", "dot", "Authenticated"}},
		{"remote logout", RemoteLogout.NodeStatus(), NodeStatus{"yellow", "dot", "RemoteLogout"}},
		{"retry stopped", RetryStopped.NodeStatus(), NodeStatus{"red", "ring", "RetryStopped"}},
		{"retry waiting", RetryWaiting.NodeStatus(), NodeStatus{"yellow", "ring", "RetryWaiting"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestSink_Forward(t *testing.T) {
	t.Run("forwards presented status to the callback", func(t *testing.T) {
		sink := &Sink{}
		var got []NodeStatus
		sink.SetCallback(func(ns NodeStatus) { got = append(got, ns) })

		b := NewBroadcaster[RetryStatus]()
		stop := Forward(b, sink)

		b.Emit(RetryAttempt, nil)
		stop()
		b.Emit(RetryStopped, nil)

		assert.Equal(t, []NodeStatus{{"yellow", "dot", "RetryAttempt"}}, got)
	})

	t.Run("push without callback is a no-op", func(t *testing.T) {
		sink := &Sink{}
		assert.NotPanics(t, func() { sink.Push(Connected.NodeStatus()) })
	})
}
