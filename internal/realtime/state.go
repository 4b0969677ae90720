package realtime

import (
	"time"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/shared/id"
)

// State is the lifecycle state of the transport connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	State State
	// Attempt counts reconnect attempts since the last successful connection.
	Attempt int
	// Terminal is set once the reconnect budget is spent. No automatic
	// recovery happens from this state.
	Terminal     bool
	LastError    error
	ConnectionID id.ConnectionID
	URL          string
	Since        time.Time
}

// IsConnected reports whether a socket is open.
func (s Status) IsConnected() bool { return s.State == StateConnected }

// IsConnecting reports whether a handshake is in flight.
func (s Status) IsConnecting() bool { return s.State == StateConnecting }

// Reconnecting reports whether an automatic reconnect is pending.
func (s Status) Reconnecting() bool {
	return s.State == StateDisconnected && s.Attempt > 0 && !s.Terminal
}

// ErrorText returns LastError as a string, or "" when there is none.
func (s Status) ErrorText() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}

func (s Status) same(o Status) bool {
	return s.State == o.State &&
		s.Attempt == o.Attempt &&
		s.Terminal == o.Terminal &&
		s.LastError == o.LastError &&
		s.ConnectionID == o.ConnectionID
}
