package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by sends attempted while no socket is open.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("realtime: request timed out")
	// ErrRetriesExhausted marks the terminal disconnected state.
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
	// ErrClosed is returned after the client or session has been closed.
	ErrClosed = errors.New("realtime: closed")
	// ErrSubscriptionCanceled is returned by a subscribe that an unsubscribe
	// overtook while the request was in flight.
	ErrSubscriptionCanceled = errors.New("realtime: subscription canceled")
)

// ConnectionError reports a socket that failed to open or closed
// unexpectedly.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a backend-reported failure of a single request. Code and
// Message are passed through verbatim.
type ProtocolError struct {
	Action  string
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Code, e.Message)
}

// IsProtocolCode reports whether err is a ProtocolError with the given code.
func IsProtocolCode(err error, code string) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == code
}
