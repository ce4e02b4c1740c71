// Package supervisor owns the lifecycle of the single editor peer connection.
//
// On the broker side a [Slot] holds at most one peer. A new peer replaces the
// old one unconditionally, and every transition is broadcast to subscribers.
// On the peer side a [Reconnector] keeps a connection to the broker alive,
// retrying with a linear backoff until it gives up for good.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/cleancut/internal/protocol"
)

// ErrNoPeer is returned when an operation needs the editor peer and none is
// attached.
var ErrNoPeer = errors.New("supervisor: no peer connected")

// ErrConnectionFailed is the terminal error of a [Reconnector] that ran out
// of retries.
var ErrConnectionFailed = errors.New("supervisor: connection failed after max retries")

// State is the connection state reported in a [StatusEvent].
type State int

const (
	// StateIdle is the peer-side state before Run starts.
	StateIdle State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means a peer is attached (broker) or the broker is
	// reachable (peer).
	StateConnected
	// StateDisconnected means no connection is currently held.
	StateDisconnected
	// StateFailed is terminal: the reconnector has given up.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StatusEvent describes one connection transition.
type StatusEvent struct {
	State State

	// ConnID is the transport ID of the connection involved, if any.
	ConnID string

	// Replaced is set on the disconnected event of a peer that was pushed out
	// of the slot by a newer one.
	Replaced bool

	// Attempt and Delay describe the next scheduled reconnect (peer side).
	Attempt int
	Delay   time.Duration

	// Err is the cause of a failed dial or, with StateFailed,
	// [ErrConnectionFailed].
	Err error
}

// Conn is the part of a transport connection the supervisor needs.
// *transport.Conn satisfies it.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
	Close(reason string) error
	Done() <-chan struct{}
}
