package conn

import (
	"fmt"
	"time"

	"github.com/gastownhall/sessionlink/internal/wire"
)

// State is the connection state of one channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// shouldReconnect reports whether a failure observed in state s is
// retried. Only an explicit Close (closing, then disconnected) stops it.
func shouldReconnect(s State) bool {
	return s == Connecting || s == Connected || s == Reconnecting
}

// SendResult is the outcome of Manager.Send.
type SendResult uint8

const (
	// Accepted: the frame is in the live connection's outbox.
	Accepted SendResult = iota
	// Queued: not sent now; the caller keeps it and retries on
	// EventConnected or EventWritable.
	Queued
	// Rejected: the channel is not open.
	Rejected
)

func (r SendResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// EventType identifies a Manager event.
type EventType string

const (
	EventConnecting     EventType = "connecting"
	EventConnected      EventType = "connected"
	EventReconnecting   EventType = "reconnecting"
	EventDisconnected   EventType = "disconnected"
	EventConnectionLost EventType = "connection-lost"
	EventFatal          EventType = "fatal"
	EventMessage        EventType = "message"
	EventUnsent         EventType = "unsent"
	EventWritable       EventType = "writable"
)

// Event is delivered to observers in the order it occurred.
type Event struct {
	Type    EventType
	Channel wire.Channel
	State   State

	Attempt int           // EventReconnecting
	Delay   time.Duration // EventReconnecting
	Err     error         // EventReconnecting, EventConnectionLost, EventFatal
	Data    []byte        // EventMessage
	Frames  []Frame       // EventUnsent, in original send order
}

// Frame is one outgoing message. ID lets the owner correlate frames
// returned through EventUnsent.
type Frame struct {
	ID   string
	Data []byte
}
