package dispatch

import (
	"github.com/gastownhall/sessionlink/internal/conn"
	"github.com/gastownhall/sessionlink/internal/status"
	"github.com/gastownhall/sessionlink/internal/termstream"
	"github.com/gastownhall/sessionlink/internal/vt"
	"github.com/gastownhall/sessionlink/internal/wire"
)

// EventType names what a dispatcher Event reports.
type EventType string

const (
	EventConnection    EventType = "connection"     // Conn is set
	EventStatus        EventType = "status"         // Change is set
	EventSession       EventType = "session"        // SessionID is set
	EventTurnComplete  EventType = "turn-complete"  // ExitCode is set
	EventChatError     EventType = "chat-error"     // Message is set
	EventAborted       EventType = "aborted"        // SessionID, Frame
	EventShellOutput   EventType = "shell-output"   // Runs, Screen
	EventShellError    EventType = "shell-error"    // Message is set
	EventShellExit     EventType = "shell-exit"     // ExitCode is set
	EventError         EventType = "error"          // Err, Frame
	EventUnknown       EventType = "unknown"        // Frame is set
	EventProtocolError EventType = "protocol-error" // Err is set
)

// Event is published to dispatcher subscribers. Events for one channel
// are published in the order they occurred.
type Event struct {
	Type    EventType
	Channel wire.Channel

	Conn      conn.Event
	Change    status.Change
	SessionID string
	Runs      []termstream.Run
	Screen    *vt.Update
	ExitCode  int
	Message   string
	Err       error
	Frame     wire.Frame
}

// RemoteError is an error frame reported by the service.
type RemoteError struct {
	Channel wire.Channel
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error on " + string(e.Channel)
	}
	return "remote error on " + string(e.Channel) + ": " + e.Message
}
