// Package wire defines the JSON frames exchanged with the remote session
// service over the command and shell channels.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel names one of the two independent sockets.
type Channel string

const (
	Command Channel = "command"
	Shell   Channel = "shell"
)

// Path returns the WebSocket endpoint path for the channel.
func (c Channel) Path() string {
	switch c {
	case Shell:
		return "/shell"
	default:
		return "/ws"
	}
}

func (c Channel) Valid() bool { return c == Command || c == Shell }

// Frame type discriminators.
const (
	// Command channel, outgoing.
	TypeClaudeCommand = "claude-command"
	TypeAbortSession  = "abort-session"

	// Command channel, incoming.
	TypeSessionCreated = "session-created"
	TypeClaudeOutput   = "claude-output"
	TypeClaudeResponse = "claude-response"
	TypeClaudeError    = "claude-error"
	TypeClaudeComplete = "claude-complete"
	TypeSessionAborted = "session-aborted"
	TypeMessageAck     = "message-ack"

	// Shell channel.
	TypeShellCommand = "command"
	TypeResize       = "resize"
	TypeOutput       = "output"
	TypeExit         = "exit"

	// Either channel.
	TypeError = "error"
)

// ClientMessageIDField is the key injected into every outgoing payload.
const ClientMessageIDField = "clientMessageId"

// Payload is an outgoing frame. It stays a map so callers can send frame
// types this package does not know about.
type Payload map[string]any

// Type returns the payload's "type" field, or "".
func (p Payload) Type() string {
	s, _ := p["type"].(string)
	return s
}

// String returns the string value of key, or "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ClaudeCommand builds a chat send. sessionID may be empty for a new session.
func ClaudeCommand(content, projectPath, sessionID string) Payload {
	p := Payload{"type": TypeClaudeCommand, "content": content, "projectPath": projectPath}
	if sessionID != "" {
		p["sessionId"] = sessionID
	}
	return p
}

// AbortSession asks the service to stop the running turn of a session.
func AbortSession(sessionID string) Payload {
	return Payload{"type": TypeAbortSession, "sessionId": sessionID}
}

// ShellCommand runs command in cwd on the shell channel.
func ShellCommand(command, cwd string) Payload {
	return Payload{"type": TypeShellCommand, "command": command, "cwd": cwd}
}

// Resize reports the local terminal size on the shell channel.
func Resize(cols, rows int) Payload {
	return Payload{"type": TypeResize, "cols": cols, "rows": rows}
}

// Encode marshals an outgoing payload.
func Encode(p Payload) ([]byte, error) {
	if p.Type() == "" {
		return nil, errors.New("wire: payload has no type")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", p.Type(), err)
	}
	return data, nil
}

// Frame is a decoded incoming frame. Only the fields relevant to its type
// are populated; Raw always holds the original bytes.
type Frame struct {
	Type            string  `json:"type"`
	UUID            string  `json:"uuid,omitempty"`
	ClientMessageID string  `json:"clientMessageId,omitempty"`
	SessionID       string  `json:"sessionId,omitempty"`
	Content         Content `json:"content,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
	Data            string  `json:"data,omitempty"`
	Message         string  `json:"message,omitempty"`
	Error           string  `json:"error,omitempty"`
	Code            *int    `json:"code,omitempty"`
	ExitCode        *int    `json:"exitCode,omitempty"`
	Success         *bool   `json:"success,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ErrorText returns the human-readable error carried by an error frame.
func (f Frame) ErrorText() string {
	switch {
	case f.Message != "":
		return f.Message
	case f.Error != "":
		return f.Error
	default:
		return string(f.Content)
	}
}

// ExitStatus returns the exit code of an exit or claude-complete frame.
func (f Frame) ExitStatus() int {
	switch {
	case f.Code != nil:
		return *f.Code
	case f.ExitCode != nil:
		return *f.ExitCode
	default:
		return 0
	}
}
