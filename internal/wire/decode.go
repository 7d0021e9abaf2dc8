package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks a malformed or unexpected frame. Such frames are
// dropped; they never tear down the connection.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes one rejected frame.
type ProtocolError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s channel: %s", e.Channel, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}
	return []error{ErrProtocol}
}

// Decode parses one incoming text frame received on ch.
func Decode(ch Channel, data []byte) (Frame, Kind, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, KindUnknown, &ProtocolError{Channel: ch, Reason: "invalid JSON", Err: err}
	}
	if strings.TrimSpace(f.Type) == "" {
		return Frame{}, KindUnknown, &ProtocolError{Channel: ch, Reason: "frame has no type"}
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, Classify(ch, f.Type), nil
}
