package wire

// Kind classifies an incoming frame for routing.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAck
	KindChatOutput
	KindChatError
	KindChatComplete
	KindSessionCreated
	KindAbortConfirmed
	KindShellOutput
	KindShellError
	KindShellExit
	KindError
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindAck:            "ack",
	KindChatOutput:     "chat-output",
	KindChatError:      "chat-error",
	KindChatComplete:   "chat-complete",
	KindSessionCreated: "session-created",
	KindAbortConfirmed: "abort-confirmed",
	KindShellOutput:    "shell-output",
	KindShellError:     "shell-error",
	KindShellExit:      "shell-exit",
	KindError:          "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Classify maps a frame type received on ch to its Kind. Frame types are
// only meaningful on their own channel; anything else is KindUnknown.
func Classify(ch Channel, typ string) Kind {
	if typ == TypeMessageAck {
		return KindAck
	}
	switch ch {
	case Command:
		switch typ {
		case TypeClaudeOutput, TypeClaudeResponse:
			return KindChatOutput
		case TypeClaudeError:
			return KindChatError
		case TypeClaudeComplete:
			return KindChatComplete
		case TypeSessionCreated:
			return KindSessionCreated
		case TypeSessionAborted:
			return KindAbortConfirmed
		case TypeError:
			return KindError
		}
	case Shell:
		switch typ {
		case TypeOutput:
			return KindShellOutput
		case TypeError:
			return KindShellError
		case TypeExit:
			return KindShellExit
		}
	}
	return KindUnknown
}

// IsDeliverySignal reports whether a frame of kind k shows that the
// service processed the most recent send on its channel. The service sends
// no dedicated ack for chat or shell commands, so the first response stands
// in for one.
func (k Kind) IsDeliverySignal() bool {
	switch k {
	case KindAck, KindChatOutput, KindChatError, KindChatComplete, KindSessionCreated,
		KindAbortConfirmed, KindShellOutput, KindShellError, KindShellExit:
		return true
	}
	return false
}
