package transport

import "github.com/ggoodman/transport-session-go/packet"

// EventKind tags an Event.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventError
	EventClose
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Event is emitted on a session's event stream.
type Event struct {
	Kind EventKind
	// Packet is the assembled packet for EventMessage.
	Packet *packet.Packet
	// Value is the decoded payload for EventMessage.
	Value any
	// Err is set for EventError.
	Err error
}
