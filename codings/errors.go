package codings

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProgress is returned by deep passes that exhaust the engine's pass
	// budget without reaching completion.
	ErrNoProgress = errors.New("codings: no progress toward completion")
	// ErrNoPacketTemplate is returned when a handler needs the packet
	// envelope but the context carries none.
	ErrNoPacketTemplate = errors.New("codings: context has no packet template")
)

// NoHandlerError reports that no handler chain is registered for a value.
type NoHandlerError struct {
	// Type is the Go type of the offending value.
	Type      string
	Tag       Tag
	Group     string
	Direction Direction
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("codings: no %s handler for type %s (tag %q) in group %q", e.Direction, e.Type, e.Tag, e.Group)
}
