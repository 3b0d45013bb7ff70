package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/transport-session-go/packet"
)

var (
	// ErrOffline rejects pending requests when the channel goes offline.
	ErrOffline = errors.New("transport: channel offline")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrCanceled completes a request cancelled by its caller.
	ErrCanceled = errors.New("transport: request canceled")
	// ErrSessionDestroyed is returned by operations on a destroyed session
	// and completes requests still pending at destroy time.
	ErrSessionDestroyed = errors.New("transport: session destroyed")
	// ErrNoReplyTarget is returned when replying to a packet without replyTo.
	ErrNoReplyTarget = errors.New("transport: packet has no reply target")
	// ErrUnsupportedChannel is returned for channels that are neither
	// stream nor topic shaped.
	ErrUnsupportedChannel = errors.New("transport: unsupported channel")
	// ErrNotPacket is returned when encoding does not produce a packet.
	ErrNotPacket = errors.New("transport: encoding did not produce a packet")
)

// TimeoutError rejects a single request whose reply did not arrive in time.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: request %s timed out after %s", e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PacketTooLargeError reports a packet that cannot be framed within the
// configured limits. Header is set when the frame header alone leaves no
// room for payload.
type PacketTooLargeError struct {
	ID      string
	Size    int
	MaxSize int
	Header  int
}

func (e *PacketTooLargeError) Error() string {
	if e.Header > 0 {
		return fmt.Sprintf("transport: packet %s frame header of %d bytes leaves no room in max size %d", e.ID, e.Header, e.MaxSize)
	}
	return fmt.Sprintf("transport: packet %s payload of %d bytes exceeds max size %d", e.ID, e.Size, e.MaxSize)
}

// MalformedFrameError reports a framing failure. It is fatal to the
// reassembly buffer it occurred in; the session continues.
type MalformedFrameError struct {
	// Topic names the buffer that was reset; empty for stream sessions.
	Topic string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport: malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("transport: malformed frame on %q: %v", e.Topic, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

func malformed(topic string, format string, args ...any) *MalformedFrameError {
	return &MalformedFrameError{Topic: topic, Err: fmt.Errorf("%w: "+format, append([]any{packet.ErrMalformedHeader}, args...)...)}
}

// RemoteError rejects a request whose reply carried an application error.
type RemoteError struct {
	ID  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: request %s failed remotely: %v", e.ID, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// DecodeError reports an inbound packet the codings engine rejected.
type DecodeError struct {
	Packet *packet.Packet
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decode packet %s: %v", e.Packet.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
