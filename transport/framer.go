package transport

import (
	"github.com/ggoodman/transport-session-go/packet"
)

// Default framing parameters.
const (
	DefaultDelimiter      byte = '\n'
	DefaultStreamOverhead      = 6
	DefaultTopicOverhead       = 3
	// DefaultMaxPacketSize bounds the declared length of one inbound packet.
	DefaultMaxPacketSize = 16 << 20
)

// Framer splits packets into the physical units written to a channel and
// builds the receive-side state that reassembles them.
type Framer interface {
	Name() string
	// Frames returns the physical writes for p in issue order. It always
	// returns at least one frame.
	Frames(p *packet.Packet) ([][]byte, error)
	// NewAssembler returns fresh reassembly state for one inbound source.
	NewAssembler(topic string) Assembler
}

// Assembler turns inbound bytes back into packets.
type Assembler interface {
	// Feed consumes p and returns every packet it completed. On a framing
	// error the assembler discards its state; packets completed before the
	// error are still returned.
	Feed(p []byte) ([]*packet.Packet, error)
	// Reset discards buffered state.
	Reset()
	// Buffered reports how many payload bytes are held for partial packets.
	Buffered() int
}

// FramerConfig parameterizes both framers.
type FramerConfig struct {
	Delimiter byte
	// MaxSize bounds one physical write, frame header included. Zero
	// disables chunking.
	MaxSize int
	// Overhead is reserved in every write on top of the frame header.
	Overhead int
	// NoChunking rejects payloads that do not fit the first write instead
	// of splitting them.
	NoChunking bool
	// MaxPacketSize bounds the payload of one packet in either direction.
	// Zero means DefaultMaxPacketSize.
	MaxPacketSize int
}

func (c FramerConfig) withDefaults(overhead int) FramerConfig {
	if c.Delimiter == 0 {
		c.Delimiter = DefaultDelimiter
	}
	if c.Overhead == 0 {
		c.Overhead = overhead
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	return c
}

// limit returns the usable bytes of one write, or 0 when writes are
// unbounded.
func (c FramerConfig) limit() int {
	if c.MaxSize <= 0 {
		return 0
	}
	return c.MaxSize - c.Overhead
}

// checkSize rejects payloads above MaxPacketSize.
func (c FramerConfig) checkSize(p *packet.Packet) error {
	if len(p.Payload) > c.MaxPacketSize {
		return &PacketTooLargeError{ID: p.ID, Size: len(p.Payload), MaxSize: c.MaxPacketSize}
	}
	return nil
}

// headerTooLarge reports a header that leaves no room for payload.
func (c FramerConfig) headerTooLarge(p *packet.Packet, hdr int) error {
	return &PacketTooLargeError{ID: p.ID, Size: hdr + len(p.Payload), MaxSize: c.MaxSize, Header: hdr}
}
