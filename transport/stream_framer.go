package transport

import (
	"fmt"

	"github.com/ggoodman/transport-session-go/packet"
)

// StreamFramer frames packets on an ordered byte stream. Only the first
// write of a packet carries a header; the rest are raw payload bytes that
// the receiver counts against the declared length.
type StreamFramer struct {
	cfg FramerConfig
}

// NewStreamFramer returns a StreamFramer. A zero Overhead defaults to
// DefaultStreamOverhead.
func NewStreamFramer(cfg FramerConfig) (*StreamFramer, error) {
	cfg = cfg.withDefaults(DefaultStreamOverhead)
	if cfg.MaxSize > 0 && cfg.limit() <= 0 {
		return nil, fmt.Errorf("transport: max size %d leaves no room after overhead %d", cfg.MaxSize, cfg.Overhead)
	}
	return &StreamFramer{cfg: cfg}, nil
}

func (*StreamFramer) Name() string { return "stream" }

// Config returns the effective configuration.
func (f *StreamFramer) Config() FramerConfig { return f.cfg }

// Frames returns the header and as much payload as fits in the first
// write, then raw payload writes of up to MaxSize-Overhead bytes each.
func (f *StreamFramer) Frames(p *packet.Packet) ([][]byte, error) {
	if err := f.cfg.checkSize(p); err != nil {
		return nil, err
	}
	first, err := packet.AppendFrame(nil, packet.HeaderFor(p), f.cfg.Delimiter)
	if err != nil {
		return nil, err
	}
	limit := f.cfg.limit()
	if limit <= 0 {
		return [][]byte{append(first, p.Payload...)}, nil
	}

	room := limit - len(first)
	if room < 0 {
		return nil, f.cfg.headerTooLarge(p, len(first))
	}
	if f.cfg.NoChunking && len(p.Payload) > room {
		return nil, &PacketTooLargeError{ID: p.ID, Size: len(p.Payload), MaxSize: room}
	}

	take := min(room, len(p.Payload))
	frames := [][]byte{append(first, p.Payload[:take]...)}
	for rest := p.Payload[take:]; len(rest) > 0; {
		n := min(limit, len(rest))
		frames = append(frames, rest[:n])
		rest = rest[n:]
	}
	return frames, nil
}

func (f *StreamFramer) NewAssembler(string) Assembler {
	return &streamAssembler{delim: f.cfg.Delimiter, maxPacket: f.cfg.MaxPacketSize}
}

// streamAssembler holds the single continuous receive buffer of a stream.
type streamAssembler struct {
	delim     byte
	maxPacket int
	buf       []byte
	hdr       *packet.FrameHeader
}

func (a *streamAssembler) Feed(p []byte) ([]*packet.Packet, error) {
	a.buf = append(a.buf, p...)

	var out []*packet.Packet
	for {
		if a.hdr == nil {
			h, n, err := packet.ParseFrameHeader(a.buf, a.delim)
			if err != nil {
				a.Reset()
				return out, &MalformedFrameError{Err: err}
			}
			if n == 0 {
				return out, nil
			}
			if !h.First() {
				a.Reset()
				return out, malformed("", "continuation header for %s on a stream", h.ID)
			}
			if h.ContentLength() > a.maxPacket {
				a.Reset()
				return out, malformed("", "packet %s declares %d bytes, limit is %d", h.ID, h.ContentLength(), a.maxPacket)
			}
			a.hdr = &h
			a.buf = a.buf[n:]
		}

		need := a.hdr.ContentLength()
		if len(a.buf) < need {
			return out, nil
		}
		payload := make([]byte, need)
		copy(payload, a.buf[:need])
		out = append(out, a.hdr.Packet(payload))
		a.buf = a.buf[need:]
		a.hdr = nil
		if len(a.buf) == 0 {
			a.buf = nil
			return out, nil
		}
	}
}

func (a *streamAssembler) Reset() {
	a.buf = nil
	a.hdr = nil
}

func (a *streamAssembler) Buffered() int {
	if a.hdr == nil {
		return 0
	}
	return len(a.buf)
}
