package transport

import (
	"github.com/ggoodman/transport-session-go/packet"
)

// partial is a packet whose payload has not fully arrived.
type partial struct {
	hdr      packet.FrameHeader
	expected int
	nextSeq  int
	data     []byte
}

// ReassemblyBuffer rebuilds packets published on one topic. Partial
// packets are tracked by id so chunks of different packets may interleave;
// chunks of one packet must arrive in sequence.
type ReassemblyBuffer struct {
	topic     string
	delim     byte
	maxPacket int
	partials  map[string]*partial
}

// NewReassemblyBuffer returns an empty buffer for topic. Packets declaring
// more than maxPacket bytes are rejected; zero means DefaultMaxPacketSize.
func NewReassemblyBuffer(topic string, delim byte, maxPacket int) *ReassemblyBuffer {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}
	return &ReassemblyBuffer{topic: topic, delim: delim, maxPacket: maxPacket, partials: make(map[string]*partial)}
}

// Feed consumes one published message. Bytes left over after a packet
// completes are parsed as the start of the next frame.
func (b *ReassemblyBuffer) Feed(p []byte) ([]*packet.Packet, error) {
	var out []*packet.Packet
	data := p
	for len(data) > 0 {
		h, n, err := packet.ParseFrameHeader(data, b.delim)
		if err != nil {
			b.Reset()
			return out, &MalformedFrameError{Topic: b.topic, Err: err}
		}
		if n == 0 {
			b.Reset()
			return out, malformed(b.topic, "truncated frame header")
		}
		data = data[n:]

		var cur *partial
		if h.First() {
			if h.ContentLength() > b.maxPacket {
				b.Reset()
				return out, malformed(b.topic, "packet %s declares %d bytes, limit is %d", h.ID, h.ContentLength(), b.maxPacket)
			}
			cur = &partial{hdr: h, expected: h.ContentLength(), nextSeq: 1}
			b.partials[h.ID] = cur
		} else {
			cur = b.partials[h.ID]
			if cur == nil {
				return out, malformed(b.topic, "continuation %d for unknown packet %s", h.Seq, h.ID)
			}
			if h.Seq != cur.nextSeq {
				delete(b.partials, h.ID)
				return out, malformed(b.topic, "packet %s chunk %d out of sequence, want %d", h.ID, h.Seq, cur.nextSeq)
			}
			cur.nextSeq++
		}

		take := min(len(data), cur.expected-len(cur.data))
		cur.data = append(cur.data, data[:take]...)
		data = data[take:]

		if len(cur.data) == cur.expected {
			delete(b.partials, h.ID)
			out = append(out, cur.hdr.Packet(cur.data))
		}
	}
	return out, nil
}

// Reset discards every partial packet.
func (b *ReassemblyBuffer) Reset() {
	clear(b.partials)
}

// Buffered reports the payload bytes held for partial packets.
func (b *ReassemblyBuffer) Buffered() int {
	n := 0
	for _, p := range b.partials {
		n += len(p.data)
	}
	return n
}

// Pending reports the number of partial packets.
func (b *ReassemblyBuffer) Pending() int { return len(b.partials) }
