package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxHeaderSize bounds the encoded size of one frame header. A scanner that
// has buffered this many bytes without finding the delimiter gives up.
const MaxHeaderSize = 64 * 1024

var (
	// ErrMalformedHeader indicates a frame header that could not be parsed.
	ErrMalformedHeader = errors.New("packet: malformed frame header")
	// ErrDelimiterInHeader indicates the encoded header contains the frame
	// delimiter and therefore cannot be scanned back.
	ErrDelimiterInHeader = errors.New("packet: delimiter occurs in encoded header")
)

// FrameHeader precedes every frame on the wire. The first frame of a packet
// carries the full envelope plus the total content length; continuation
// frames carry only the id and a sequence number.
type FrameHeader struct {
	ID      string `json:"id"`
	Topic   string `json:"topic,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
	Headers Header `json:"headers,omitempty"`
	Length  *int   `json:"len,omitempty"`
	Seq     int    `json:"seq,omitempty"`
}

// First reports whether h opens a packet.
func (h FrameHeader) First() bool { return h.Length != nil }

// ContentLength returns the declared payload length, or -1 on a
// continuation frame.
func (h FrameHeader) ContentLength() int {
	if h.Length == nil {
		return -1
	}
	return *h.Length
}

// HeaderFor builds the opening frame header for p.
func HeaderFor(p *Packet) FrameHeader {
	n := len(p.Payload)
	return FrameHeader{
		ID:      p.ID,
		Topic:   p.Topic,
		ReplyTo: p.ReplyTo,
		Headers: p.Headers,
		Length:  &n,
	}
}

// ContinuationHeader builds the header for chunk seq of packet id.
func ContinuationHeader(id string, seq int) FrameHeader {
	return FrameHeader{ID: id, Seq: seq}
}

// Packet rebuilds the envelope described by an opening header.
func (h FrameHeader) Packet(payload []byte) *Packet {
	return &Packet{
		ID:      h.ID,
		Topic:   h.Topic,
		ReplyTo: h.ReplyTo,
		Headers: h.Headers,
		Payload: payload,
	}
}

// AppendFrame appends the encoded header followed by delim to dst.
func AppendFrame(dst []byte, h FrameHeader, delim byte) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return dst, fmt.Errorf("marshal frame header: %w", err)
	}
	if bytes.IndexByte(b, delim) >= 0 {
		return dst, ErrDelimiterInHeader
	}
	dst = append(dst, b...)
	return append(dst, delim), nil
}

// ParseFrameHeader scans buf for delim and decodes the header before it.
// It returns the header and the number of bytes consumed, including the
// delimiter. If buf does not yet hold a complete header it returns
// (FrameHeader{}, 0, nil).
//
// Numeric header values decode as json.Number so integers survive the trip
// without passing through float64.
func ParseFrameHeader(buf []byte, delim byte) (FrameHeader, int, error) {
	idx := bytes.IndexByte(buf, delim)
	if idx < 0 {
		if len(buf) > MaxHeaderSize {
			return FrameHeader{}, 0, fmt.Errorf("%w: no delimiter within %d bytes", ErrMalformedHeader, MaxHeaderSize)
		}
		return FrameHeader{}, 0, nil
	}
	if idx > MaxHeaderSize {
		return FrameHeader{}, 0, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, MaxHeaderSize)
	}

	var h FrameHeader
	dec := json.NewDecoder(bytes.NewReader(buf[:idx]))
	dec.UseNumber()
	if err := dec.Decode(&h); err != nil {
		return FrameHeader{}, 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return FrameHeader{}, 0, fmt.Errorf("%w: trailing data after header", ErrMalformedHeader)
	}
	if h.ID == "" {
		return FrameHeader{}, 0, fmt.Errorf("%w: missing id", ErrMalformedHeader)
	}
	if h.Length != nil && *h.Length < 0 {
		return FrameHeader{}, 0, fmt.Errorf("%w: negative length %d", ErrMalformedHeader, *h.Length)
	}
	if h.Seq < 0 || (h.Length == nil && h.Seq == 0) {
		return FrameHeader{}, 0, fmt.Errorf("%w: invalid sequence %d", ErrMalformedHeader, h.Seq)
	}
	return h, idx + 1, nil
}
