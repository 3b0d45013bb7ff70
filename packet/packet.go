// Package packet defines the wire envelope exchanged by transport sessions
// and the frame header that carries it across stream and topic channels.
package packet

import "maps"

// HeaderContentType is the header consulted when choosing a coding subfix.
const HeaderContentType = "content-type"

// Header holds string-keyed packet metadata.
type Header map[string]any

// Get returns the value stored under key.
func (h Header) Get(key string) (any, bool) {
	if h == nil {
		return nil, false
	}
	v, ok := h[key]
	return v, ok
}

// String returns the value under key when it is a string, else "".
func (h Header) String(key string) string {
	v, _ := h.Get(key)
	s, _ := v.(string)
	return s
}

// ContentType returns the content-type header, if any.
func (h Header) ContentType() string { return h.String(HeaderContentType) }

// Clone returns a shallow copy of h. A nil header clones to nil.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return maps.Clone(h)
}

// Packet is the wire-level envelope: an id, a destination, headers, an
// optional reply target and the payload bytes.
//
// Packets are treated as immutable once constructed. The With* helpers return
// modified copies so a session can attach a reply target before first send
// without mutating a caller's value.
type Packet struct {
	ID      string
	Topic   string
	ReplyTo string
	Headers Header
	Payload []byte
}

// Option customizes a Packet under construction.
type Option func(*Packet)

// WithReplyTo sets the reply target.
func WithReplyTo(replyTo string) Option {
	return func(p *Packet) { p.ReplyTo = replyTo }
}

// WithHeaders merges hdr into the packet headers.
func WithHeaders(hdr Header) Option {
	return func(p *Packet) {
		if len(hdr) == 0 {
			return
		}
		if p.Headers == nil {
			p.Headers = make(Header, len(hdr))
		}
		maps.Copy(p.Headers, hdr)
	}
}

// New constructs a packet. The payload is used as-is; callers must not
// mutate it afterwards.
func New(id, topic string, payload []byte, opts ...Option) *Packet {
	p := &Packet{ID: id, Topic: topic, Payload: payload}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// CodingTag identifies packets to the codings engine.
func (p *Packet) CodingTag() string { return "packet" }

// Len reports the payload length.
func (p *Packet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Payload)
}

func (p *Packet) clone() *Packet {
	cp := *p
	cp.Headers = p.Headers.Clone()
	return &cp
}

// WithReplyTo returns a copy of p addressed for replies to replyTo.
func (p *Packet) WithReplyTo(replyTo string) *Packet {
	cp := p.clone()
	cp.ReplyTo = replyTo
	return cp
}

// WithTopic returns a copy of p with a different destination.
func (p *Packet) WithTopic(topic string) *Packet {
	cp := p.clone()
	cp.Topic = topic
	return cp
}

// WithID returns a copy of p carrying a different id.
func (p *Packet) WithID(id string) *Packet {
	cp := p.clone()
	cp.ID = id
	return cp
}

// WithHeader returns a copy of p with key set to value.
func (p *Packet) WithHeader(key string, value any) *Packet {
	cp := p.clone()
	if cp.Headers == nil {
		cp.Headers = make(Header, 1)
	}
	cp.Headers[key] = value
	return cp
}
