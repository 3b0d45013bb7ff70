package transport

import (
	"log/slog"
	"time"

	"github.com/ggoodman/transport-session-go/codings"
	"github.com/ggoodman/transport-session-go/packet"
	"go.opentelemetry.io/otel/trace"
)

// MatchMode selects how inbound packets are paired with pending requests.
type MatchMode int

const (
	// MatchDefault picks MatchIDAndSubject for topic channels and MatchID
	// for streams.
	MatchDefault MatchMode = iota
	// MatchIDAndSubject requires the reply topic and the id to match.
	MatchIDAndSubject
	// MatchID matches on the correlation id alone.
	MatchID
)

// ReplySuffix is appended to a target topic to derive its reply subject.
const ReplySuffix = ".reply"

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 64

// EncoderFactory builds the coding context used to encode one outbound
// message. tmpl is the envelope the resulting packet must carry.
type EncoderFactory func(tmpl *packet.Packet) *codings.Context

// DecoderFactory builds the coding context used to decode one inbound
// packet.
type DecoderFactory func(p *packet.Packet) *codings.Context

// Options configure a Session.
type Options struct {
	// Delimiter terminates frame headers. Default '\n'.
	Delimiter byte
	// MaxSize bounds one physical write, frame header included. Zero means
	// unbounded.
	MaxSize int
	// Overhead is reserved per write. Zero selects the framer default.
	Overhead int
	// MaxPacketSize bounds one packet payload in either direction. Zero
	// selects DefaultMaxPacketSize.
	MaxPacketSize int
	// NoChunking fails oversize payloads instead of splitting them.
	NoChunking bool
	// ServerSide marks the responding end of a channel.
	ServerSide bool
	// Timeout is the default request timeout. Zero waits indefinitely.
	Timeout time.Duration

	// Group and Subfix select coding chains.
	Group  string
	Subfix string
	// Engine runs the coding chains. Default is an engine over a registry
	// with the builtin handlers installed.
	Engine  *codings.Engine
	Encoder EncoderFactory
	Decoder DecoderFactory

	// Framer overrides the framer chosen from the channel shape.
	Framer    Framer
	MatchMode MatchMode
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Option customizes ambient session dependencies.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer sets the tracer used for send and reply spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithID sets the session id used in logs. Default is a random uuid.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// DefaultEngine returns an engine over a registry with the builtin
// handlers installed.
func DefaultEngine(opts ...codings.EngineOption) *codings.Engine {
	reg := codings.NewRegistry()
	codings.RegisterDefaults(reg)
	return codings.NewEngine(reg, opts...)
}

func (o Options) framerConfig() FramerConfig {
	return FramerConfig{
		Delimiter:     o.Delimiter,
		MaxSize:       o.MaxSize,
		Overhead:      o.Overhead,
		NoChunking:    o.NoChunking,
		MaxPacketSize: o.MaxPacketSize,
	}
}

func (o Options) encoder() EncoderFactory {
	if o.Encoder != nil {
		return o.Encoder
	}
	return func(tmpl *packet.Packet) *codings.Context {
		return codings.NewContext(o.Group,
			codings.WithSubfix(o.Subfix),
			codings.WithEndTag(codings.TagPacket),
			codings.WithPacket(tmpl),
		)
	}
}

func (o Options) decoder() DecoderFactory {
	if o.Decoder != nil {
		return o.Decoder
	}
	return func(p *packet.Packet) *codings.Context {
		subfix := o.Subfix
		if s := codings.SubfixFor(p.Headers.ContentType()); s != "" {
			subfix = s
		}
		return codings.NewContext(o.Group,
			codings.WithName(p.Topic),
			codings.WithSubfix(subfix),
			codings.WithCompletion(decoded),
		)
	}
}

// decoded reports whether v has left the wire representation.
func decoded(v any) bool {
	switch codings.TagOf(v) {
	case codings.TagPacket, codings.TagBytes:
		return false
	}
	return true
}
