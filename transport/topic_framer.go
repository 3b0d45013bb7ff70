package transport

import (
	"fmt"

	"github.com/ggoodman/transport-session-go/packet"
)

// TopicFramer frames packets on a publish/subscribe channel. Every chunk
// is published as its own message; the first carries the full header and
// declared length, later chunks carry the packet id and a sequence number
// so chunks of different packets may interleave on one topic.
type TopicFramer struct {
	cfg FramerConfig
}

// NewTopicFramer returns a TopicFramer. A zero Overhead defaults to
// DefaultTopicOverhead.
func NewTopicFramer(cfg FramerConfig) (*TopicFramer, error) {
	cfg = cfg.withDefaults(DefaultTopicOverhead)
	if cfg.MaxSize > 0 && cfg.limit() <= 0 {
		return nil, fmt.Errorf("transport: max size %d leaves no room after overhead %d", cfg.MaxSize, cfg.Overhead)
	}
	return &TopicFramer{cfg: cfg}, nil
}

func (*TopicFramer) Name() string { return "topic" }

// Config returns the effective configuration.
func (f *TopicFramer) Config() FramerConfig { return f.cfg }

// Frames fills every publish up to MaxSize-Overhead bytes, its own header
// included.
func (f *TopicFramer) Frames(p *packet.Packet) ([][]byte, error) {
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
	rest := p.Payload[take:]
	for seq := 1; len(rest) > 0; seq++ {
		frame, err := packet.AppendFrame(nil, packet.ContinuationHeader(p.ID, seq), f.cfg.Delimiter)
		if err != nil {
			return nil, err
		}
		room := limit - len(frame)
		if room <= 0 {
			return nil, f.cfg.headerTooLarge(p, len(frame))
		}
		n := min(room, len(rest))
		frames = append(frames, append(frame, rest[:n]...))
		rest = rest[n:]
	}
	return frames, nil
}

func (f *TopicFramer) NewAssembler(topic string) Assembler {
	return NewReassemblyBuffer(topic, f.cfg.Delimiter, f.cfg.MaxPacketSize)
}
