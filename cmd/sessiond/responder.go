package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/transport"
)

// Patterns answered by the responder.
const (
	patternEcho = "echo"
	patternPing = "ping"
)

// respond answers requests arriving on s until ctx is done, the channel
// closes or the session is destroyed.
func respond(ctx context.Context, s *transport.Session, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventClose:
				return
			case transport.EventError:
				log.Warn("sessiond.event.error", slog.String("session_id", s.ID()), slog.String("err", ev.Err.Error()))
			case transport.EventMessage:
				if ev.Packet.ReplyTo == "" {
					continue
				}
				if err := s.Reply(ctx, ev.Packet, answer(ev.Value)); err != nil {
					log.Warn("sessiond.reply.failed", slog.String("session_id", s.ID()), slog.String("id", ev.Packet.ID), slog.String("err", err.Error()))
				}
			}
		}
	}
}

func answer(v any) *message.Response {
	m, ok := v.(*message.Any)
	if !ok || !m.IsRequest() {
		return message.NewErrorResponse(message.ErrorCodeInvalidMessage, "expected a request", nil)
	}
	switch m.Pattern {
	case patternEcho:
		return &message.Response{Result: m.Data}
	case patternPing:
		return &message.Response{Result: json.RawMessage(`"pong"`)}
	default:
		return message.NewErrorResponse(message.ErrorCodePatternNotFound, "unknown pattern", m.Pattern)
	}
}
