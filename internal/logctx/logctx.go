package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with session and packet attributes carried in
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("framer", sd.Framer),
			slog.Bool("server_side", sd.ServerSide),
		))
	}

	if pd, ok := ctx.Value(packetDataKey{}).(*PacketData); ok {
		r.AddAttrs(slog.Group("pkt",
			slog.String("id", pd.ID),
			slog.String("topic", pd.Topic),
			slog.String("reply_to", pd.ReplyTo),
			slog.Int("len", pd.Len),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID  string
	Framer     string
	ServerSide bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type packetDataKey struct{}

type PacketData struct {
	ID      string
	Topic   string
	ReplyTo string
	Len     int
}

func WithPacketData(ctx context.Context, data *PacketData) context.Context {
	return context.WithValue(ctx, packetDataKey{}, data)
}
