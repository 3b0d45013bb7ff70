package transport

import (
	"context"

	"github.com/ggoodman/transport-session-go/packet"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ggoodman/transport-session-go/transport"

func defaultTracer() trace.Tracer { return otel.Tracer(tracerName) }

func (s *Session) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("transport.session.id", s.id),
		attribute.String("transport.framer", s.framer.Name()),
	)
	return s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(attrs...))
}

func packetAttrs(p *packet.Packet) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("transport.packet.id", p.ID),
		attribute.String("transport.packet.topic", p.Topic),
		attribute.Int("transport.packet.len", p.Len()),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
