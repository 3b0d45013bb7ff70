// Package transport binds byte channels to the codings engine.
//
// A Session wraps either a StreamChannel, a single ordered duplex byte
// stream, or a TopicChannel, a publish/subscribe channel with discrete
// topics. Outbound values are encoded into packets and framed: every packet
// opens with a JSON header terminated by a delimiter, and a packet whose
// header and payload exceed MaxSize is split across several physical writes.
// Inbound bytes are reassembled, decoded and either settle a pending
// request or surface on the session's event stream.
//
// Requests are correlated by a random id and a reply subject derived from
// the target topic:
//
//	s, _ := transport.New(bus, transport.Options{})
//	v, err := s.Request(ctx, "orders", req, transport.WithTimeout(time.Second))
//
// Responders read Events and answer with Reply.
package transport
