package codings

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/packet"
)

// Subfixes understood by the builtin handlers.
const (
	SubfixJSON = "json"
	SubfixText = "text"
)

// Builtin handler names.
const (
	HandlerJSONMarshal   = "json.marshal"
	HandlerJSONUnmarshal = "json.unmarshal"
	HandlerTextEncode    = "text.encode"
	HandlerTextDecode    = "text.decode"
	HandlerRawJSON       = "json.raw"
	HandlerPacketWrap    = "packet.wrap"
	HandlerPacketUnwrap  = "packet.unwrap"
)

// RegisterDefaults installs the builtin chains into the default group:
//
//	encode: message types -> bytes (JSON), string -> bytes, json -> bytes, bytes -> packet
//	decode: packet -> bytes, bytes -> *message.Any (JSON), ".text": bytes -> string
func RegisterDefaults(r *Registry) {
	RegisterJSON(r, DefaultGroup, message.TagRequest, message.TagResponse, message.TagAny)

	r.Register(DefaultGroup, Encode, TagString, HandlerFunc(HandlerTextEncode, encodeText))
	r.Register(DefaultGroup, Encode, TagJSON, HandlerFunc(HandlerRawJSON, encodeRawJSON))
	r.Register(DefaultGroup, Encode, TagBytes, HandlerFunc(HandlerPacketWrap, wrapPacket))

	r.Register(DefaultGroup, Decode, TagPacket, HandlerFunc(HandlerPacketUnwrap, unwrapPacket))
	r.Register(DefaultGroup, Decode, TagBytes, HandlerFunc(HandlerJSONUnmarshal, decodeMessage))
	r.Register(SubfixGroup(DefaultGroup, SubfixText), Decode, TagBytes, HandlerFunc(HandlerTextDecode, decodeText))
}

// RegisterJSON registers JSON marshaling as the encode chain for each tag in
// group.
func RegisterJSON(r *Registry, group string, tags ...string) {
	for _, t := range tags {
		r.Register(group, Encode, Tag(t), HandlerFunc(HandlerJSONMarshal, encodeJSON))
	}
}

// SubfixFor maps a packet content-type header to a coding subfix. Unknown
// or unparseable media types map to "".
func SubfixFor(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt := contenttype.NewMediaType(contentType)
	if mt.Type == "" {
		return ""
	}
	switch {
	case mt.Type == "application" && (mt.Subtype == "json" || strings.HasSuffix(mt.Subtype, "+json")):
		return SubfixJSON
	case mt.Type == "text":
		return SubfixText
	}
	return ""
}

func encodeJSON(_ *Context, v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func encodeText(_ *Context, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return []byte(s), nil
}

func encodeRawJSON(_ *Context, v any) (any, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("expected json.RawMessage, got %T", v)
	}
	return []byte(raw), nil
}

func wrapPacket(c *Context, v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
	tmpl := c.Packet()
	if tmpl == nil {
		return nil, ErrNoPacketTemplate
	}
	p := *tmpl
	p.Headers = tmpl.Headers.Clone()
	p.Payload = b
	return &p, nil
}

func unwrapPacket(_ *Context, v any) (any, error) {
	p, ok := v.(*packet.Packet)
	if !ok {
		return nil, fmt.Errorf("expected *packet.Packet, got %T", v)
	}
	if p.Payload == nil {
		return []byte{}, nil
	}
	return p.Payload, nil
}

func decodeMessage(_ *Context, v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
	var m message.Any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeText(_ *Context, v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
	return string(b), nil
}
