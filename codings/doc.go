// Package codings implements the encode/decode pipeline used by transport
// sessions.
//
// A Registry maps (group, direction, tag) to an ordered chain of Handlers.
// An Engine resolves the chain for a value's tag and folds the value through
// it. The deep variants repeat single passes until the Context reports
// completion, which lets multi-stage transforms (value -> bytes -> packet)
// be expressed as independent handlers:
//
//	reg := codings.NewRegistry()
//	codings.RegisterDefaults(reg)
//	eng := codings.NewEngine(reg)
//
//	c := codings.NewContext("", codings.WithEndTag(codings.TagPacket), codings.WithPacket(tmpl))
//	out, err := eng.DeepEncode(c, req) // *packet.Packet
//
// Resolution narrows from "group.subfix" to "group" to the default group so
// protocol-specific overrides can share common handlers.
package codings
