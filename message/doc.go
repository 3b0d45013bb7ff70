// Package message provides the default application-level message model that
// the builtin codings translate to and from packet payloads.
//
// A Request names a pattern and carries opaque JSON data; a Response carries
// either a result or an Error. Any is the union decoded from inbound
// payloads when the receiver does not know which shape to expect.
//
// Every type reports a coding tag so the codings engine can resolve handler
// chains without reflection.
package message
