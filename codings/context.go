package codings

import "github.com/ggoodman/transport-session-go/packet"

// Context carries the state of one logical encode or decode call through a
// handler chain. Create one per call; it is not safe for concurrent use.
type Context struct {
	Group  string
	Name   string
	Subfix string
	// EndTag is the terminal tag: a value carrying it completes the call.
	EndTag Tag
	// Complete, when set, decides completion instead of EndTag.
	Complete func(v any) bool

	step            int
	encodeCompleted bool
	decodeCompleted bool
	tmpl            *packet.Packet
	values          map[string]any
}

// ContextOption customizes a Context.
type ContextOption func(*Context)

// WithName labels the context, typically with the pattern being coded.
func WithName(name string) ContextOption { return func(c *Context) { c.Name = name } }

// WithSubfix narrows resolution to group.subfix before group.
func WithSubfix(subfix string) ContextOption { return func(c *Context) { c.Subfix = subfix } }

// WithEndTag sets the terminal tag.
func WithEndTag(tag Tag) ContextOption { return func(c *Context) { c.EndTag = tag } }

// WithCompletion sets an explicit completion predicate.
func WithCompletion(fn func(v any) bool) ContextOption {
	return func(c *Context) { c.Complete = fn }
}

// WithPacket supplies the envelope used when a handler wraps bytes into a
// packet.
func WithPacket(tmpl *packet.Packet) ContextOption { return func(c *Context) { c.tmpl = tmpl } }

// WithValue attaches an arbitrary value for custom handlers.
func WithValue(key string, v any) ContextOption {
	return func(c *Context) {
		if c.values == nil {
			c.values = make(map[string]any)
		}
		c.values[key] = v
	}
}

// NewContext returns a context for group.
func NewContext(group string, opts ...ContextOption) *Context {
	c := &Context{Group: group}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Step reports how many handlers have been applied so far.
func (c *Context) Step() int { return c.step }

// EncodeCompleted reports whether the encode side reached completion.
func (c *Context) EncodeCompleted() bool { return c.encodeCompleted }

// DecodeCompleted reports whether the decode side reached completion.
func (c *Context) DecodeCompleted() bool { return c.decodeCompleted }

// Completed reports completion for dir.
func (c *Context) Completed(dir Direction) bool {
	if dir == Decode {
		return c.decodeCompleted
	}
	return c.encodeCompleted
}

// Packet returns the packet template, if any.
func (c *Context) Packet() *packet.Packet { return c.tmpl }

// Value returns a value attached with WithValue.
func (c *Context) Value(key string) any { return c.values[key] }

// settle evaluates completion for v and records it for dir.
func (c *Context) settle(dir Direction, v any) bool {
	var done bool
	switch {
	case c.Complete != nil:
		done = c.Complete(v)
	case c.EndTag != "":
		done = TagOf(v) == c.EndTag
	}
	if dir == Decode {
		c.decodeCompleted = done
	} else {
		c.encodeCompleted = done
	}
	return done
}
