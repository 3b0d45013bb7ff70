package codings

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
)

// Tag is the stable discriminator used to key handler chains.
type Tag string

const (
	// TagAny keys chains that apply when no chain exists for a value's tag.
	TagAny    Tag = "*"
	TagBytes  Tag = "bytes"
	TagString Tag = "string"
	TagJSON   Tag = "json"
	TagPacket Tag = "packet"
)

// DefaultGroup is the group consulted last during resolution.
const DefaultGroup = ""

// Tagger is implemented by values that name their own coding tag.
type Tagger interface {
	CodingTag() string
}

// TagOf returns the tag for v, or "" when v has no known shape.
func TagOf(v any) Tag {
	switch x := v.(type) {
	case Tagger:
		return Tag(x.CodingTag())
	case []byte:
		return TagBytes
	case string:
		return TagString
	case json.RawMessage:
		return TagJSON
	}
	return ""
}

// Direction selects the encode or decode side of a registry.
type Direction int

const (
	Encode Direction = iota
	Decode
)

func (d Direction) String() string {
	if d == Decode {
		return "decode"
	}
	return "encode"
}

// Handler transforms one value. Handlers are identified by Name; registering
// a second handler with the same name under the same key is a no-op.
type Handler interface {
	Name() string
	Handle(c *Context, v any) (any, error)
}

type funcHandler struct {
	name string
	fn   func(c *Context, v any) (any, error)
}

func (h funcHandler) Name() string                         { return h.name }
func (h funcHandler) Handle(c *Context, v any) (any, error) { return h.fn(c, v) }

// HandlerFunc adapts fn to a Handler named name.
func HandlerFunc(name string, fn func(c *Context, v any) (any, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

type chainKey struct {
	group string
	dir   Direction
	tag   Tag
}

type chainEntry struct {
	h     Handler
	order int
	seq   uint64
}

// Registry holds handler chains. It is safe for concurrent use, although it
// is normally populated once at startup.
type Registry struct {
	mu     sync.RWMutex
	chains map[chainKey][]chainEntry
	seq    uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[chainKey][]chainEntry)}
}

// Register inserts h into the chain for (group, dir, tag). Chains are sorted
// by order (default 0); equal orders keep registration order. It reports
// false when a handler with the same name was already registered there.
func (r *Registry) Register(group string, dir Direction, tag Tag, h Handler, order ...int) bool {
	o := 0
	if len(order) > 0 {
		o = order[0]
	}
	k := chainKey{group: group, dir: dir, tag: tag}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.chains[k] {
		if e.h.Name() == h.Name() {
			return false
		}
	}
	r.seq++
	chain := append(r.chains[k], chainEntry{h: h, order: o, seq: r.seq})
	slices.SortStableFunc(chain, func(a, b chainEntry) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.chains[k] = chain
	return true
}

// Lookup returns the chain for tag, falling back to the chain for fallback.
// Each is searched across the narrowing keys group.subfix, group and the
// default group, so an exact tag anywhere wins over a fallback chain. It
// returns nil when nothing matches.
func (r *Registry) Lookup(group, subfix string, dir Direction, tag, fallback Tag) []Handler {
	keys := narrowing(group, subfix)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range []Tag{tag, fallback} {
		if t == "" {
			continue
		}
		for _, g := range keys {
			if chain := r.chains[chainKey{group: g, dir: dir, tag: t}]; len(chain) > 0 {
				out := make([]Handler, len(chain))
				for i, e := range chain {
					out[i] = e.h
				}
				return out
			}
		}
	}
	return nil
}

// SubfixGroup joins a group and subfix into the narrowest resolution key.
func SubfixGroup(group, subfix string) string { return group + "." + subfix }

func narrowing(group, subfix string) []string {
	keys := make([]string, 0, 3)
	if subfix != "" {
		keys = append(keys, SubfixGroup(group, subfix))
	}
	keys = append(keys, group)
	if group != DefaultGroup {
		keys = append(keys, DefaultGroup)
	}
	return keys
}
