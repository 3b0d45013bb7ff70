package codings

import (
	"fmt"
	"log/slog"
)

// Engine applies handler chains from a Registry.
type Engine struct {
	reg       *Registry
	log       *slog.Logger
	maxPasses int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for pass tracing.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMaxPasses bounds deep encode/decode. Zero means unlimited.
func WithMaxPasses(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxPasses = n
		}
	}
}

// NewEngine returns an engine resolving handlers from reg.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	e := &Engine{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Registry returns the registry backing e.
func (e *Engine) Registry() *Registry { return e.reg }

// Encode runs a single encode pass over v.
func (e *Engine) Encode(c *Context, v any) (any, error) { return e.pass(c, Encode, v) }

// Decode runs a single decode pass over v.
func (e *Engine) Decode(c *Context, v any) (any, error) { return e.pass(c, Decode, v) }

// DeepEncode repeats encode passes until c reports completion.
func (e *Engine) DeepEncode(c *Context, v any) (any, error) { return e.deep(c, Encode, v) }

// DeepDecode repeats decode passes until c reports completion.
func (e *Engine) DeepDecode(c *Context, v any) (any, error) { return e.deep(c, Decode, v) }

func (e *Engine) pass(c *Context, dir Direction, v any) (any, error) {
	tag := TagOf(v)
	chain := e.reg.Lookup(c.Group, c.Subfix, dir, tag, TagAny)
	if len(chain) == 0 {
		return nil, &NoHandlerError{Type: fmt.Sprintf("%T", v), Tag: tag, Group: c.Group, Direction: dir}
	}

	out := v
	for _, h := range chain {
		c.step++
		next, err := h.Handle(c, out)
		if err != nil {
			return nil, fmt.Errorf("%s handler %q: %w", dir, h.Name(), err)
		}
		out = next
		if c.settle(dir, out) {
			break
		}
	}
	return out, nil
}

func (e *Engine) deep(c *Context, dir Direction, v any) (any, error) {
	out := v
	passes := 0
	for !c.settle(dir, out) {
		if e.maxPasses > 0 && passes >= e.maxPasses {
			return nil, fmt.Errorf("%w: %d %s passes over %T", ErrNoProgress, passes, dir, v)
		}
		next, err := e.pass(c, dir, out)
		if err != nil {
			return nil, err
		}
		out = next
		passes++
	}
	if passes > 1 {
		e.log.Debug("codings.deep.done", slog.String("dir", dir.String()), slog.String("group", c.Group), slog.Int("passes", passes), slog.Int("steps", c.step))
	}
	return out, nil
}
