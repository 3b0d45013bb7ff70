package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/transport-session-go/internal/logctx"
	"github.com/ggoodman/transport-session-go/internal/outbound"
	"github.com/ggoodman/transport-session-go/packet"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Failer is implemented by reply values that can carry an application
// error. A non-nil Err rejects the request with a *RemoteError.
type Failer interface {
	Err() error
}

// Reply is a settled response: the reply packet and its decoded value.
type Reply struct {
	Packet *packet.Packet
	Value  any
}

// SendOption customizes one Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
	replyTo string
	headers packet.Header
	noReply bool
}

// WithTimeout bounds how long the request waits for its reply. It
// overrides Options.Timeout; zero waits indefinitely.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithReplyTo overrides the reply subject, which defaults to the target
// topic plus ReplySuffix.
func WithReplyTo(topic string) SendOption {
	return func(o *sendOptions) { o.replyTo = topic }
}

// WithHeaders adds headers to the outbound packet.
func WithHeaders(h packet.Header) SendOption {
	return func(o *sendOptions) { o.headers = h }
}

// WithoutReply sends without registering for a reply.
func WithoutReply() SendOption {
	return func(o *sendOptions) { o.noReply = true }
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Call is an outbound request in flight.
type Call struct {
	s       *Session
	oc      *outbound.Call
	id      string
	replyTo string
	sent    *packet.Packet
}

// ID returns the correlation id.
func (c *Call) ID() string { return c.id }

// ReplyTo returns the reply subject, or "" when no reply is expected.
func (c *Call) ReplyTo() string { return c.replyTo }

// Packet returns the packet that was sent.
func (c *Call) Packet() *packet.Packet { return c.sent }

// Done is closed once the call settles. It is already closed for calls
// sent WithoutReply.
func (c *Call) Done() <-chan struct{} {
	if c.oc == nil {
		return closedCh
	}
	return c.oc.Done()
}

// Cancel abandons the call. Bytes already written are not retracted and a
// reply arriving later is dropped. It reports whether the call was pending.
func (c *Call) Cancel() bool {
	if c.oc == nil {
		return false
	}
	return c.s.pending.Cancel(c.id, ErrCanceled)
}

// Wait blocks until the reply arrives and returns its decoded value.
// Cancelling ctx cancels the call.
func (c *Call) Wait(ctx context.Context) (any, error) {
	r, err := c.WaitReply(ctx)
	if err != nil || r == nil {
		return nil, err
	}
	return r.Value, nil
}

// WaitReply is Wait but returns the reply packet along with the value.
func (c *Call) WaitReply(ctx context.Context) (*Reply, error) {
	if c.oc == nil {
		return nil, nil
	}
	select {
	case <-c.oc.Done():
	case <-ctx.Done():
		c.s.pending.Cancel(c.id, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
		<-c.oc.Done()
	}
	v, err := c.oc.Result()
	if err != nil {
		return nil, err
	}
	return v.(*Reply), nil
}

// Send encodes msg, registers for its reply and writes it to target. The
// returned Call settles when the reply arrives, the request times out, the
// channel goes offline or the session is destroyed.
func (s *Session) Send(ctx context.Context, target string, msg any, opts ...SendOption) (_ *Call, err error) {
	o := sendOptions{timeout: s.opts.Timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if s.State() == StateDestroyed {
		return nil, ErrSessionDestroyed
	}

	id := uuid.NewString()
	ctx, span := s.startSpan(ctx, "transport.send",
		attribute.String("transport.target", target),
		attribute.String("transport.packet.id", id),
	)
	defer func() { endSpan(span, err) }()

	call := &Call{s: s, id: id}
	tmpl := packet.New(id, target, nil, packet.WithHeaders(o.headers))
	if !o.noReply {
		replyTo, err := s.initRequest(target, o.replyTo)
		if err != nil {
			return nil, err
		}
		tmpl.ReplyTo = replyTo
		call.replyTo = replyTo

		timeout := o.timeout
		oc, err := s.pending.Begin(id, replyTo, timeout, func() error {
			return &TimeoutError{ID: id, After: timeout}
		})
		if err != nil {
			return nil, err
		}
		call.oc = oc
		s.track(oc)
	}

	p, err := s.Pack(msg, tmpl)
	if err != nil {
		call.abort(err)
		return nil, err
	}
	frames, err := s.write(ctx, p)
	if err != nil {
		call.abort(err)
		return nil, err
	}
	call.sent = p

	s.metrics.sent(s.framer.Name(), frames)
	lctx := logctx.WithPacketData(ctx, &logctx.PacketData{ID: p.ID, Topic: p.Topic, ReplyTo: p.ReplyTo, Len: p.Len()})
	s.log.DebugContext(lctx, "session.send.ok", slog.Int("frames", frames))
	return call, nil
}

// Request sends msg to target and waits for the reply value.
func (s *Session) Request(ctx context.Context, target string, msg any, opts ...SendOption) (any, error) {
	call, err := s.Send(ctx, target, msg, opts...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Emit sends msg to target without expecting a reply.
func (s *Session) Emit(ctx context.Context, target string, msg any, opts ...SendOption) error {
	_, err := s.Send(ctx, target, msg, append(opts, WithoutReply())...)
	return err
}

// Reply answers req with msg, addressed to req.ReplyTo under req's id.
func (s *Session) Reply(ctx context.Context, req *packet.Packet, msg any, opts ...SendOption) (err error) {
	if req == nil || req.ReplyTo == "" {
		return ErrNoReplyTarget
	}
	if s.State() == StateDestroyed {
		return ErrSessionDestroyed
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := s.startSpan(ctx, "transport.reply", packetAttrs(req)...)
	defer func() { endSpan(span, err) }()

	p, err := s.Pack(msg, packet.New(req.ID, req.ReplyTo, nil, packet.WithHeaders(o.headers)))
	if err != nil {
		return err
	}
	frames, err := s.write(ctx, p)
	if err != nil {
		return err
	}

	s.metrics.sent(s.framer.Name(), frames)
	lctx := logctx.WithPacketData(ctx, &logctx.PacketData{ID: p.ID, Topic: p.Topic, Len: p.Len()})
	s.log.DebugContext(lctx, "session.reply.ok", slog.Int("frames", frames))
	return nil
}

// initRequest resolves the reply subject for target and listens on it
// before anything is sent.
func (s *Session) initRequest(target, replyTo string) (string, error) {
	if replyTo == "" {
		replyTo = target + ReplySuffix
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return "", ErrSessionDestroyed
	}
	if err := s.subscribeLocked(replyTo); err != nil {
		return "", err
	}
	s.replyTopics.Store(replyTo, struct{}{})
	return replyTo, nil
}

func (s *Session) track(oc *outbound.Call) {
	if s.metrics == nil {
		return
	}
	s.metrics.requestStarted()
	go func() {
		<-oc.Done()
		_, err := oc.Result()
		s.metrics.requestSettled(outcome(err), time.Since(oc.CreatedAt()).Seconds())
	}()
}

func (c *Call) abort(err error) {
	if c.oc != nil {
		c.s.pending.Cancel(c.id, err)
	}
}
