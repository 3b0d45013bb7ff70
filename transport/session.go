package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/transport-session-go/codings"
	"github.com/ggoodman/transport-session-go/internal/logctx"
	"github.com/ggoodman/transport-session-go/internal/outbound"
	"github.com/ggoodman/transport-session-go/packet"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBound
	StateListening
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Session binds a channel to the codings engine. It frames outbound
// packets, reassembles inbound ones and correlates replies with pending
// requests.
//
// Inbound channel events are processed by one goroutine per session, which
// owns all reassembly state. Callers must drain Events; a full event buffer
// applies backpressure to the channel.
type Session struct {
	id      string
	opts    Options
	ch      Channel
	stream  StreamChannel
	topics  TopicChannel
	framer  Framer
	engine  *codings.Engine
	encoder EncoderFactory
	decoder DecoderFactory
	match   MatchMode

	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	logCtx  context.Context

	pending     *outbound.Dispatcher
	replyTopics sync.Map

	mu           sync.Mutex
	state        State
	subs         map[string]func()
	removeNotify func()

	// sendMu keeps the chunks of one packet contiguous on a stream.
	sendMu sync.Mutex

	inbox       chan func()
	events      chan Event
	quit        chan struct{}
	loopDone    chan struct{}
	destroyOnce sync.Once

	// assemblers is owned by the run goroutine.
	assemblers map[string]Assembler
}

// New binds a session to ch. Topic channels get a TopicFramer and stream
// channels a StreamFramer unless opts.Framer is set.
func New(ch Channel, opts Options, extra ...Option) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrUnsupportedChannel)
	}

	s := &Session{
		opts:       opts,
		ch:         ch,
		log:        slog.Default(),
		tracer:     defaultTracer(),
		pending:    outbound.New(),
		subs:       make(map[string]func()),
		inbox:      make(chan func(), 16),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		assemblers: make(map[string]Assembler),
	}

	switch c := ch.(type) {
	case TopicChannel:
		s.topics = c
	case StreamChannel:
		s.stream = c
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedChannel, ch)
	}

	var err error
	s.framer = opts.Framer
	if s.framer == nil {
		if s.topics != nil {
			s.framer, err = NewTopicFramer(opts.framerConfig())
		} else {
			s.framer, err = NewStreamFramer(opts.framerConfig())
		}
		if err != nil {
			return nil, err
		}
	}

	s.match = opts.MatchMode
	if s.match == MatchDefault {
		s.match = MatchIDAndSubject
		if s.stream != nil {
			s.match = MatchID
		}
	}

	s.engine = opts.Engine
	if s.engine == nil {
		s.engine = DefaultEngine()
	}
	s.encoder = opts.encoder()
	s.decoder = opts.decoder()

	buf := opts.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	s.events = make(chan Event, buf)

	for _, opt := range extra {
		if opt != nil {
			opt(s)
		}
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.log = s.log.With(slog.String("session_id", s.id))
	s.logCtx = logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:  s.id,
		Framer:     s.framer.Name(),
		ServerSide: opts.ServerSide,
	})
	s.pending.OnTimeout = func(c *outbound.Call) {
		s.log.WarnContext(s.logCtx, "session.request.timeout", slog.String("id", c.ID()), slog.String("reply_to", c.Subject()))
	}

	s.removeNotify = ch.Notify(sessionHandler{s})
	s.state = StateBound
	if s.stream != nil {
		// A stream delivers data as soon as it is bound.
		s.state = StateListening
	}

	go s.run()
	s.metrics.sessionOpened()
	s.log.DebugContext(s.logCtx, "session.bound", slog.String("framer", s.framer.Name()), slog.Bool("server_side", opts.ServerSide))
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Framer returns the framer in use.
func (s *Session) Framer() Framer { return s.framer }

// Engine returns the codings engine in use.
func (s *Session) Engine() *codings.Engine { return s.engine }

// ServerSide reports whether the session was created for the responding end.
func (s *Session) ServerSide() bool { return s.opts.ServerSide }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the session event stream. It is closed by Destroy.
func (s *Session) Events() <-chan Event { return s.events }

// Pending reports the number of requests awaiting a reply.
func (s *Session) Pending() int { return s.pending.Len() }

// Subscriptions returns the topics the session listens on.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

// Subscribe starts listening on topic. Subscribing twice to the same topic
// registers a single listener.
func (s *Session) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrSessionDestroyed
	}
	return s.subscribeLocked(topic)
}

func (s *Session) subscribeLocked(topic string) error {
	if _, ok := s.subs[topic]; ok {
		return nil
	}
	unsub := func() {}
	if s.topics != nil {
		u, err := s.topics.Subscribe(topic, func(p []byte) {
			s.post(func() { s.feed(topic, p) })
		})
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", topic, err)
		}
		unsub = u
	}
	s.subs[topic] = unsub
	s.state = StateListening
	s.log.DebugContext(s.logCtx, "session.subscribe", slog.String("topic", topic))
	return nil
}

// Unsubscribe stops listening on topic and discards its reassembly buffer.
// A reply subject stops being one once it is unsubscribed.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	unsub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.replyTopics.Delete(topic)
	s.mu.Unlock()
	if !ok {
		return
	}
	unsub()
	s.post(func() { delete(s.assemblers, topic) })
	s.log.DebugContext(s.logCtx, "session.unsubscribe", slog.String("topic", topic))
}

// Destroy releases subscriptions, buffers and listeners, rejects pending
// requests with ErrSessionDestroyed and closes Events. It is idempotent.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDestroyed
		subs := s.subs
		s.subs = make(map[string]func())
		remove := s.removeNotify
		s.replyTopics.Clear()
		s.mu.Unlock()

		close(s.quit)
		if remove != nil {
			remove()
		}
		for _, unsub := range subs {
			unsub()
		}
		pending := s.pending.Len()
		s.pending.Close(ErrSessionDestroyed)
		<-s.loopDone

		s.metrics.sessionClosed()
		s.log.DebugContext(s.logCtx, "session.destroy", slog.Int("pending", pending), slog.Int("subscriptions", len(subs)))
	})
}

// Pack encodes msg into a packet addressed by tmpl.
func (s *Session) Pack(msg any, tmpl *packet.Packet) (*packet.Packet, error) {
	out, err := s.engine.DeepEncode(s.encoder(tmpl), msg)
	if err != nil {
		return nil, err
	}
	p, ok := out.(*packet.Packet)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotPacket, out)
	}
	return stamp(p, tmpl), nil
}

// Unpack decodes an inbound packet into its application value.
func (s *Session) Unpack(p *packet.Packet) (any, error) {
	return s.engine.DeepDecode(s.decoder(p), p)
}

// stamp makes p carry tmpl's addressing. Callers that pass a prebuilt
// packet get a copy; p is never modified.
func stamp(p, tmpl *packet.Packet) *packet.Packet {
	if tmpl == nil {
		return p
	}
	needsReply := tmpl.ReplyTo != "" && p.ReplyTo != tmpl.ReplyTo
	if p.ID == tmpl.ID && p.Topic == tmpl.Topic && !needsReply && len(tmpl.Headers) == 0 {
		return p
	}
	out := p.WithID(tmpl.ID).WithTopic(tmpl.Topic)
	if needsReply {
		out = out.WithReplyTo(tmpl.ReplyTo)
	}
	for k, v := range tmpl.Headers {
		if _, ok := out.Headers[k]; !ok {
			out = out.WithHeader(k, v)
		}
	}
	return out
}

// write frames p and issues every frame, waiting for each write to finish
// before the next. It returns the number of frames written.
func (s *Session) write(ctx context.Context, p *packet.Packet) (int, error) {
	frames, err := s.framer.Frames(p)
	if err != nil {
		return 0, err
	}
	if err := s.waitReady(ctx); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if s.stream != nil {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
	}
	// Once the first frame is out the rest follow regardless of ctx so the
	// receiver never sees a truncated packet.
	for i, f := range frames {
		if err := s.writeFrame(p.Topic, f); err != nil {
			return i, fmt.Errorf("write frame %d of %d: %w", i+1, len(frames), err)
		}
	}
	return len(frames), nil
}

func (s *Session) writeFrame(topic string, f []byte) error {
	done := make(chan error, 1)
	cb := func(err error) { done <- err }
	if s.stream != nil {
		s.stream.Write(f, cb)
	} else {
		s.topics.Publish(topic, f, cb)
	}
	select {
	case err := <-done:
		return err
	case <-s.quit:
		return ErrSessionDestroyed
	}
}

func (s *Session) waitReady(ctx context.Context) error {
	c, ok := s.ch.(Connector)
	if !ok {
		return nil
	}
	select {
	case <-c.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSessionDestroyed
	}
}

// post hands fn to the run goroutine. It is dropped after Destroy.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

func (s *Session) run() {
	defer close(s.loopDone)
	defer close(s.events)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			clear(s.assemblers)
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) feed(topic string, p []byte) {
	a := s.assemblers[topic]
	if a == nil {
		a = s.framer.NewAssembler(topic)
		s.assemblers[topic] = a
	}
	pkts, err := a.Feed(p)
	s.metrics.received(s.framer.Name(), len(pkts))
	for _, pkt := range pkts {
		s.deliver(pkt)
	}
	if err != nil {
		s.metrics.malformedFrame(s.framer.Name())
		s.log.WarnContext(s.logCtx, "session.frame.malformed", slog.String("topic", topic), slog.String("err", err.Error()))
		s.emit(Event{Kind: EventError, Err: err})
	}
}

// deliver routes a complete packet: replies settle their request, packets
// on a reply subject that match nothing are dropped, everything else is
// decoded and emitted.
func (s *Session) deliver(p *packet.Packet) {
	ctx := logctx.WithPacketData(s.logCtx, &logctx.PacketData{ID: p.ID, Topic: p.Topic, ReplyTo: p.ReplyTo, Len: p.Len()})

	if c := s.pending.Take(p.Topic, p.ID, s.match == MatchIDAndSubject); c != nil {
		s.settle(c, p)
		return
	}
	if _, ok := s.replyTopics.Load(p.Topic); ok {
		s.metrics.lateReply()
		s.log.DebugContext(ctx, "session.reply.late")
		return
	}

	v, err := s.Unpack(p)
	if err != nil {
		s.log.WarnContext(ctx, "session.decode.failed", slog.String("err", err.Error()))
		s.emit(Event{Kind: EventError, Packet: p, Err: &DecodeError{Packet: p, Err: err}})
		return
	}
	s.emit(Event{Kind: EventMessage, Packet: p, Value: v})
}

func (s *Session) settle(c *outbound.Call, p *packet.Packet) {
	v, err := s.Unpack(p)
	switch {
	case err != nil:
		c.Complete(nil, &DecodeError{Packet: p, Err: err})
	default:
		if f, ok := v.(Failer); ok {
			if rerr := f.Err(); rerr != nil {
				c.Complete(nil, &RemoteError{ID: p.ID, Err: rerr})
				return
			}
		}
		c.Complete(&Reply{Packet: p, Value: v}, nil)
	}
}

func (s *Session) offline() {
	for _, a := range s.assemblers {
		a.Reset()
	}
	n := s.pending.FailAll(ErrOffline)
	s.log.WarnContext(s.logCtx, "session.offline", slog.Int("failed_requests", n))
	s.emit(Event{Kind: EventClose})
}

// sessionHandler adapts channel events onto the run goroutine.
type sessionHandler struct{ s *Session }

func (h sessionHandler) HandleData(p []byte) {
	h.s.post(func() { h.s.feed("", p) })
}

func (h sessionHandler) HandleError(err error) {
	if err == nil {
		return
	}
	h.s.post(func() {
		h.s.log.WarnContext(h.s.logCtx, "session.channel.error", slog.String("err", err.Error()))
		h.s.emit(Event{Kind: EventError, Err: err})
	})
}

func (h sessionHandler) HandleClose() {
	h.s.post(h.s.offline)
}

func (h sessionHandler) HandleEnd() {
	h.s.post(func() { h.s.emit(Event{Kind: EventEnd}) })
}

// outcome labels a settled request for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrOffline):
		return "offline"
	case errors.Is(err, ErrSessionDestroyed):
		return "destroyed"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return "remote"
	}
	return "error"
}
