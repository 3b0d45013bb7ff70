package transport

// ChannelHandler receives events from a channel. Data passed to HandleData
// is owned by the handler once the call returns.
type ChannelHandler interface {
	// HandleData delivers bytes read from an ordered stream. Topic channels
	// deliver through their Subscribe callbacks instead.
	HandleData(p []byte)
	HandleError(err error)
	// HandleClose signals the channel went offline.
	HandleClose()
	// HandleEnd signals the remote side finished sending.
	HandleEnd()
}

// Channel is the event source shared by both channel shapes.
type Channel interface {
	// Notify registers h and returns a function that removes it.
	Notify(h ChannelHandler) (remove func())
}

// StreamChannel is a single ordered duplex byte stream.
type StreamChannel interface {
	Channel
	// Write issues one physical write. done is called exactly once when the
	// write has been accepted by the underlying transport or has failed.
	Write(p []byte, done func(error))
}

// TopicChannel is a publish/subscribe channel with discrete topics.
type TopicChannel interface {
	Channel
	// Publish sends p to topic. done is called exactly once.
	Publish(topic string, p []byte, done func(error))
	// Subscribe registers fn for messages on topic. Messages for one topic
	// are delivered in publish order; fn owns each slice it receives.
	Subscribe(topic string, fn func(p []byte)) (unsubscribe func(), err error)
}

// Connector is implemented by channels that become writable asynchronously.
// Sessions wait for Ready before their first write.
type Connector interface {
	Ready() <-chan struct{}
}

// ChannelHandlerFuncs adapts optional functions to a ChannelHandler.
type ChannelHandlerFuncs struct {
	OnData  func(p []byte)
	OnError func(err error)
	OnClose func()
	OnEnd   func()
}

func (f ChannelHandlerFuncs) HandleData(p []byte) {
	if f.OnData != nil {
		f.OnData(p)
	}
}

func (f ChannelHandlerFuncs) HandleError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

func (f ChannelHandlerFuncs) HandleClose() {
	if f.OnClose != nil {
		f.OnClose()
	}
}

func (f ChannelHandlerFuncs) HandleEnd() {
	if f.OnEnd != nil {
		f.OnEnd()
	}
}
