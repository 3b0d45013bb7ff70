package redischan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/transport-session-go/transport"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// ErrClosed is reported by operations on a closed channel.
var ErrClosed = errors.New("redischan: closed")

// Config for a Redis-backed topic channel. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Prefix is prepended to every topic. ENV: REDIS_TOPIC_PREFIX
	Prefix string `env:"REDIS_TOPIC_PREFIX"`
	// HealthInterval enables periodic pings. A failed ping takes the
	// channel offline until a ping succeeds. ENV: REDIS_HEALTH_INTERVAL
	HealthInterval time.Duration `env:"REDIS_HEALTH_INTERVAL,default=0s"`

	// Client, when set, is used instead of dialing Addr. It is not closed
	// by Close.
	Client redis.UniversalClient
}

// Channel is a transport.TopicChannel over Redis Pub/Sub.
type Channel struct {
	client redis.UniversalClient
	owned  bool
	prefix string
	ready  chan struct{}

	mu       sync.Mutex
	handlers map[*handlerEntry]struct{}
	subs     map[*redis.PubSub]struct{}
	closed   bool
	stop     chan struct{}
}

type handlerEntry struct{ h transport.ChannelHandler }

// New dials Redis and verifies the connection.
func New(cfg Config) (*Channel, error) {
	client := cfg.Client
	owned := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owned = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ready := make(chan struct{})
	close(ready)
	c := &Channel{
		client:   client,
		owned:    owned,
		prefix:   cfg.Prefix,
		ready:    ready,
		handlers: make(map[*handlerEntry]struct{}),
		subs:     make(map[*redis.PubSub]struct{}),
		stop:     make(chan struct{}),
	}
	if cfg.HealthInterval > 0 {
		go c.health(cfg.HealthInterval)
	}
	return c, nil
}

// NewFromEnv builds a Channel using envdecode to populate Config.
func NewFromEnv() (*Channel, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Ready implements transport.Connector.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Notify implements transport.Channel.
func (c *Channel) Notify(h transport.ChannelHandler) func() {
	e := &handlerEntry{h: h}
	c.mu.Lock()
	c.handlers[e] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, e)
		c.mu.Unlock()
	}
}

// Publish implements transport.TopicChannel.
func (c *Channel) Publish(topic string, p []byte, done func(error)) {
	if c.isClosed() {
		done(ErrClosed)
		return
	}
	if err := c.client.Publish(context.Background(), c.key(topic), p).Err(); err != nil {
		done(fmt.Errorf("redis publish %s: %w", topic, err))
		return
	}
	done(nil)
}

// Subscribe implements transport.TopicChannel. It returns once Redis has
// confirmed the subscription.
func (c *Channel) Subscribe(topic string, fn func(p []byte)) (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ctx := context.Background()
	ps := c.client.Subscribe(ctx, c.key(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	c.subs[ps] = struct{}{}
	c.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for m := range msgs {
			fn([]byte(m.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ps)
			c.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

// Close drops every subscription, notifies handlers that the channel went
// offline and closes the client if New dialed it.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	subs := c.subs
	c.subs = make(map[*redis.PubSub]struct{})
	handlers := c.handlerList()
	c.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}
	for _, h := range handlers {
		h.HandleClose()
	}
	if c.owned {
		return c.client.Close()
	}
	return nil
}

func (c *Channel) key(topic string) string { return c.prefix + topic }

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) handlerList() []transport.ChannelHandler {
	out := make([]transport.ChannelHandler, 0, len(c.handlers))
	for e := range c.handlers {
		out = append(out, e.h)
	}
	return out
}

// health pings Redis every interval. Losing the server takes the channel
// offline once; the next successful ping brings it back.
func (c *Channel) health(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.client.Ping(ctx).Err()
		cancel()

		switch {
		case err != nil && healthy:
			healthy = false
			c.mu.Lock()
			handlers := c.handlerList()
			c.mu.Unlock()
			for _, h := range handlers {
				h.HandleError(fmt.Errorf("redis ping: %w", err))
				h.HandleClose()
			}
		case err == nil && !healthy:
			healthy = true
		}
	}
}

var (
	_ transport.TopicChannel = (*Channel)(nil)
	_ transport.Connector    = (*Channel)(nil)
)
