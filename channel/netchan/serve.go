package netchan

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Serve accepts connections on ln until ctx is done, wrapping each in a
// Conn and handing it to handle on its own goroutine. It closes ln and
// waits for handlers to return before it returns.
func Serve(ctx context.Context, ln net.Listener, handle func(ctx context.Context, c *Conn), opts ...Option) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		c := New(conn, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			handle(ctx, c)
		}()
	}
}
