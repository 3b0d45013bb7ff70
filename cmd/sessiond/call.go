package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/transport-session-go/channel/memchan"
	"github.com/ggoodman/transport-session-go/channel/netchan"
	"github.com/ggoodman/transport-session-go/channel/redischan"
	"github.com/ggoodman/transport-session-go/channel/wschan"
	"github.com/ggoodman/transport-session-go/config"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/transport"
	"github.com/spf13/cobra"
)

func callCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		count   int
		token   string
	)

	cmd := &cobra.Command{
		Use:   "call <pattern> [json-data]",
		Short: "Send a request and print the reply",
		Example: `  sessiond call ping
  sessiond call echo '{"hello":"world"}' --channel tcp`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			lvl, _ := cfg.Level()
			level := new(slog.LevelVar)
			level.Set(lvl)
			log := flags.newLogger(level)

			var data any
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("data is not valid JSON: %s", args[1])
				}
				data = raw
			}
			req, err := message.NewRequest(args[0], data)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sess, cleanup, err := dialSession(ctx, cfg, token, log)
			if err != nil {
				return err
			}
			defer cleanup()

			for i := 0; i < count; i++ {
				if err := call(ctx, cmd.OutOrStdout(), sess, cfg.Topic, req); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of requests to send")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the websocket channel")
	return cmd
}

func call(ctx context.Context, out io.Writer, sess *transport.Session, topic string, req *message.Request) error {
	start := time.Now()
	v, err := sess.Request(ctx, topic, req)
	if err != nil {
		return err
	}
	m, ok := v.(*message.Any)
	if !ok {
		return fmt.Errorf("unexpected reply type %T", v)
	}
	_, err = fmt.Fprintf(out, "%s (%s)\n", m.Result, time.Since(start).Round(time.Microsecond))
	return err
}

// dialSession connects a client session to the configured channel. For the
// memory channel a responder runs in-process on the same bus.
func dialSession(ctx context.Context, cfg config.Config, token string, log *slog.Logger) (*transport.Session, func(), error) {
	opts := cfg.SessionOptions(false)

	switch cfg.Channel {
	case config.ChannelMemory:
		bus := memchan.New()
		server, err := transport.New(bus, cfg.SessionOptions(true), transport.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := server.Subscribe(cfg.Topic); err != nil {
			server.Destroy()
			return nil, nil, err
		}
		rctx, cancel := context.WithCancel(context.Background())
		go respond(rctx, server, log)
		client, err := transport.New(bus, opts, transport.WithLogger(log))
		if err != nil {
			cancel()
			server.Destroy()
			return nil, nil, err
		}
		return client, func() {
			client.Destroy()
			cancel()
			server.Destroy()
			_ = bus.Close()
		}, nil

	case config.ChannelRedis:
		ch, err := redischan.New(cfg.RedisChannelConfig())
		if err != nil {
			return nil, nil, err
		}
		return bind(ch, opts, log, ch.Close)

	case config.ChannelTCP:
		c, err := netchan.Dial(ctx, "tcp", cfg.Listen, netchan.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return bind(c, opts, log, c.Close)

	case config.ChannelWebsocket:
		u := url.URL{Scheme: "ws", Host: cfg.Listen, Path: "/session"}
		var header http.Header
		if token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		c, err := wschan.Dial(ctx, u.String(), header, wschan.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return bind(c, opts, log, c.Close)
	}
	return nil, nil, fmt.Errorf("channel %q cannot be dialed", cfg.Channel)
}

func bind(ch transport.Channel, opts transport.Options, log *slog.Logger, closeFn func() error) (*transport.Session, func(), error) {
	sess, err := transport.New(ch, opts, transport.WithLogger(log))
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return sess, func() {
		sess.Destroy()
		_ = closeFn()
	}, nil
}
