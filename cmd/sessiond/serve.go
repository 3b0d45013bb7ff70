package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ggoodman/transport-session-go/channel/netchan"
	"github.com/ggoodman/transport-session-go/channel/redischan"
	"github.com/ggoodman/transport-session-go/channel/wschan"
	"github.com/ggoodman/transport-session-go/config"
	"github.com/ggoodman/transport-session-go/internal/peerauth"
	"github.com/ggoodman/transport-session-go/transport"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// server holds what every channel kind needs to run the responder.
type server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *transport.Metrics
	ready   atomic.Bool
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer requests on the configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			lvl, _ := cfg.Level()
			level := new(slog.LevelVar)
			level.Set(lvl)
			log := flags.newLogger(level)
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if flags.configPath != "" {
				go watchConfig(ctx, flags.configPath, level, log)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv := &server{
				cfg:     cfg,
				log:     log,
				metrics: transport.NewMetrics(transport.WithMetricsRegistry(reg)),
			}
			if cfg.AdminListen != "" {
				go srv.serveHTTP(ctx, cfg.AdminListen, adminRouter(reg, &srv.ready), "admin")
			}
			return srv.run(ctx)
		},
	}
}

// watchConfig applies log level changes from the config file.
func watchConfig(ctx context.Context, path string, level *slog.LevelVar, log *slog.Logger) {
	err := config.Watch(ctx, path, func(cfg config.Config, err error) {
		if err != nil {
			log.Warn("sessiond.config.invalid", slog.String("path", path), slog.String("err", err.Error()))
			return
		}
		lvl, _ := cfg.Level()
		if lvl != level.Level() {
			level.Set(lvl)
			log.Info("sessiond.config.reloaded", slog.String("log_level", lvl.String()))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sessiond.config.watch", slog.String("err", err.Error()))
	}
}

func (s *server) run(ctx context.Context) error {
	switch s.cfg.Channel {
	case config.ChannelRedis:
		return s.runRedis(ctx)
	case config.ChannelTCP:
		return s.runTCP(ctx)
	case config.ChannelWebsocket:
		return s.runWebsocket(ctx)
	case config.ChannelStdio:
		s.ready.Store(true)
		s.handleStream(ctx, netchan.NewStdio(nil, nil, netchan.WithLogger(s.log)), "stdio")
		return nil
	default:
		return fmt.Errorf("channel %q cannot be served; use call --channel memory for an in-process round trip", s.cfg.Channel)
	}
}

func (s *server) session(ch transport.Channel) (*transport.Session, error) {
	return transport.New(ch, s.cfg.SessionOptions(true),
		transport.WithLogger(s.log),
		transport.WithMetrics(s.metrics),
	)
}

func (s *server) runRedis(ctx context.Context) error {
	ch, err := redischan.New(s.cfg.RedisChannelConfig())
	if err != nil {
		return err
	}
	defer ch.Close()

	sess, err := s.session(ch)
	if err != nil {
		return err
	}
	defer sess.Destroy()
	if err := sess.Subscribe(s.cfg.Topic); err != nil {
		return err
	}

	s.ready.Store(true)
	s.log.Info("sessiond.serving", slog.String("channel", s.cfg.Channel), slog.String("addr", s.cfg.Redis.Addr), slog.String("topic", s.cfg.Topic))
	respond(ctx, sess, s.log)
	return nil
}

func (s *server) runTCP(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ready.Store(true)
	s.log.Info("sessiond.serving", slog.String("channel", s.cfg.Channel), slog.String("addr", ln.Addr().String()))

	err = netchan.Serve(ctx, ln, func(ctx context.Context, c *netchan.Conn) {
		s.handleStream(ctx, c, c.Remote())
	}, netchan.WithLogger(s.log))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *server) runWebsocket(ctx context.Context) error {
	r := chi.NewRouter()
	if s.cfg.Auth.Issuer != "" {
		v, err := peerauth.New(ctx, s.cfg.PeerAuthConfig())
		if err != nil {
			return err
		}
		r.Use(v.Middleware)
	}
	r.Handle("/session", wschan.Handler(&websocket.Upgrader{}, func(req *http.Request, c *wschan.Conn) {
		remote := req.RemoteAddr
		if p, ok := peerauth.FromContext(req.Context()); ok {
			remote = p.Subject + "@" + remote
		}
		s.handleStream(ctx, c, remote)
	}, wschan.WithLogger(s.log)))

	s.ready.Store(true)
	s.log.Info("sessiond.serving", slog.String("channel", s.cfg.Channel), slog.String("addr", s.cfg.Listen))
	return s.serveHTTP(ctx, s.cfg.Listen, r, "websocket")
}

// handleStream runs one responder session for a connected peer.
func (s *server) handleStream(ctx context.Context, ch transport.StreamChannel, remote string) {
	sess, err := s.session(ch)
	if err != nil {
		s.log.Error("sessiond.session.failed", slog.String("remote", remote), slog.String("err", err.Error()))
		return
	}
	defer sess.Destroy()
	s.log.Debug("sessiond.peer.connected", slog.String("remote", remote), slog.String("session_id", sess.ID()))
	respond(ctx, sess, s.log)
	s.log.Debug("sessiond.peer.gone", slog.String("remote", remote), slog.String("session_id", sess.ID()))
}

func (s *server) serveHTTP(ctx context.Context, addr string, h http.Handler, name string) error {
	hs := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		s.log.Error("sessiond.http.failed", slog.String("server", name), slog.String("err", err.Error()))
	}
	return err
}
