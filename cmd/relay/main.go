// Command relay runs the development ticket room relay: it authenticates
// WebSocket clients, fans chat, typing and presence out to everyone in a
// ticket room, and optionally serves the messaging bridge over NATS.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/config"
	"github.com/helpdesk/ticketchat/internal/logging"
	"github.com/helpdesk/ticketchat/internal/messaging"
	"github.com/helpdesk/ticketchat/internal/ratelimit"
	"github.com/helpdesk/ticketchat/internal/session"
	"github.com/helpdesk/ticketchat/internal/ws"
)

type options struct {
	configPath string
	listenAddr string
	natsURL    string
	redisAddr  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Development relay for ticket conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&o.listenAddr, "listen", "", "listen address (default :8080)")
	f.StringVar(&o.natsURL, "nats-url", "", "NATS server for multi-instance fanout and the bridge")
	f.StringVar(&o.redisAddr, "redis-addr", "", "Redis for shared presence and throttles")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.Server.ListenAddr, o.listenAddr)
	set("nats-url", &cfg.Server.NATSURL, o.natsURL)
	set("redis-addr", &cfg.Server.RedisAddr, o.redisAddr)
	set("log-level", &cfg.Log.Level, o.logLevel)
	if len(cfg.Server.Grants) == 0 {
		return nil, errors.New("config: server.grants is empty; no client could authenticate")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.Init(cfg.Log.Level, cfg.Log.Sink)
	if err != nil {
		return err
	}
	defer logging.Sync()

	deps := ws.Deps{
		Auth:   ws.NewStaticAuthenticator(grants(cfg.Server.Grants)),
		Logger: log.Named("relay"),
	}

	if cfg.Server.RedisAddr != "" {
		store, err := session.NewRedisStore(cfg.Server.RedisAddr, cfg.Server.InstanceID)
		if err != nil {
			return err
		}
		defer store.Client().Close()
		deps.Presence = store
		deps.Throttle = ratelimit.NewLimiter(store.Client(), log.Named("ratelimit"))
		log.Info("redis_enabled", zap.String("addr", cfg.Server.RedisAddr))
	}

	if cfg.Server.NATSURL != "" {
		nc := messaging.DefaultNATSConfig()
		nc.URL = cfg.Server.NATSURL
		nc.Name = "ticketchat-relay"
		nc.Logger = log.Named("nats")
		conn, err := messaging.NewNATSClient(nc)
		if err != nil {
			return err
		}
		defer conn.Close()
		deps.Fanout = conn

		// A stand-in bridge so clients in nats mode have something to talk to.
		if err := messaging.ServeBridge(conn, messaging.NewMemoryBridge(), cfg.Bridge.Timeout.Duration(), log.Named("bridge")); err != nil {
			return fmt.Errorf("serve bridge: %w", err)
		}
	}

	sc := ws.DefaultServerConfig()
	sc.ListenAddr = cfg.Server.ListenAddr
	sc.InstanceID = cfg.Server.InstanceID
	sc.MaxConnections = cfg.Server.MaxConnections
	sc.HistorySize = cfg.Server.HistorySize
	sc.MaxAttachmentSize = cfg.Conversation.MaxAttachmentSize.Int64()
	sc.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Heartbeat.Interval.Duration(),
		Timeout:  cfg.Heartbeat.Timeout.Duration(),
	}
	server := ws.NewServer(sc, deps)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func grants(in []config.GrantConfig) []ws.TokenGrant {
	out := make([]ws.TokenGrant, len(in))
	for i, g := range in {
		out[i] = ws.TokenGrant{
			Identity: ws.Identity{ID: g.ID, Name: g.Name, Role: g.Role},
			Token:    g.Token,
			Tickets:  g.Tickets,
		}
	}
	return out
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
