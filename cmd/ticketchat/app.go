package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/api"
	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/config"
	"github.com/helpdesk/ticketchat/internal/conversation"
	"github.com/helpdesk/ticketchat/internal/logging"
	"github.com/helpdesk/ticketchat/internal/messaging"
	"github.com/helpdesk/ticketchat/internal/presence"
	"github.com/helpdesk/ticketchat/internal/reconnect"
	"github.com/helpdesk/ticketchat/internal/transport"
)

// globalOptions are the persistent flags. Set flags win over the config
// file and the environment.
type globalOptions struct {
	configPath string
	apiURL     string
	relayURL   string
	userID     string
	token      string
	bridge     string
	logLevel   string
	logSink    string
}

func (o *globalOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&o.apiURL, "api-url", "", "ticketing REST API base URL")
	f.StringVar(&o.relayURL, "relay-url", "", "real-time relay URL (ws:// or wss://)")
	f.StringVar(&o.userID, "user", "", "local user id")
	f.StringVar(&o.token, "token", "", "bearer token")
	f.StringVar(&o.bridge, "bridge", "", "external messaging bridge: off, http or nats")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&o.logSink, "log-sink", "", "stderr, stdout, off or file:<path>")
}

// load reads the configuration and applies the flags that were set.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	o.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *globalOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("api-url", &cfg.API.BaseURL, o.apiURL)
	set("relay-url", &cfg.Relay.URL, o.relayURL)
	set("user", &cfg.User.ID, o.userID)
	set("token", &cfg.User.Token, o.token)
	set("bridge", &cfg.Bridge.Mode, o.bridge)
	set("log-level", &cfg.Log.Level, o.logLevel)
	set("log-sink", &cfg.Log.Sink, o.logSink)
}

// session is one mounted conversation and everything it owns.
type session struct {
	ctrl    *conversation.Controller
	closers []func()
}

func (s *session) Close() {
	if s.ctrl != nil {
		s.ctrl.Unmount()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openSession wires the REST client, the transport and the configured
// bridge into a controller for ticketID and mounts it.
func openSession(ctx context.Context, cfg *config.Config, ticketID string) (*session, error) {
	log, err := logging.Init(cfg.Log.Level, cfg.Log.Sink)
	if err != nil {
		return nil, err
	}
	s := &session{closers: []func(){logging.Sync}}

	tokens := api.StaticToken(cfg.User.Token)
	client := api.NewClient(api.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout.Duration(),
		Logger:  log.Named("api"),
	}, tokens)

	bridge, closeBridge, err := newBridge(cfg, client, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	if closeBridge != nil {
		s.closers = append(s.closers, closeBridge)
	}

	role := chat.ParseRole(cfg.User.Role)
	tr := transport.New(transport.Config{
		BaseURL:      cfg.Relay.URL,
		Self:         transport.Participant{ID: cfg.User.ID, Name: cfg.User.Name, Role: role},
		DialTimeout:  cfg.Relay.DialTimeout.Duration(),
		WriteTimeout: cfg.Relay.WriteTimeout.Duration(),
		Heartbeat: transport.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval.Duration(),
			Timeout:  cfg.Heartbeat.Timeout.Duration(),
		},
		Logger: log.Named("transport"),
	})

	deps := conversation.Deps{
		Transport:   tr,
		Records:     client,
		Tokens:      tokens,
		Attachments: client,
	}
	if bridge != nil {
		deps.Bridge = bridge
	}

	ctrl, err := conversation.New(conversation.Config{
		TicketID:           ticketID,
		Self:               presence.Participant{ID: cfg.User.ID, DisplayName: cfg.User.Name, Role: role},
		PollInterval:       cfg.Conversation.PollInterval.Duration(),
		MaxAttachmentSize:  cfg.Conversation.MaxAttachmentSize.Int64(),
		LivenessWindow:     cfg.Conversation.LivenessWindow.Duration(),
		TypingSendInterval: cfg.Conversation.TypingSendInterval.Duration(),
		Reconnect: reconnect.Config{
			Base:        cfg.Reconnect.Base.Duration(),
			Cap:         cfg.Reconnect.Cap.Duration(),
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Logger: log.Named("conversation"),
	}, deps)
	if err != nil {
		tr.Close("setup failed")
		s.Close()
		return nil, err
	}
	if err := ctrl.Mount(ctx); err != nil {
		tr.Close("setup failed")
		s.Close()
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}

// newBridge returns nil when the bridge is off.
func newBridge(cfg *config.Config, client *api.Client, log *zap.Logger) (conversation.BridgeProvider, func(), error) {
	switch cfg.Bridge.Mode {
	case config.BridgeOff, "":
		return nil, nil, nil
	case config.BridgeHTTP:
		return api.HTTPBridge{Client: client, To: api.Recipient(cfg.Bridge.Recipient)}, nil, nil
	case config.BridgeNATS:
		nc := messaging.DefaultNATSConfig()
		nc.URL = cfg.Bridge.NATSURL
		nc.Logger = log.Named("nats")
		conn, err := messaging.NewNATSClient(nc)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewNATSBridge(conn, cfg.Bridge.Timeout.Duration()), conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bridge mode %q", cfg.Bridge.Mode)
	}
}

// waitFor polls cond until it holds, ctx ends, or timeout passes.
func waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
