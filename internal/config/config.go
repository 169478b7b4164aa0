// Package config loads ticketchat settings from a YAML file, an optional
// .env file, and TICKETCHAT_* environment variables, in that order of
// increasing precedence. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TICKETCHAT_"

// Bridge modes.
const (
	BridgeOff  = "off"
	BridgeHTTP = "http"
	BridgeNATS = "nats"
)

// Config is the top-level configuration shared by the client and the
// development relay.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Relay        RelayConfig        `yaml:"relay"`
	User         UserConfig         `yaml:"user"`
	Conversation ConversationConfig `yaml:"conversation"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
}

// APIConfig points at the ticketing REST API.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// RelayConfig points the client at the real-time relay.
type RelayConfig struct {
	URL          string   `yaml:"url"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// UserConfig is the local participant and its bearer token.
type UserConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
	Token string `yaml:"token"`
}

// ConversationConfig tunes the conversation view.
type ConversationConfig struct {
	PollInterval       Duration  `yaml:"poll_interval"`
	MaxAttachmentSize  SizeBytes `yaml:"max_attachment_size"`
	LivenessWindow     Duration  `yaml:"liveness_window"`
	TypingSendInterval Duration  `yaml:"typing_send_interval"`
}

// ReconnectConfig tunes the reconnection backoff.
type ReconnectConfig struct {
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// HeartbeatConfig tunes the application ping.
type HeartbeatConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// BridgeConfig selects how the external messaging bridge is reached.
type BridgeConfig struct {
	Mode      string   `yaml:"mode"`      // off, http, nats
	Recipient string   `yaml:"recipient"` // http mode: "", client, technician
	NATSURL   string   `yaml:"nats_url"`
	Timeout   Duration `yaml:"timeout"`
}

// LogConfig selects the log level and sink.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Sink  string `yaml:"sink"`  // stderr, stdout, off, or file:<path>
}

// ServerConfig configures the development relay.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	InstanceID     string        `yaml:"instance_id"`
	MaxConnections int           `yaml:"max_connections"`
	HistorySize    int           `yaml:"history_size"`
	NATSURL        string        `yaml:"nats_url"`   // empty: single instance
	RedisAddr      string        `yaml:"redis_addr"` // empty: in-memory presence and throttles
	Grants         []GrantConfig `yaml:"grants"`
}

// GrantConfig binds a relay token to a participant.
type GrantConfig struct {
	Token   string   `yaml:"token"`
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Role    string   `yaml:"role"`
	Tickets []string `yaml:"tickets"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads .env (if present), then the YAML file at path (skipped when
// path is empty), then environment overrides, and returns the validated
// result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes and applies defaults. Environment variables
// are not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(10 * time.Second)
	}
	if c.Relay.URL == "" {
		c.Relay.URL = "ws://localhost:8080"
	}
	if c.Relay.DialTimeout == 0 {
		c.Relay.DialTimeout = Duration(10 * time.Second)
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = Duration(10 * time.Second)
	}
	if c.User.Role == "" {
		c.User.Role = string(chat.RoleClient)
	}
	if c.Conversation.PollInterval == 0 {
		c.Conversation.PollInterval = Duration(15 * time.Second)
	}
	if c.Conversation.MaxAttachmentSize == 0 {
		c.Conversation.MaxAttachmentSize = SizeBytes(chat.DefaultMaxAttachmentSize)
	}
	if c.Conversation.TypingSendInterval == 0 {
		c.Conversation.TypingSendInterval = Duration(time.Second)
	}
	if c.Reconnect.Base == 0 {
		c.Reconnect.Base = Duration(time.Second)
	}
	if c.Reconnect.Cap == 0 {
		c.Reconnect.Cap = Duration(30 * time.Second)
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = Duration(30 * time.Second)
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = Duration(10 * time.Second)
	}
	if c.Bridge.Mode == "" {
		c.Bridge.Mode = BridgeOff
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = Duration(5 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Sink == "" {
		c.Log.Sink = "stderr"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 10000
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = chat.MaxBufferMessages
	}
}

// Validate checks values that are wrong regardless of which binary runs.
func (c *Config) Validate() error {
	var errs []string
	if c.Reconnect.Base < 0 || c.Reconnect.Cap < 0 {
		errs = append(errs, "reconnect delays must not be negative")
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		errs = append(errs, "reconnect.cap must be at least reconnect.base")
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect.max_attempts must not be negative")
	}
	if c.Conversation.PollInterval < 0 {
		errs = append(errs, "conversation.poll_interval must not be negative")
	}
	if c.Conversation.MaxAttachmentSize < 0 {
		errs = append(errs, "conversation.max_attachment_size must not be negative")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		errs = append(errs, "heartbeat interval and timeout must be positive")
	}
	switch c.Bridge.Mode {
	case BridgeOff, BridgeHTTP:
	case BridgeNATS:
		if c.Bridge.NATSURL == "" {
			errs = append(errs, "bridge.nats_url is required in nats mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("bridge.mode %q is not one of off, http, nats", c.Bridge.Mode))
	}
	switch c.Bridge.Recipient {
	case "", "client", "technician":
	default:
		errs = append(errs, fmt.Sprintf("bridge.recipient %q is not one of client, technician", c.Bridge.Recipient))
	}
	for i, g := range c.Server.Grants {
		if g.Token == "" || g.ID == "" {
			errs = append(errs, fmt.Sprintf("server.grants[%d] needs token and id", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateClient checks the fields the conversation client cannot run
// without.
func (c *Config) ValidateClient() error {
	var errs []string
	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	}
	if c.User.ID == "" {
		errs = append(errs, "user.id is required")
	}
	if c.User.Token == "" {
		errs = append(errs, "user.token is required")
	}
	if c.Bridge.Mode == BridgeHTTP && c.API.BaseURL == "" {
		errs = append(errs, "bridge.mode http needs api.base_url")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
