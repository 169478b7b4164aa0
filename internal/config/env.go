package config

import (
	"fmt"
	"strconv"
	"strings"
)

type lookupFunc func(key string) (string, bool)

// applyEnv overlays TICKETCHAT_* variables onto c. Unset and empty
// variables leave the file value alone.
func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"API_URL":          &c.API.BaseURL,
		"RELAY_URL":        &c.Relay.URL,
		"USER_ID":          &c.User.ID,
		"USER_NAME":        &c.User.Name,
		"ROLE":             &c.User.Role,
		"TOKEN":            &c.User.Token,
		"BRIDGE":           &c.Bridge.Mode,
		"BRIDGE_RECIPIENT": &c.Bridge.Recipient,
		"BRIDGE_NATS_URL":  &c.Bridge.NATSURL,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_SINK":         &c.Log.Sink,
		"LISTEN_ADDR":      &c.Server.ListenAddr,
		"INSTANCE_ID":      &c.Server.InstanceID,
		"NATS_URL":         &c.Server.NATSURL,
		"REDIS_ADDR":       &c.Server.RedisAddr,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"API_TIMEOUT":        &c.API.Timeout,
		"POLL_INTERVAL":      &c.Conversation.PollInterval,
		"LIVENESS_WINDOW":    &c.Conversation.LivenessWindow,
		"RECONNECT_BASE":     &c.Reconnect.Base,
		"RECONNECT_CAP":      &c.Reconnect.Cap,
		"HEARTBEAT_INTERVAL": &c.Heartbeat.Interval,
		"HEARTBEAT_TIMEOUT":  &c.Heartbeat.Timeout,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := get("MAX_ATTACHMENT_SIZE"); ok {
		s, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("config: %sMAX_ATTACHMENT_SIZE: %w", EnvPrefix, err)
		}
		c.Conversation.MaxAttachmentSize = s
	}

	ints := map[string]*int{
		"RECONNECT_MAX_ATTEMPTS": &c.Reconnect.MaxAttempts,
		"MAX_CONNECTIONS":        &c.Server.MaxConnections,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	return nil
}
