package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
api:
  base_url: https://helpdesk.example.com/api
  timeout: 5s
relay:
  url: wss://helpdesk.example.com
user:
  id: "17"
  name: Ada
  role: technician
  token: secret
conversation:
  poll_interval: 20
  max_attachment_size: 2MB
  liveness_window: 2m
reconnect:
  base: 500ms
  cap: 10s
  max_attempts: 4
bridge:
  mode: http
  recipient: client
server:
  grants:
    - token: tok-a
      id: "1"
      name: Alice
      role: client
      tickets: ["42"]
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.API.Timeout.Duration() != 5*time.Second {
		t.Errorf("API.Timeout = %v, want 5s", cfg.API.Timeout.Duration())
	}
	if cfg.Conversation.PollInterval.Duration() != 20*time.Second {
		t.Errorf("PollInterval = %v, want 20s (plain number is seconds)", cfg.Conversation.PollInterval.Duration())
	}
	if cfg.Conversation.MaxAttachmentSize != 2_000_000 {
		t.Errorf("MaxAttachmentSize = %d, want 2000000", cfg.Conversation.MaxAttachmentSize)
	}
	if cfg.Reconnect.Base.Duration() != 500*time.Millisecond || cfg.Reconnect.MaxAttempts != 4 {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.User.Role != "technician" {
		t.Errorf("User.Role = %q, want technician", cfg.User.Role)
	}
	if len(cfg.Server.Grants) != 1 || cfg.Server.Grants[0].Tickets[0] != "42" {
		t.Errorf("Grants = %+v", cfg.Server.Grants)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("ValidateClient: %v", err)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("api:\n  base_url: http://localhost:8000/api\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Reconnect.Base.Duration() != time.Second {
		t.Errorf("Reconnect.Base = %v, want 1s", cfg.Reconnect.Base.Duration())
	}
	if cfg.Reconnect.Cap.Duration() != 30*time.Second {
		t.Errorf("Reconnect.Cap = %v, want 30s", cfg.Reconnect.Cap.Duration())
	}
	if cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 10", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Conversation.PollInterval.Duration() != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.Conversation.PollInterval.Duration())
	}
	if cfg.Conversation.LivenessWindow != 0 {
		t.Errorf("LivenessWindow = %v, want disabled", cfg.Conversation.LivenessWindow.Duration())
	}
	if cfg.Heartbeat.Interval.Duration() != 30*time.Second {
		t.Errorf("Heartbeat.Interval = %v, want 30s", cfg.Heartbeat.Interval.Duration())
	}
	if cfg.Bridge.Mode != BridgeOff {
		t.Errorf("Bridge.Mode = %q, want off", cfg.Bridge.Mode)
	}
	if cfg.User.Role != "client" {
		t.Errorf("User.Role = %q, want client", cfg.User.Role)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "reconnect:\n  base: soon\n", "invalid duration"},
		{"bad size", "conversation:\n  max_attachment_size: lots\n", "invalid size"},
		{"cap below base", "reconnect:\n  base: 10s\n  cap: 1s\n", "reconnect.cap"},
		{"unknown bridge", "bridge:\n  mode: smoke-signals\n", "bridge.mode"},
		{"nats without url", "bridge:\n  mode: nats\n", "bridge.nats_url"},
		{"grant without token", "server:\n  grants:\n    - id: \"1\"\n", "server.grants[0]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateClient_MissingFields(t *testing.T) {
	err := Default().ValidateClient()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"api.base_url", "user.id", "user.token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TICKETCHAT_TOKEN":               "from-env",
		"TICKETCHAT_POLL_INTERVAL":       "1m",
		"TICKETCHAT_MAX_ATTACHMENT_SIZE": "1 MiB",
		"TICKETCHAT_RECONNECT_CAP":       "2s",
		"TICKETCHAT_LOG_LEVEL":           "  ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{Log: LogConfig{Level: "warn"}}
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.User.Token != "from-env" {
		t.Errorf("Token = %q", cfg.User.Token)
	}
	if cfg.Conversation.PollInterval.Duration() != time.Minute {
		t.Errorf("PollInterval = %v", cfg.Conversation.PollInterval.Duration())
	}
	if cfg.Conversation.MaxAttachmentSize != 1<<20 {
		t.Errorf("MaxAttachmentSize = %d", cfg.Conversation.MaxAttachmentSize)
	}
	if cfg.Reconnect.Cap.Duration() != 2*time.Second {
		t.Errorf("Reconnect.Cap = %v", cfg.Reconnect.Cap.Duration())
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("blank env value must not override, got %q", cfg.Log.Level)
	}

	env["TICKETCHAT_RECONNECT_MAX_ATTEMPTS"] = "many"
	if err := cfg.applyEnv(lookup); err == nil {
		t.Error("expected error for non-numeric max attempts")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticketchat.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TICKETCHAT_USER_NAME", "Grace")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.User.Name != "Grace" {
		t.Errorf("env must override file, got %q", cfg.User.Name)
	}
	if cfg.User.ID != "17" {
		t.Errorf("User.ID = %q", cfg.User.ID)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
