// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers TOML and YAML loading, env var expansion, overrides, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalTOML = `
[ai]
token = "ds-token"

[transport]
kind = "telegram"

[transport.telegram]
token = "123:abc"
`

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[relay]
debounce = 3
inactivity = "10m"
allowed_identities = [7, -100]
private_only = true
typing_indicator = true

[nudge]
phrases = ["Still there?"]
question_marker = "?"
seed = 42

[ai]
base_url = "https://chat.example.org"
token = "ds-token"
system_prompt = "You recommend books."
max_attempts = 3
backoff_base = "500ms"

[crm]
enabled = true
subdomain = "shop"
client_id = "id"
client_secret = "secret"
redirect_url = "https://example.org/callback"
pipeline_id = 77

[crm.statuses]
start = 1
midle = 2
error = 4

[transport]
kind = "matrix"

[transport.matrix]
homeserver = "https://matrix.example.org"
username = "relay"
password = "hunter2"
allowed_rooms = ["!room:example.org"]

[storage]
data_dir = "/var/lib/coven-relay"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Debounce.D() != 3*time.Second {
		t.Errorf("Relay.Debounce = %v, want 3s", cfg.Relay.Debounce)
	}
	if cfg.Relay.Inactivity.D() != 10*time.Minute {
		t.Errorf("Relay.Inactivity = %v, want 10m", cfg.Relay.Inactivity)
	}
	if len(cfg.Relay.AllowedIdentities) != 2 || cfg.Relay.AllowedIdentities[1] != -100 {
		t.Errorf("Relay.AllowedIdentities = %v, want [7 -100]", cfg.Relay.AllowedIdentities)
	}
	if !cfg.Relay.PrivateOnly || !cfg.Relay.TypingIndicator {
		t.Error("Relay.PrivateOnly and TypingIndicator should be true")
	}
	if cfg.Relay.FailureNotice != DefaultFailureNotice {
		t.Errorf("Relay.FailureNotice = %q, want default", cfg.Relay.FailureNotice)
	}

	if len(cfg.Nudge.Phrases) != 1 || cfg.Nudge.Phrases[0] != "Still there?" {
		t.Errorf("Nudge.Phrases = %v", cfg.Nudge.Phrases)
	}
	if cfg.Nudge.Seed != 42 {
		t.Errorf("Nudge.Seed = %d, want 42", cfg.Nudge.Seed)
	}

	if cfg.AI.Provider != ProviderDeepSeek {
		t.Errorf("AI.Provider = %q, want default %q", cfg.AI.Provider, ProviderDeepSeek)
	}
	if cfg.AI.MaxAttempts != 3 {
		t.Errorf("AI.MaxAttempts = %d, want 3", cfg.AI.MaxAttempts)
	}
	if cfg.AI.BackoffBase.D() != 500*time.Millisecond {
		t.Errorf("AI.BackoffBase = %v, want 500ms", cfg.AI.BackoffBase)
	}
	if cfg.AI.RequestTimeout.D() != 2*time.Minute {
		t.Errorf("AI.RequestTimeout = %v, want default 2m", cfg.AI.RequestTimeout)
	}

	if !cfg.CRM.Enabled || cfg.CRM.PipelineID != 77 {
		t.Errorf("CRM = %+v", cfg.CRM)
	}
	if cfg.CRM.Statuses.Midle != 2 || cfg.CRM.Statuses.End != 0 {
		t.Errorf("CRM.Statuses = %+v", cfg.CRM.Statuses)
	}

	if cfg.Transport.Kind != TransportMatrix {
		t.Errorf("Transport.Kind = %q, want matrix", cfg.Transport.Kind)
	}
	if cfg.Transport.Matrix.Username != "relay" {
		t.Errorf("Transport.Matrix.Username = %q", cfg.Transport.Matrix.Username)
	}

	if cfg.Storage.SnapshotPath != "/var/lib/coven-relay/sessions.json" {
		t.Errorf("Storage.SnapshotPath = %q", cfg.Storage.SnapshotPath)
	}
	if cfg.Storage.DatabasePath != "/var/lib/coven-relay/relay.db" {
		t.Errorf("Storage.DatabasePath = %q", cfg.Storage.DatabasePath)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
relay:
  debounce: 2
  inactivity: 90s
  failure_notice: ""
ai:
  token: "ds-token"
transport:
  kind: telegram
  telegram:
    token: "123:abc"
    poll_timeout: "30s"
storage:
  snapshot_path: "/tmp/snap.json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Debounce.D() != 2*time.Second {
		t.Errorf("Relay.Debounce = %v, want 2s", cfg.Relay.Debounce)
	}
	if cfg.Relay.Inactivity.D() != 90*time.Second {
		t.Errorf("Relay.Inactivity = %v, want 90s", cfg.Relay.Inactivity)
	}
	if cfg.Relay.FailureNotice != "" {
		t.Errorf("Relay.FailureNotice = %q, want explicitly empty", cfg.Relay.FailureNotice)
	}
	if cfg.Transport.Telegram.PollTimeout.D() != 30*time.Second {
		t.Errorf("Transport.Telegram.PollTimeout = %v, want 30s", cfg.Transport.Telegram.PollTimeout)
	}
	if cfg.Storage.SnapshotPath != "/tmp/snap.json" {
		t.Errorf("Storage.SnapshotPath = %q", cfg.Storage.SnapshotPath)
	}
	if len(cfg.Nudge.Phrases) != 4 {
		t.Errorf("Nudge.Phrases len = %d, want 4 defaults", len(cfg.Nudge.Phrases))
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	path := writeConfig(t, "relay.toml", minimalTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Debounce.D() != 5*time.Second {
		t.Errorf("Relay.Debounce = %v, want 5s", cfg.Relay.Debounce)
	}
	if cfg.Relay.Inactivity.D() != 5*time.Minute {
		t.Errorf("Relay.Inactivity = %v, want 5m", cfg.Relay.Inactivity)
	}
	if cfg.AI.MaxAttempts != 5 || cfg.AI.BackoffBase.D() != time.Second {
		t.Errorf("AI retry = %d/%v, want 5/1s", cfg.AI.MaxAttempts, cfg.AI.BackoffBase)
	}
	if cfg.Nudge.QuestionMarker != "?" {
		t.Errorf("Nudge.QuestionMarker = %q", cfg.Nudge.QuestionMarker)
	}
	if cfg.Storage.DataDir != "/data/coven-relay" {
		t.Errorf("Storage.DataDir = %q, want /data/coven-relay", cfg.Storage.DataDir)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DEEPSEEK_TOKEN", "expanded-token")
	path := writeConfig(t, "relay.toml", `
[ai]
token = "${TEST_DEEPSEEK_TOKEN}"

[transport.telegram]
token = "123:abc"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Token != "expanded-token" {
		t.Errorf("AI.Token = %q, want %q", cfg.AI.Token, "expanded-token")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COVEN_RELAY_DEBOUNCE", "7")
	t.Setenv("COVEN_RELAY_ALLOWED_IDENTITIES", "1,2,3")
	t.Setenv("COVEN_RELAY_AI_TOKEN", "from-env")
	t.Setenv("COVEN_RELAY_AI_BASE_URL", "https://ai.example.org")
	t.Setenv("COVEN_RELAY_TELEGRAM_TOKEN", "999:env")
	t.Setenv("COVEN_RELAY_LOG_LEVEL", "warn")
	path := writeConfig(t, "relay.toml", minimalTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Debounce.D() != 7*time.Second {
		t.Errorf("Relay.Debounce = %v, want 7s", cfg.Relay.Debounce)
	}
	if len(cfg.Relay.AllowedIdentities) != 3 {
		t.Errorf("Relay.AllowedIdentities = %v", cfg.Relay.AllowedIdentities)
	}
	if cfg.AI.Token != "from-env" {
		t.Errorf("AI.Token = %q, want from-env", cfg.AI.Token)
	}
	if cfg.AI.BaseURL != "https://ai.example.org" {
		t.Errorf("AI.BaseURL = %q", cfg.AI.BaseURL)
	}
	if cfg.Transport.Telegram.Token != "999:env" {
		t.Errorf("Transport.Telegram.Token = %q", cfg.Transport.Telegram.Token)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/relay.toml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading error", err)
	}
}

func TestLoad_UnknownTOMLKey(t *testing.T) {
	path := writeConfig(t, "relay.toml", minimalTOML+"\n[relay]\ndebounse = 5\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "debounse") {
		t.Errorf("Load() error = %v, want it to name the key", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
relay:
  debounce: "soon"
ai:
  token: "x"
transport:
  telegram:
    token: "y"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5", 5 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if err != nil {
			t.Errorf("parseDuration(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse(minimalTOML, "toml")
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero debounce", func(c *Config) { c.Relay.Debounce = 0 }, "relay.debounce"},
		{"zero inactivity", func(c *Config) { c.Relay.Inactivity = 0 }, "relay.inactivity"},
		{"no phrases", func(c *Config) { c.Nudge.Phrases = nil }, "nudge.phrases"},
		{"blank phrase", func(c *Config) { c.Nudge.Phrases = []string{"ok", " "} }, "nudge.phrases[1]"},
		{"no marker", func(c *Config) { c.Nudge.QuestionMarker = "" }, "nudge.question_marker"},
		{"unknown provider", func(c *Config) { c.AI.Provider = "other" }, "ai.provider"},
		{"no ai token", func(c *Config) { c.AI.Token = "" }, "ai.token"},
		{"bad ai url", func(c *Config) { c.AI.BaseURL = "ftp://x" }, "ai.base_url"},
		{"zero attempts", func(c *Config) { c.AI.MaxAttempts = 0 }, "ai.max_attempts"},
		{"crm without pipeline", func(c *Config) {
			c.CRM = CRMConfig{Enabled: true, Subdomain: "s", ClientID: "i", ClientSecret: "s", RedirectURL: "https://r"}
		}, "crm.pipeline_id"},
		{"crm without subdomain", func(c *Config) { c.CRM.Enabled = true }, "crm.subdomain"},
		{"no telegram token", func(c *Config) { c.Transport.Telegram.Token = "" }, "transport.telegram.token"},
		{"matrix without login", func(c *Config) {
			c.Transport.Kind = TransportMatrix
			c.Transport.Matrix.Homeserver = "https://matrix.example.org"
		}, "access_token or username and password"},
		{"matrix token without user", func(c *Config) {
			c.Transport.Kind = TransportMatrix
			c.Transport.Matrix.Homeserver = "https://matrix.example.org"
			c.Transport.Matrix.AccessToken = "t"
		}, "transport.matrix.user_id"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "irc" }, "transport.kind"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
