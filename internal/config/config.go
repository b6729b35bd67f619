// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: TOML or YAML files with ${VAR} expansion, defaults and environment overrides

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. COVEN_RELAY_AI_TOKEN.
const EnvPrefix = "COVEN_RELAY"

// Transport kinds.
const (
	TransportTelegram = "telegram"
	TransportMatrix   = "matrix"
)

// ProviderDeepSeek is the only AI provider wired today.
const ProviderDeepSeek = "deepseek"

// DefaultFailureNotice is sent to the user when a turn fails.
const DefaultFailureNotice = "Sorry, something went wrong. Please try again a bit later."

// Config represents the complete coven-relay configuration
type Config struct {
	Relay     RelayConfig     `toml:"relay" yaml:"relay"`
	Nudge     NudgeConfig     `toml:"nudge" yaml:"nudge"`
	AI        AIConfig        `toml:"ai" yaml:"ai"`
	CRM       CRMConfig       `toml:"crm" yaml:"crm"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// RelayConfig holds the session controller settings
type RelayConfig struct {
	Debounce          Duration `toml:"debounce" yaml:"debounce" split_words:"true"`
	Inactivity        Duration `toml:"inactivity" yaml:"inactivity" split_words:"true"`
	AllowedIdentities []int64  `toml:"allowed_identities" yaml:"allowed_identities" split_words:"true"`
	PrivateOnly       bool     `toml:"private_only" yaml:"private_only" split_words:"true"`
	TypingIndicator   bool     `toml:"typing_indicator" yaml:"typing_indicator" split_words:"true"`
	// FailureNotice is sent when a turn fails. Set it to "" to stay silent.
	FailureNotice string `toml:"failure_notice" yaml:"failure_notice" split_words:"true"`
}

// NudgeConfig holds the inactivity reminder settings
type NudgeConfig struct {
	Phrases        []string `toml:"phrases" yaml:"phrases" split_words:"true"`
	QuestionMarker string   `toml:"question_marker" yaml:"question_marker" split_words:"true"`
	Seed           uint64   `toml:"seed" yaml:"seed" split_words:"true"`
}

// AIConfig holds the AI backend settings
type AIConfig struct {
	Provider       string   `toml:"provider" yaml:"provider" split_words:"true"`
	BaseURL        string   `toml:"base_url" yaml:"base_url" split_words:"true"`
	Token          string   `toml:"token" yaml:"token" split_words:"true"`
	SystemPrompt   string   `toml:"system_prompt" yaml:"system_prompt" split_words:"true"`
	Thinking       bool     `toml:"thinking" yaml:"thinking" split_words:"true"`
	Search         bool     `toml:"search" yaml:"search" split_words:"true"`
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts" split_words:"true"`
	BackoffBase    Duration `toml:"backoff_base" yaml:"backoff_base" split_words:"true"`
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout" split_words:"true"`
}

// CRMConfig holds the amoCRM integration settings
type CRMConfig struct {
	Enabled        bool        `toml:"enabled" yaml:"enabled" split_words:"true"`
	BaseURL        string      `toml:"base_url" yaml:"base_url" split_words:"true"`
	Subdomain      string      `toml:"subdomain" yaml:"subdomain" split_words:"true"`
	ClientID       string      `toml:"client_id" yaml:"client_id" split_words:"true"`
	ClientSecret   string      `toml:"client_secret" yaml:"client_secret" split_words:"true"`
	RedirectURL    string      `toml:"redirect_url" yaml:"redirect_url" split_words:"true"`
	PipelineID     int64       `toml:"pipeline_id" yaml:"pipeline_id" split_words:"true"`
	LeadName       string      `toml:"lead_name" yaml:"lead_name" split_words:"true"`
	LeadPrice      int64       `toml:"lead_price" yaml:"lead_price" split_words:"true"`
	RequestTimeout Duration    `toml:"request_timeout" yaml:"request_timeout" split_words:"true"`
	Statuses       CRMStatuses `toml:"statuses" yaml:"statuses" ignored:"true"`
}

// CRMStatuses maps relay statuses to amoCRM pipeline status ids. Zero means
// the status is only tracked locally.
type CRMStatuses struct {
	Start int64 `toml:"start" yaml:"start"`
	Midle int64 `toml:"midle" yaml:"midle"`
	End   int64 `toml:"end" yaml:"end"`
	Error int64 `toml:"error" yaml:"error"`
}

// TransportConfig selects and configures the chat platform
type TransportConfig struct {
	Kind     string         `toml:"kind" yaml:"kind" split_words:"true"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram" ignored:"true"`
	Matrix   MatrixConfig   `toml:"matrix" yaml:"matrix" ignored:"true"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	Token       string   `toml:"token" yaml:"token" split_words:"true"`
	PollTimeout Duration `toml:"poll_timeout" yaml:"poll_timeout" split_words:"true"`
	APIEndpoint string   `toml:"api_endpoint" yaml:"api_endpoint" split_words:"true"`
}

// MatrixConfig holds Matrix account settings
type MatrixConfig struct {
	Homeserver   string   `toml:"homeserver" yaml:"homeserver" split_words:"true"`
	UserID       string   `toml:"user_id" yaml:"user_id" split_words:"true"`
	AccessToken  string   `toml:"access_token" yaml:"access_token" split_words:"true"`
	DeviceID     string   `toml:"device_id" yaml:"device_id" split_words:"true"`
	Username     string   `toml:"username" yaml:"username" split_words:"true"`
	Password     string   `toml:"password" yaml:"password" split_words:"true"`
	RecoveryKey  string   `toml:"recovery_key" yaml:"recovery_key" split_words:"true"`
	AllowedRooms []string `toml:"allowed_rooms" yaml:"allowed_rooms" split_words:"true"`
}

// StorageConfig holds file locations. Empty paths are placed under DataDir.
type StorageConfig struct {
	DataDir      string `toml:"data_dir" yaml:"data_dir" split_words:"true"`
	SnapshotPath string `toml:"snapshot_path" yaml:"snapshot_path" split_words:"true"`
	DatabasePath string `toml:"database_path" yaml:"database_path" split_words:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" split_words:"true"`
	Format string `toml:"format" yaml:"format" split_words:"true"`
	// File, when set, receives log output in addition to stderr.
	File string `toml:"file" yaml:"file" split_words:"true"`
}

// Default returns a configuration with every optional field filled in.
// Files are decoded on top of it, so keys left out keep these values.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Debounce:      Duration(5 * time.Second),
			Inactivity:    Duration(5 * time.Minute),
			FailureNotice: DefaultFailureNotice,
		},
		Nudge: NudgeConfig{
			Phrases: []string{
				"Shall we continue?",
				"Am I right that we can move on?",
				"Is this still relevant?",
				"Something you didn't like?",
			},
			QuestionMarker: "?",
		},
		AI: AIConfig{
			Provider:       ProviderDeepSeek,
			MaxAttempts:    5,
			BackoffBase:    Duration(time.Second),
			RequestTimeout: Duration(2 * time.Minute),
		},
		CRM: CRMConfig{
			LeadName:       "Chat lead",
			RequestTimeout: Duration(30 * time.Second),
		},
		Transport: TransportConfig{
			Kind: TransportTelegram,
			Telegram: TelegramConfig{
				PollTimeout: Duration(60 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .yaml and .yml are YAML, anything else TOML.
// Environment variables in the format ${VAR_NAME} are expanded first, then
// COVEN_RELAY_* variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatOf(path))
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("toml" or "yaml") over the defaults.
func Parse(data, format string) (*Config, error) {
	cfg := Default()
	switch format {
	case "yaml":
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		md, err := toml.Decode(data, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from COVEN_RELAY_* environment variables. Unset
// variables leave the field alone.
func ApplyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		fields any
	}{
		{EnvPrefix, &cfg.Relay},
		{EnvPrefix + "_NUDGE", &cfg.Nudge},
		{EnvPrefix + "_AI", &cfg.AI},
		{EnvPrefix + "_CRM", &cfg.CRM},
		{EnvPrefix + "_TRANSPORT", &cfg.Transport},
		{EnvPrefix + "_TELEGRAM", &cfg.Transport.Telegram},
		{EnvPrefix + "_MATRIX", &cfg.Transport.Matrix},
		{EnvPrefix + "_STORAGE", &cfg.Storage},
		{EnvPrefix + "_LOG", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.fields); err != nil {
			return err
		}
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// DefaultDataDir is $XDG_DATA_HOME/coven-relay, falling back to
// ~/.local/share/coven-relay.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven-relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coven-relay-data"
	}
	return filepath.Join(home, ".local", "share", "coven-relay")
}

func (c *Config) resolvePaths() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir()
	}
	if c.Storage.SnapshotPath == "" {
		c.Storage.SnapshotPath = filepath.Join(c.Storage.DataDir, "sessions.json")
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "relay.db")
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Relay.Debounce <= 0 {
		return fmt.Errorf("relay.debounce must be positive")
	}
	if c.Relay.Inactivity <= 0 {
		return fmt.Errorf("relay.inactivity must be positive")
	}

	if len(c.Nudge.Phrases) == 0 {
		return fmt.Errorf("nudge.phrases must not be empty")
	}
	for i, p := range c.Nudge.Phrases {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("nudge.phrases[%d] is blank", i)
		}
	}
	if c.Nudge.QuestionMarker == "" {
		return fmt.Errorf("nudge.question_marker is required")
	}

	if err := c.AI.validate(); err != nil {
		return err
	}
	if c.CRM.Enabled {
		if err := c.CRM.validate(); err != nil {
			return err
		}
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}

func (a *AIConfig) validate() error {
	if a.Provider != ProviderDeepSeek {
		return fmt.Errorf("ai.provider %q is not supported", a.Provider)
	}
	if a.Token == "" {
		return fmt.Errorf("ai.token is required")
	}
	if a.BaseURL != "" {
		if err := validateHTTPURL("ai.base_url", a.BaseURL); err != nil {
			return err
		}
	}
	if a.MaxAttempts < 1 {
		return fmt.Errorf("ai.max_attempts must be at least 1")
	}
	if a.BackoffBase <= 0 {
		return fmt.Errorf("ai.backoff_base must be positive")
	}
	return nil
}

func (c *CRMConfig) validate() error {
	if c.BaseURL == "" && c.Subdomain == "" {
		return fmt.Errorf("crm.subdomain or crm.base_url is required when crm is enabled")
	}
	if c.BaseURL != "" {
		if err := validateHTTPURL("crm.base_url", c.BaseURL); err != nil {
			return err
		}
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("crm.client_id and crm.client_secret are required when crm is enabled")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("crm.redirect_url is required when crm is enabled")
	}
	if c.PipelineID <= 0 {
		return fmt.Errorf("crm.pipeline_id is required when crm is enabled")
	}
	return nil
}

func (t *TransportConfig) validate() error {
	switch t.Kind {
	case TransportTelegram:
		if t.Telegram.Token == "" {
			return fmt.Errorf("transport.telegram.token is required")
		}
	case TransportMatrix:
		m := t.Matrix
		if m.Homeserver == "" {
			return fmt.Errorf("transport.matrix.homeserver is required")
		}
		if err := validateHTTPURL("transport.matrix.homeserver", m.Homeserver); err != nil {
			return err
		}
		if m.AccessToken == "" && (m.Username == "" || m.Password == "") {
			return fmt.Errorf("transport.matrix needs access_token or username and password")
		}
		if m.AccessToken != "" && m.UserID == "" {
			return fmt.Errorf("transport.matrix.user_id is required with access_token")
		}
	default:
		return fmt.Errorf("transport.kind must be %s or %s (got %q)", TransportTelegram, TransportMatrix, t.Kind)
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	return nil
}
