// ABOUTME: Configuration loading and parsing for coven-gatekeeper
// ABOUTME: YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-gatekeeper configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
	Handshake     HandshakeConfig     `yaml:"handshake" toml:"handshake"`
	Gate          GateConfig          `yaml:"gate" toml:"gate"`
	Answers       AnswersConfig       `yaml:"answers" toml:"answers"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Escalation    EscalationConfig    `yaml:"escalation" toml:"escalation"`
	Matrix        MatrixConfig        `yaml:"matrix" toml:"matrix"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string        `yaml:"driver" toml:"driver"` // "sqlite" (default) or "sqlite3"
	Path         string        `yaml:"path" toml:"path"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// HandshakeConfig holds agent handshake and liveness timing
type HandshakeConfig struct {
	AckTimeout          time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval   time.Duration `yaml:"-" toml:"-"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats"`

	// Raw string values for unmarshaling
	AckTimeoutRaw        string `yaml:"ack_timeout" toml:"ack_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// GateConfig holds execution gate configuration
type GateConfig struct {
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	MaxBlockDuration  time.Duration `yaml:"-" toml:"-"`
	AutoHaltOnTimeout *bool         `yaml:"auto_halt_on_timeout" toml:"auto_halt_on_timeout"`

	SweepIntervalRaw    string `yaml:"sweep_interval" toml:"sweep_interval"`
	MaxBlockDurationRaw string `yaml:"max_block_duration" toml:"max_block_duration"`
}

// AnswersConfig holds question registry configuration
type AnswersConfig struct {
	DefaultExpiry time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	DefaultExpiryRaw string `yaml:"default_expiry" toml:"default_expiry"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// NotificationsConfig holds dispatcher routing and timing
type NotificationsConfig struct {
	DefaultChannel   string            `yaml:"default_channel" toml:"default_channel"`
	FallbackChannel  string            `yaml:"fallback_channel" toml:"fallback_channel"`
	CategoryChannels map[string]string `yaml:"category_channels" toml:"category_channels"`
	QuietHours       QuietHoursConfig  `yaml:"quiet_hours" toml:"quiet_hours"`

	DedupWindow     time.Duration `yaml:"-" toml:"-"`
	EscalationDelay time.Duration `yaml:"-" toml:"-"`
	SendTimeout     time.Duration `yaml:"-" toml:"-"`
	FlushInterval   time.Duration `yaml:"-" toml:"-"`

	DedupWindowRaw     string `yaml:"dedup_window" toml:"dedup_window"`
	EscalationDelayRaw string `yaml:"escalation_delay" toml:"escalation_delay"`
	SendTimeoutRaw     string `yaml:"send_timeout" toml:"send_timeout"`
	FlushIntervalRaw   string `yaml:"flush_interval" toml:"flush_interval"`
}

// QuietHoursConfig configures the non-critical delivery blackout window.
// Hours are 0-23 in Timezone (default local time); Start > End wraps past midnight.
type QuietHoursConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	StartHour *int   `yaml:"start_hour" toml:"start_hour"`
	EndHour   *int   `yaml:"end_hour" toml:"end_hour"`
	Timezone  string `yaml:"timezone" toml:"timezone"`
}

// EscalationConfig holds the response escalator policy
type EscalationConfig struct {
	ResolveOnAnswer *bool        `yaml:"resolve_on_answer" toml:"resolve_on_answer"`
	Rules           []RuleConfig `yaml:"rules" toml:"rules"`
}

// RuleConfig overrides or extends the built-in escalation rule table.
// "*" matches any issue type or severity.
type RuleConfig struct {
	IssueType    string        `yaml:"issue_type" toml:"issue_type"`
	Severity     string        `yaml:"severity" toml:"severity"`
	InitialLevel string        `yaml:"initial_level" toml:"initial_level"`
	MaxLevel     string        `yaml:"max_level" toml:"max_level"`
	Delay        time.Duration `yaml:"-" toml:"-"`

	DelayRaw string `yaml:"escalation_delay" toml:"escalation_delay"`
}

// MatrixConfig holds the Matrix transport configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	RoomID       string   `yaml:"room_id" toml:"room_id"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
}

// Default values applied when a field is left unset.
const (
	DefaultAckTimeout          = 30 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultGateSweepInterval   = 10 * time.Second
	DefaultMaxBlockDuration    = 24 * time.Hour
	DefaultQuestionExpiry      = 24 * time.Hour
	DefaultAnswerSweep         = 5 * time.Minute
	DefaultDedupWindow         = 5 * time.Minute
	DefaultNotifyEscalation    = 30 * time.Minute
	DefaultSendTimeout         = 10 * time.Second
	DefaultFlushInterval       = time.Minute
	DefaultWriteTimeout        = 5 * time.Second
	DefaultChannel             = "log"
	DefaultQuietStartHour      = 22
	DefaultQuietEndHour        = 6
)

var levelNames = []string{"LOG", "NOTIFY", "ALERT", "ESCALATE", "HALT"}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no listeners or database.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
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

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	setDuration(&c.Database.WriteTimeout, DefaultWriteTimeout)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	setDuration(&c.Handshake.AckTimeout, DefaultAckTimeout)
	setDuration(&c.Handshake.HeartbeatInterval, DefaultHeartbeatInterval)
	if c.Handshake.MaxMissedHeartbeats == 0 {
		c.Handshake.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}

	setDuration(&c.Gate.SweepInterval, DefaultGateSweepInterval)
	setDuration(&c.Gate.MaxBlockDuration, DefaultMaxBlockDuration)
	setBool(&c.Gate.AutoHaltOnTimeout, true)

	setDuration(&c.Answers.DefaultExpiry, DefaultQuestionExpiry)
	setDuration(&c.Answers.SweepInterval, DefaultAnswerSweep)

	n := &c.Notifications
	if n.DefaultChannel == "" {
		n.DefaultChannel = DefaultChannel
	}
	setDuration(&n.DedupWindow, DefaultDedupWindow)
	setDuration(&n.EscalationDelay, DefaultNotifyEscalation)
	setDuration(&n.SendTimeout, DefaultSendTimeout)
	setDuration(&n.FlushInterval, DefaultFlushInterval)
	if n.QuietHours.StartHour == nil {
		h := DefaultQuietStartHour
		n.QuietHours.StartHour = &h
	}
	if n.QuietHours.EndHour == nil {
		h := DefaultQuietEndHour
		n.QuietHours.EndHour = &h
	}

	setBool(&c.Escalation.ResolveOnAnswer, true)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setBool(b **bool, def bool) {
	if *b == nil {
		v := def
		*b = &v
	}
}

// AutoHalt reports whether a block timeout halts the agent.
func (g GateConfig) AutoHalt() bool {
	return g.AutoHaltOnTimeout == nil || *g.AutoHaltOnTimeout
}

// ResolvesOnAnswer reports whether a human answer resolves the issue that raised the question.
func (e EscalationConfig) ResolvesOnAnswer() bool {
	return e.ResolveOnAnswer == nil || *e.ResolveOnAnswer
}

// Location returns the quiet hours time zone, defaulting to local time.
func (q QuietHoursConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(q.Timezone)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Handshake.MaxMissedHeartbeats < 1 {
		return fmt.Errorf("handshake.max_missed_heartbeats must be at least 1")
	}

	q := c.Notifications.QuietHours
	if q.Enabled {
		for name, h := range map[string]*int{"start_hour": q.StartHour, "end_hour": q.EndHour} {
			if h != nil && (*h < 0 || *h > 23) {
				return fmt.Errorf("notifications.quiet_hours.%s must be 0-23, got %d", name, *h)
			}
		}
		if _, err := q.Location(); err != nil {
			return fmt.Errorf("notifications.quiet_hours.timezone: %w", err)
		}
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
		if c.Matrix.RoomID == "" {
			return fmt.Errorf("matrix.room_id is required when matrix is enabled")
		}
	}

	for i, r := range c.Escalation.Rules {
		if r.IssueType == "" || r.Severity == "" {
			return fmt.Errorf("escalation.rules[%d]: issue_type and severity are required (use \"*\" for any)", i)
		}
		if !validLevel(r.InitialLevel) {
			return fmt.Errorf("escalation.rules[%d]: unknown initial_level %q", i, r.InitialLevel)
		}
		if !validLevel(r.MaxLevel) {
			return fmt.Errorf("escalation.rules[%d]: unknown max_level %q", i, r.MaxLevel)
		}
	}

	return nil
}

func validLevel(name string) bool {
	for _, l := range levelNames {
		if strings.EqualFold(name, l) {
			return true
		}
	}
	return false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.write_timeout", cfg.Database.WriteTimeoutRaw, &cfg.Database.WriteTimeout},
		{"handshake.ack_timeout", cfg.Handshake.AckTimeoutRaw, &cfg.Handshake.AckTimeout},
		{"handshake.heartbeat_interval", cfg.Handshake.HeartbeatIntervalRaw, &cfg.Handshake.HeartbeatInterval},
		{"gate.sweep_interval", cfg.Gate.SweepIntervalRaw, &cfg.Gate.SweepInterval},
		{"gate.max_block_duration", cfg.Gate.MaxBlockDurationRaw, &cfg.Gate.MaxBlockDuration},
		{"answers.default_expiry", cfg.Answers.DefaultExpiryRaw, &cfg.Answers.DefaultExpiry},
		{"answers.sweep_interval", cfg.Answers.SweepIntervalRaw, &cfg.Answers.SweepInterval},
		{"notifications.dedup_window", cfg.Notifications.DedupWindowRaw, &cfg.Notifications.DedupWindow},
		{"notifications.escalation_delay", cfg.Notifications.EscalationDelayRaw, &cfg.Notifications.EscalationDelay},
		{"notifications.send_timeout", cfg.Notifications.SendTimeoutRaw, &cfg.Notifications.SendTimeout},
		{"notifications.flush_interval", cfg.Notifications.FlushIntervalRaw, &cfg.Notifications.FlushInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	for i := range cfg.Escalation.Rules {
		r := &cfg.Escalation.Rules[i]
		if r.DelayRaw == "" {
			continue
		}
		d, err := time.ParseDuration(r.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing escalation.rules[%d].escalation_delay %q: %w", i, r.DelayRaw, err)
		}
		r.Delay = d
	}

	return nil
}
