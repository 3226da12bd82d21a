// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalYAML = `
server:
  grpc_addr: "127.0.0.1:50052"
  http_addr: "127.0.0.1:8090"
database:
  path: "./gatekeeper.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gatekeeper.yaml", `
server:
  grpc_addr: "0.0.0.0:50052"
  http_addr: "0.0.0.0:8090"

database:
  driver: "sqlite3"
  path: "./test.db"
  write_timeout: "2s"

handshake:
  ack_timeout: "10s"
  heartbeat_interval: "15s"
  max_missed_heartbeats: 5

gate:
  sweep_interval: "1s"
  max_block_duration: "2h"
  auto_halt_on_timeout: false

notifications:
  default_channel: "matrix"
  fallback_channel: "log"
  category_channels:
    escalation: "matrix"
  quiet_hours:
    enabled: true
    start_hour: 23
    end_hour: 7
    timezone: "UTC"

escalation:
  resolve_on_answer: false
  rules:
    - issue_type: "stuck"
      severity: "*"
      initial_level: "notify"
      max_level: "ESCALATE"
      escalation_delay: "15m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50052" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50052")
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Database.WriteTimeout != 2*time.Second {
		t.Errorf("Database.WriteTimeout = %v, want 2s", cfg.Database.WriteTimeout)
	}
	if cfg.Handshake.AckTimeout != 10*time.Second {
		t.Errorf("Handshake.AckTimeout = %v, want 10s", cfg.Handshake.AckTimeout)
	}
	if cfg.Handshake.MaxMissedHeartbeats != 5 {
		t.Errorf("Handshake.MaxMissedHeartbeats = %d, want 5", cfg.Handshake.MaxMissedHeartbeats)
	}
	if cfg.Gate.AutoHalt() {
		t.Error("Gate.AutoHalt() = true, want false")
	}
	if cfg.Escalation.ResolvesOnAnswer() {
		t.Error("Escalation.ResolvesOnAnswer() = true, want false")
	}

	assert.Equal(t, "matrix", cfg.Notifications.CategoryChannels["escalation"])
	assert.Equal(t, 23, *cfg.Notifications.QuietHours.StartHour)
	assert.Equal(t, 7, *cfg.Notifications.QuietHours.EndHour)
	require.Len(t, cfg.Escalation.Rules, 1)
	assert.Equal(t, 15*time.Minute, cfg.Escalation.Rules[0].Delay)

	// unset values fall back to defaults
	assert.Equal(t, DefaultQuestionExpiry, cfg.Answers.DefaultExpiry)
	assert.Equal(t, DefaultDedupWindow, cfg.Notifications.DedupWindow)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gatekeeper.yaml", minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Handshake.AckTimeout)
	assert.Equal(t, 30*time.Second, cfg.Handshake.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Handshake.MaxMissedHeartbeats)
	assert.Equal(t, 10*time.Second, cfg.Gate.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Gate.MaxBlockDuration)
	assert.True(t, cfg.Gate.AutoHalt())
	assert.Equal(t, 24*time.Hour, cfg.Answers.DefaultExpiry)
	assert.Equal(t, 5*time.Minute, cfg.Answers.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Notifications.DedupWindow)
	assert.Equal(t, 30*time.Minute, cfg.Notifications.EscalationDelay)
	assert.Equal(t, 10*time.Second, cfg.Notifications.SendTimeout)
	assert.Equal(t, "log", cfg.Notifications.DefaultChannel)
	assert.False(t, cfg.Notifications.QuietHours.Enabled)
	assert.Equal(t, 22, *cfg.Notifications.QuietHours.StartHour)
	assert.Equal(t, 6, *cfg.Notifications.QuietHours.EndHour)
	assert.True(t, cfg.Escalation.ResolvesOnAnswer())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gatekeeper.toml", `
[server]
grpc_addr = "127.0.0.1:50052"
http_addr = "127.0.0.1:8090"

[database]
path = "./gatekeeper.db"

[handshake]
ack_timeout = "5s"

[notifications.quiet_hours]
enabled = true
start_hour = 0
end_hour = 5

[[escalation.rules]]
issue_type = "error"
severity = "low"
initial_level = "LOG"
max_level = "ALERT"
escalation_delay = "1h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Handshake.AckTimeout)
	assert.Equal(t, 0, *cfg.Notifications.QuietHours.StartHour, "explicit zero hour is kept")
	assert.Equal(t, 5, *cfg.Notifications.QuietHours.EndHour)
	require.Len(t, cfg.Escalation.Rules, 1)
	assert.Equal(t, time.Hour, cfg.Escalation.Rules[0].Delay)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("GK_TEST_TOKEN", "syt_secret")
	t.Setenv("GK_TEST_DB", "/tmp/gk.db")

	cfg, err := Load(writeConfig(t, "gatekeeper.yaml", `
server:
  grpc_addr: "127.0.0.1:50052"
  http_addr: "127.0.0.1:8090"
database:
  path: "${GK_TEST_DB}"
matrix:
  enabled: true
  homeserver: "https://matrix.example.org"
  user_id: "@gatekeeper:example.org"
  access_token: "${GK_TEST_TOKEN}"
  room_id: "!ops:example.org"
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/gk.db", cfg.Database.Path)
	assert.Equal(t, "syt_secret", cfg.Matrix.AccessToken)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "server:\n  grpc_addr: a\n  http_addr: b\n",
			wantErr: "database.path is required",
		},
		{
			name:    "missing server addresses",
			content: "database:\n  path: x.db\n",
			wantErr: "server.grpc_addr is required",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "bad duration",
			content: minimalYAML + "handshake:\n  ack_timeout: soon\n",
			wantErr: "handshake.ack_timeout",
		},
		{
			name:    "bad quiet hour",
			content: minimalYAML + "notifications:\n  quiet_hours:\n    enabled: true\n    start_hour: 24\n",
			wantErr: "start_hour must be 0-23",
		},
		{
			name:    "unknown level",
			content: minimalYAML + "escalation:\n  rules:\n    - issue_type: x\n      severity: y\n      initial_level: PANIC\n      max_level: HALT\n",
			wantErr: "unknown initial_level",
		},
		{
			name:    "matrix without room",
			content: minimalYAML + "matrix:\n  enabled: true\n  homeserver: https://m.org\n  user_id: \"@gk:m.org\"\n  access_token: t\n",
			wantErr: "matrix.room_id",
		},
		{
			name:    "unknown driver",
			content: minimalYAML + "  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "matrix without token",
			content: minimalYAML + "matrix:\n  enabled: true\n  homeserver: https://m.org\n",
			wantErr: "matrix.homeserver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "gatekeeper.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultAckTimeout, cfg.Handshake.AckTimeout)
	assert.Equal(t, DefaultChannel, cfg.Notifications.DefaultChannel)
	assert.Error(t, cfg.Validate(), "default config has no listeners or database")
}
