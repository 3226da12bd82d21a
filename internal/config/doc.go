// Package config handles configuration loading for coven-gatekeeper.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in ".toml", with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from GATEKEEPER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/gatekeeper.yaml
//  3. ~/.config/coven/gatekeeper.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${MATRIX_ACCESS_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	handshake:
//	  ack_timeout: "30s"
//	  heartbeat_interval: "30s"
//	  max_missed_heartbeats: 3
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50052"   # gRPC health
//	  http_addr: "0.0.0.0:8090"    # API, event stream, metrics
//
//	database:
//	  driver: "sqlite"             # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/coven/gatekeeper.db"
//	  write_timeout: "5s"
//
//	gate:
//	  sweep_interval: "10s"
//	  max_block_duration: "24h"
//	  auto_halt_on_timeout: true
//
//	answers:
//	  default_expiry: "24h"
//	  sweep_interval: "5m"
//
//	notifications:
//	  default_channel: "matrix"
//	  fallback_channel: "log"
//	  category_channels:
//	    escalation: "matrix"
//	  dedup_window: "5m"
//	  escalation_delay: "30m"
//	  send_timeout: "10s"
//	  quiet_hours:
//	    enabled: true
//	    start_hour: 22
//	    end_hour: 6
//	    timezone: "Europe/Berlin"
//
//	escalation:
//	  resolve_on_answer: true
//	  rules:
//	    - issue_type: "stuck"
//	      severity: "*"
//	      initial_level: "NOTIFY"
//	      max_level: "ESCALATE"
//	      escalation_delay: "15m"
//
// Configured escalation rules take precedence over the built-in table.
package config
