// ABOUTME: Tests for the gatekeeper log handler
// ABOUTME: Checks level filtering and attribute rendering

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "gate")

	logger.Debug("hidden")
	logger.Info("agent halted", "agent_id", "a1")
	logger.WithGroup("req").Warn("slow", "ms", 1200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF [gate] agent halted agent_id=a1")
	assert.Contains(t, out, "WRN [gate] slow req.ms=1200")
	assert.NotContains(t, out, "component=")
}

func TestColorHandler_ComponentFromRecord(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelDebug))

	logger.Error("send failed", "component", "notify", "error", "timeout", "issue_id", "iss-1")
	logger.Info("=== GATE OPENED ===")

	out := buf.String()
	assert.Contains(t, out, "ERR [notify] send failed error=timeout issue_id=iss-1")
	assert.Contains(t, out, "INF === GATE OPENED ===")
}

func TestComponentColorIsStable(t *testing.T) {
	assert.Equal(t, componentColor("escalation"), componentColor("escalation"))
	assert.Contains(t, componentPalette, componentColor("matrix-bridge"))
}
