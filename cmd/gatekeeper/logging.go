// ABOUTME: slog handler setup for the gatekeeper binary
// ABOUTME: JSON for machines, a colourised single-line handler for terminals

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-gatekeeper/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(os.Stdout, level))
}

// colorHandler writes one colourised line per record. The component attribute
// set by each package logger becomes a coloured [tag] ahead of the message, and
// *_id attributes are emphasised so agents, issues and questions are easy to follow.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// componentPalette is cycled by component name so each component keeps one colour.
var componentPalette = []color.Attribute{
	color.FgBlue,
	color.FgGreen,
	color.FgMagenta,
	color.FgCyan,
	color.FgHiBlue,
	color.FgHiGreen,
	color.FgHiMagenta,
	color.FgHiYellow,
}

func componentColor(name string) color.Attribute {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return componentPalette[h.Sum32()%uint32(len(componentPalette))]
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
			continue
		}
		attrs = append(attrs, a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && prefix == "" {
			component = a.Value.String()
			return true
		}
		a.Key = prefix + a.Key
		attrs = append(attrs, a)
		return true
	})

	if component != "" {
		buf.WriteString(color.New(componentColor(component)).Sprint("[" + component + "] "))
	}

	// banner messages stand out
	if strings.HasPrefix(r.Message, "===") {
		buf.WriteString(color.New(color.Bold).Sprint(r.Message))
	} else {
		buf.WriteString(r.Message)
	}

	for _, a := range attrs {
		writeAttr(&buf, a)
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteString(color.HiBlackString(" " + a.Key + "="))
	value := a.Value.String()
	switch {
	case a.Key == "error" || strings.HasSuffix(a.Key, ".error"):
		buf.WriteString(color.RedString(value))
	case strings.HasSuffix(a.Key, "_id"):
		buf.WriteString(color.New(color.Bold).Sprint(value))
	default:
		buf.WriteString(value)
	}
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}
