// ABOUTME: Logger setup for the CLI: colorized text or JSON handler
// ABOUTME: The color handler prints the component as a prefix and quotes values with spaces

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-coordinator/internal/config"
)

// setupLogger builds the process logger and installs it as slog's default
// so packages created without an explicit logger follow the same settings.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler writes one colorized line per record. A "component" attr is
// rendered as a bracketed prefix; derived handlers share the parent's mutex.
type colorHandler struct {
	mu        *sync.Mutex
	level     slog.Level
	component string
	attrs     []slog.Attr // already group-qualified
	groups    []string
}

func levelLabel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return color.MagentaString("DBG")
	case slog.LevelInfo:
		return color.CyanString("INF")
	case slog.LevelWarn:
		return color.YellowString("WRN")
	case slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	}
	return level.String()
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder

	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05.000")))
	line.WriteString(" " + levelLabel(r.Level) + " ")
	if h.component != "" {
		line.WriteString(color.BlueString("[" + h.component + "] "))
	}
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&line, a.Key, a.Value)
	}
	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&line, prefix+a.Key, a.Value)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(color.Output, line.String())
	return err
}

func writeAttr(b *strings.Builder, key string, v slog.Value) {
	val := v.Resolve().String()
	if strings.ContainsAny(val, " \t\n\"") {
		val = strconv.Quote(val)
	}
	b.WriteString(color.HiBlackString(" " + key + "="))
	b.WriteString(val)
}

func (h *colorHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	prefix := h.groupPrefix()
	for _, a := range attrs {
		if a.Key == "component" && prefix == "" {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(slices.Clone(h.groups), name)
	return &next
}
