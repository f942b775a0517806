// Package logging wraps log/slog behind a single Configure entry point
// that builds the handler and installs it via slog.SetDefault. A
// filteringHandler keeps third-party library noise (mark3labs/mcp-go,
// gorilla/websocket, a2a-go) out of anything above debug.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePackagePrefix = "github.com/agentweave/conductor"

// Configure builds a *slog.Logger for level/format/file and installs it as
// the process default. level is one of debug/info/warn/error; format is
// "text" or "json"; file, if non-empty, is opened for append and used
// instead of stderr.
func Configure(level, format, file string) (*slog.Logger, error) {
	lvl := parseLevel(level)

	var w io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var inner slog.Handler
	switch format {
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	default:
		inner = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(&filteringHandler{handler: inner, minLevel: lvl})
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// filteringHandler lets Conductor's own log lines through at the configured
// level, but only surfaces third-party library logs (anything whose caller
// isn't under modulePackagePrefix) once the level is debug.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.fromModule(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) fromModule(pc uintptr) bool {
	if pc == 0 {
		return true
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return true
	}
	name := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(name, modulePackagePrefix) || strings.Contains(file, "/conductor/")
}
