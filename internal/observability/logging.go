// Package observability provides structured logging and Prometheus metrics
// for the orchestrator core.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is meant for
	// production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer
}

// apiKeyPattern matches credential-looking values so they never reach logs.
var apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|authorization|x-api-key)[\s:=]+\S+`)

// NewLogger builds a slog.Logger from config. Unknown levels fall back to
// info; unknown formats fall back to text.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// redactAttr scrubs credential-shaped attribute values.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if apiKeyPattern.MatchString(v) {
		a.Value = slog.StringValue(apiKeyPattern.ReplaceAllString(v, "$1=[REDACTED]"))
	}
	key := strings.ToLower(a.Key)
	if key == "api_key" || key == "authorization" {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}
