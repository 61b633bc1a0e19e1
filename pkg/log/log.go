// Package log wires the process-wide slog logger shared by the crmflow
// binaries. Both the API and the engine call Setup once at boot and tag
// per-component loggers with WithModule.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default logger at the requested level. Unknown
// level strings fall back to info so a misconfigured replica still
// logs. Output is a text handler on stderr; set LOG_FORMAT=json when a
// log shipper expects structured lines.
func Setup(logLevel string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "crmflow"))
}

// WithModule tags the default logger with the component name carried as
// module=... on every line ("crmflow-engine", "api", "scheduler").
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
