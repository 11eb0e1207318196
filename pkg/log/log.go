// Package log configures the process-wide slog logger for the engine.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default text logger on stderr at the given level.
func Setup(logLevel string) {
	SetupWriter(os.Stderr, logLevel)
}

// SetupWriter is Setup with an explicit destination, used by tests.
func SetupWriter(w io.Writer, logLevel string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})))
}

// ParseLevel maps a level name to its slog level, case-insensitively.
// Unknown names fall back to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
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

// WithModule returns the default logger scoped to one engine module.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
