package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{" debug ", slog.LevelDebug},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}
}

func TestSetupWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer

	SetupWriter(&buf, "warn")

	slog.Info("quiet")
	slog.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestWithModuleCarriesModuleField(t *testing.T) {
	var buf bytes.Buffer

	SetupWriter(&buf, "info")

	WithModule("poller").Info("tick")

	assert.Contains(t, buf.String(), "module=poller")
}
