package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleHandlerFormatsPlainLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(NewConsoleHandler(&buf, slog.LevelDebug, false))

	l.Info("connected to %s", "broker")
	l.Debug("frame %d", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "| INFO  | connected to broker")
	assert.Contains(t, lines[1], "| DEBUG | frame 7")
}

func TestConsoleHandlerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(NewConsoleHandler(&buf, slog.LevelWarn, false))

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFatalLogsAndExits(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(NewConsoleHandler(&buf, slog.LevelError, false))
	code := -1
	l.exit = func(c int) { code = c }

	l.Fatal("boom: %v", "disk")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "FATAL")
	assert.Contains(t, buf.String(), "boom: disk")
}

func TestWithAttrsAppendsFields(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, slog.LevelInfo, false).WithAttrs([]slog.Attr{slog.String("component", "transport")})
	slog.New(h).Info("dialing", "attempt", 2)

	assert.Contains(t, buf.String(), "component=transport")
	assert.Contains(t, buf.String(), "attempt=2")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}
