package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// LevelFatal sits above slog.LevelError so Fatal lines are never filtered out.
const LevelFatal slog.Level = 12

type Logger struct {
	slog *slog.Logger
	exit func(int)
}

// New returns a logger writing coloured lines to stderr at info level.
func New() *Logger {
	return NewWithHandler(NewConsoleHandler(os.Stderr, slog.LevelInfo, true))
}

func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{slog: slog.New(h), exit: os.Exit}
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.log(slog.LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.log(slog.LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.log(slog.LevelError, format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(slog.LevelDebug, format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.log(LevelFatal, format, v...)
	l.exit(1)
}

// Slog exposes the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) log(level slog.Level, format string, v ...interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, fmt.Sprintf(format, v...))
}

// ConsoleHandler renders "time | LEVEL | message key=value" lines.
type ConsoleHandler struct {
	mu      *sync.Mutex
	w       io.Writer
	level   slog.Level
	colored bool
	attrs   []slog.Attr
}

func NewConsoleHandler(w io.Writer, level slog.Level, colored bool) *ConsoleHandler {
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level, colored: colored}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	if r.Level == LevelFatal {
		level = "FATAL"
	}
	ts := r.Time.Format("2006-01-02T15:04:05")
	msg := r.Message

	if h.colored {
		switch r.Level {
		case slog.LevelDebug:
			level = color.MagentaString(level)
		case slog.LevelInfo:
			level = color.BlueString(level)
		case slog.LevelWarn:
			level = color.YellowString(level)
		case slog.LevelError:
			level = color.RedString(level)
		case LevelFatal:
			level = color.HiRedString(level)
		}
		ts = color.GreenString(ts)
		msg = color.CyanString(msg)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | %-5s | %s", ts, level, msg)
	for _, attr := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	r.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{mu: h.mu, w: h.w, level: h.level, colored: h.colored, attrs: merged}
}

func (h *ConsoleHandler) WithGroup(_ string) slog.Handler {
	return h
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Global logger instance
var GlobalLogger = New()

// Init replaces the global logger and makes it the slog default.
func Init(level string, colored bool) {
	GlobalLogger = NewWithHandler(NewConsoleHandler(os.Stderr, ParseLevel(level), colored))
	slog.SetDefault(GlobalLogger.Slog())
}

// Convenience functions
func Info(format string, v ...interface{}) {
	GlobalLogger.Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	GlobalLogger.Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	GlobalLogger.Error(format, v...)
}

func Debug(format string, v ...interface{}) {
	GlobalLogger.Debug(format, v...)
}

func Fatal(format string, v ...interface{}) {
	GlobalLogger.Fatal(format, v...)
}
