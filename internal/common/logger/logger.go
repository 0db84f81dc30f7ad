package logger

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

var (
	output atomic.Value // io.Writer
	level  = new(slog.LevelVar)
)

func init() { output.Store(io.Writer(os.Stdout)) }

// Configure sets the process-wide writer and minimum level ("debug", "info",
// "warn", "error"). Loggers created before the call keep their writer.
func Configure(w io.Writer, lvl string) {
	if w != nil {
		output.Store(w)
	}
	level.Set(ParseLevel(lvl))
}

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

// Logger writes one JSON object per line: timestamp, level, service,
// action, hostname and the caller's fields.
type Logger struct {
	service string
	sl      *slog.Logger
}

func New(service string) *Logger {
	return NewWithWriter(service, output.Load().(io.Writer))
}

func NewWithWriter(service string, w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "timestamp"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
			}
			return a
		},
	})
	return &Logger{
		service: service,
		sl:      slog.New(h).With("service", service, "hostname", hostname()),
	}
}

// Slog exposes the underlying logger for libraries that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.sl }

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{service: l.service, sl: l.sl.With(attrs(fields)...)}
}

func (l *Logger) Debug(action string, fields map[string]any) {
	l.sl.Debug(action, append([]any{"action", action}, attrs(fields)...)...)
}

func (l *Logger) Info(action string, fields map[string]any) {
	l.sl.Info(action, append([]any{"action", action}, attrs(fields)...)...)
}

func (l *Logger) Warn(action string, fields map[string]any) {
	l.sl.Warn(action, append([]any{"action", action}, attrs(fields)...)...)
}

func (l *Logger) Error(action string, err error, fields map[string]any) {
	args := append([]any{"action", action}, attrs(fields)...)
	if err != nil {
		args = append(args, slog.Group("error", "msg", err.Error()))
	}
	l.sl.Error(action, args...)
}

// attrs flattens fields in key order so output is stable.
func attrs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}

func hostname() string { h, _ := os.Hostname(); return h }
