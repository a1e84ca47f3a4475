package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LevelTrace sits below debug; slog has no trace level of its own
const LevelTrace = slog.Level(-8)

var logger *slog.Logger

func init() {
	logger = newLogger(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ERROR":
		return slog.LevelError
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "DEBUG":
		return slog.LevelDebug
	case "TRACE":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.ToUpper(format) == "JSON" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano)),
				}
			}
			return a
		}
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			return slog.Attr{
				Key:   slog.TimeKey,
				Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.000-07:00")),
			}
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogOutput redirects logs, used by tests that assert on log output
func SetLogOutput(w io.Writer, level string) {
	logger = newLogger(w, level, os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
}

func Logf(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogTrace(format string, args ...interface{}) {
	logger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}

func withFields(component string, fields map[string]interface{}) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		args = append(args, k, v)
	}
	return args
}

// Structured logging with a component name and arbitrary fields
func LogInfoWithFields(component, message string, fields map[string]interface{}) {
	logger.Info(message, withFields(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]interface{}) {
	logger.Debug(message, withFields(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]interface{}) {
	logger.Error(message, withFields(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]interface{}) {
	logger.Warn(message, withFields(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]interface{}) {
	logger.Log(context.Background(), LevelTrace, message, withFields(component, fields)...)
}
