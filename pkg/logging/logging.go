// Package logging builds the broker's structured JSON logger.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces the value of any sensitive attribute.
const Redacted = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)token|secret|password|authorization|cookie|credential`)

// Options configures New.
type Options struct {
	Level       slog.Leveler
	Service     string
	Environment string
}

// New returns a JSON logger whose records carry timestamp, severity and
// event_name keys plus the service and environment base attributes.
func New(w io.Writer, opts Options) *slog.Logger {
	if opts.Service == "" {
		opts.Service = "broker"
	}
	if opts.Environment == "" {
		opts.Environment = "development"
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(h).With("service", opts.Service, "environment", opts.Environment)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean info.
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

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch a.Key {
		case slog.TimeKey:
			a.Key = "timestamp"
			return a
		case slog.LevelKey:
			a.Key = "severity"
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(severity(lvl))
			}
			return a
		case slog.MessageKey:
			a.Key = "event_name"
			return a
		}
	}
	if sensitiveKey.MatchString(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		if m, ok := a.Value.Any().(map[string]any); ok {
			a.Value = slog.AnyValue(redactMap(m))
		}
	}
	return a
}

func severity(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// redactMap returns a copy of m with sensitive keys replaced at any depth.
func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case sensitiveKey.MatchString(k):
			out[k] = Redacted
		default:
			out[k] = redactValue(v)
		}
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}
