package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// levelEnvVar selects the minimum log level. Accepts debug, info, warn, error.
const levelEnvVar = "SYNTHEX_LOG_LEVEL"

// Setup configures structured JSON logging for the named service and installs
// it as the process default. Every line carries the service name, and the
// environment when provided. The returned logger is the configured root.
func Setup(service, env string) *slog.Logger {
	return SetupWriter(os.Stdout, service, env)
}

// SetupWriter is Setup with an explicit sink, used by tests.
func SetupWriter(w io.Writer, service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelFromEnv(),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	root := slog.New(handler).With(args...)
	slog.SetDefault(root)

	// Route the standard library logger through the same handler so nothing
	// writes unstructured lines.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return root
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(levelEnvVar))) {
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
