package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warrantyfunnel/api/internal/platform/requestctx"
)

const defaultLogLevel = zapcore.InfoLevel

// NewLogger builds the JSON logger Cloud Logging expects. LOG_LEVEL picks the level and
// LOG_FORMAT=console switches to a human readable encoder for local runs. Cloud Run's
// K_SERVICE and K_REVISION are attached when present.
func NewLogger() (*zap.Logger, error) {
	encoderCfg := zapcore.EncoderConfig{
		MessageKey:    "message",
		TimeKey:       "timestamp",
		LevelKey:      "severity",
		NameKey:       "logger",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console") {
		encoding = "console"
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL"))),
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	var fields []zap.Field
	for _, name := range []string{"K_SERVICE", "K_REVISION"} {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			fields = append(fields, zap.String(strings.ToLower(name[2:]), value))
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(fields...), nil
}

func levelFromEnv(raw string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.TrimSpace(raw))
	if err != nil || strings.TrimSpace(raw) == "" {
		return defaultLogLevel
	}
	return level
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// ServiceLogger adapts zap into the event logger accepted by services. The request-scoped
// logger wins over base so request and trace ids travel with service events.
func ServiceLogger(base *zap.Logger, component string) func(context.Context, string, map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		zapFields := make([]zap.Field, 0, len(fields)+2)
		zapFields = append(zapFields, zap.String("component", component), zap.String("event", event))
		for _, key := range keys {
			value := fields[key]
			if text, ok := value.(string); ok && strings.Contains(strings.ToLower(key), "email") {
				value = RedactEmail(text)
			}
			zapFields = append(zapFields, zap.Any(key, value))
		}

		if isFailureEvent(event) {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

func isFailureEvent(event string) bool {
	for _, suffix := range []string{"_failed", "_unavailable", "_error", ".fallback", "_fallback"} {
		if strings.HasSuffix(event, suffix) {
			return true
		}
	}
	return false
}
