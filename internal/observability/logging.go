package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/model"
)

// NewLogger builds the service logger: JSON on stdout, unsampled, at the
// configured level. An unknown level logs at info.
//
// Levels:
//   - error: store failures, failing hooks, panics, 5xx responses
//   - warn:  rejected actions, 4xx responses, dropped notifications
//   - info:  requests, committed actions, definition loads and reloads
//   - debug: action ext_data (redacted), idempotency hits
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zcfg.Build(zap.Fields(zap.String("service", "procflow")))
}

type loggerKey struct{}

// WithLogger stores a request-scoped logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// CallerFields identifies the caller of a request in log lines.
func CallerFields(rc *model.RequestContext) []zap.Field {
	if rc == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("subject_id", rc.SubjectID),
		zap.String("correlation_id", rc.CorrelationID),
	}
	if len(rc.Roles) > 0 {
		fields = append(fields, zap.Strings("roles", rc.Roles))
	}
	if rc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rc.TraceID))
	}
	return fields
}

// ActionScope names the engine action a context is running. The engine
// fills in the process and instance as soon as it knows them, so every line
// logged further down the action carries them.
type ActionScope struct {
	Action     string
	ProcessID  string
	InstanceID int64
	TaskID     int64
}

type actionKey struct{}

// WithActionScope attaches s to ctx.
func WithActionScope(ctx context.Context, s *ActionScope) context.Context {
	return context.WithValue(ctx, actionKey{}, s)
}

// ActionScopeFrom returns the action ctx belongs to, or nil.
func ActionScopeFrom(ctx context.Context) *ActionScope {
	s, _ := ctx.Value(actionKey{}).(*ActionScope)
	return s
}

func (s *ActionScope) fields() []zap.Field {
	fields := []zap.Field{zap.String("action", s.Action)}
	if s.ProcessID != "" {
		fields = append(fields, zap.String("process_id", s.ProcessID))
	}
	if s.InstanceID != 0 {
		fields = append(fields, zap.Int64("instance_id", s.InstanceID))
	}
	if s.TaskID != 0 {
		fields = append(fields, zap.Int64("task_id", s.TaskID))
	}
	return fields
}

// RequestLogger returns the logger for code running under ctx. A logger
// stored by the transport already names the caller; otherwise fallback gets
// the caller fields here. Inside an engine action the action fields follow.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger, stored := ctx.Value(loggerKey{}).(*zap.Logger)
	if !stored || logger == nil {
		logger = LoggerFrom(ctx, fallback).With(CallerFields(model.RequestContextFrom(ctx))...)
	}
	if s := ActionScopeFrom(ctx); s != nil {
		logger = logger.With(s.fields()...)
	}
	return logger
}

const redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against ext_data keys.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"iban", "account_number", "card_number", "ssn",
}

// RedactExtData returns a copy of an action's ext_data fit for debug logs.
// Keys containing a sensitive word, or equal to one of extra, are masked at
// any depth, including inside lists.
func RedactExtData(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitive(k, extra) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, extra)
	}
	return out
}

func redactValue(v any, extra []string) any {
	switch v := v.(type) {
	case map[string]any:
		return RedactExtData(v, extra...)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = redactValue(item, extra)
		}
		return items
	default:
		return v
	}
}

func isSensitive(key string, extra []string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}
