package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/model"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func onlyEntry(t *testing.T, logs *observer.ObservedLogs) map[string]any {
	t.Helper()
	entries := logs.AllUntimed()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	return entries[0].ContextMap()
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{level: "debug", wantDebug: true, wantInfo: true},
		{level: "info", wantInfo: true},
		{level: "warn"},
		{level: "error"},
		{level: "loud", wantInfo: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			core := logger.Core()
			if got := core.Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := core.Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
			if !core.Enabled(zapcore.ErrorLevel) {
				t.Error("error should always be enabled")
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	stored, _ := observed()
	fallback, _ := observed()

	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom should prefer the stored logger")
	}
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom should use the fallback")
	}
	if LoggerFrom(context.Background(), nil) == nil {
		t.Error("LoggerFrom(nil fallback) should not return nil")
	}
}

func TestRequestLogger_caller_fields(t *testing.T) {
	logger, logs := observed()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "carol",
		Roles:         []string{"finance"},
		CorrelationID: "corr-7",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	RequestLogger(ctx, logger).Info("workflow action committed")

	fields := onlyEntry(t, logs)
	if fields["subject_id"] != "carol" || fields["correlation_id"] != "corr-7" {
		t.Errorf("caller fields = %v", fields)
	}
	if fields["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace_id = %v", fields["trace_id"])
	}
	if roles, ok := fields["roles"].([]any); !ok || len(roles) != 1 || roles[0] != "finance" {
		t.Errorf("roles = %#v", fields["roles"])
	}
}

func TestRequestLogger_stored_logger_is_not_enriched_twice(t *testing.T) {
	logger, logs := observed()
	rc := &model.RequestContext{SubjectID: "dave", CorrelationID: "corr-8"}
	ctx := model.WithRequestContext(context.Background(), rc)
	ctx = WithLogger(ctx, logger.With(CallerFields(rc)...))

	RequestLogger(ctx, zap.NewNop()).Warn("workflow action rejected")

	entries := logs.AllUntimed()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	seen := 0
	for _, f := range entries[0].Context {
		if f.Key == "subject_id" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("subject_id logged %d times, want once", seen)
	}
}

func TestRequestLogger_action_scope(t *testing.T) {
	logger, logs := observed()
	scope := &ActionScope{Action: "agree", TaskID: 12}
	ctx := WithActionScope(context.Background(), scope)

	// The engine learns the instance after locking it.
	scope.ProcessID = "expense"
	scope.InstanceID = 4

	RequestLogger(ctx, logger).Info("workflow action committed")

	fields := onlyEntry(t, logs)
	want := map[string]any{"action": "agree", "process_id": "expense", "instance_id": int64(4), "task_id": int64(12)}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %#v, want %#v", k, fields[k], v)
		}
	}
	if _, ok := fields["subject_id"]; ok {
		t.Error("no caller outside a request")
	}
}

func TestActionScope_omits_unknown_ids(t *testing.T) {
	logger, logs := observed()
	ctx := WithActionScope(context.Background(), &ActionScope{Action: "create"})

	RequestLogger(ctx, logger).Info("x")

	fields := onlyEntry(t, logs)
	for _, k := range []string{"process_id", "instance_id", "task_id"} {
		if _, ok := fields[k]; ok {
			t.Errorf("%s should be omitted while unknown", k)
		}
	}
	if ActionScopeFrom(context.Background()) != nil {
		t.Error("empty context should carry no scope")
	}
}

func TestRedactExtData(t *testing.T) {
	data := map[string]any{
		"amount":       120,
		"Bank_IBAN":    "DE89370400440532013000",
		"approver_pin": "1234",
		"payee": map[string]any{
			"name":       "ACME",
			"api_key":    "k-1",
			"cost_codes": []any{"C1", map[string]any{"secret_ref": "s"}},
		},
	}

	got := RedactExtData(data, "approver_pin")

	if got["amount"] != 120 {
		t.Errorf("amount = %v", got["amount"])
	}
	if got["Bank_IBAN"] != redacted {
		t.Errorf("Bank_IBAN = %v, want masked by substring match", got["Bank_IBAN"])
	}
	if got["approver_pin"] != redacted {
		t.Errorf("approver_pin = %v, want masked as extra key", got["approver_pin"])
	}
	payee := got["payee"].(map[string]any)
	if payee["name"] != "ACME" || payee["api_key"] != redacted {
		t.Errorf("payee = %v", payee)
	}
	codes := payee["cost_codes"].([]any)
	if codes[0] != "C1" || codes[1].(map[string]any)["secret_ref"] != redacted {
		t.Errorf("cost_codes = %v", codes)
	}

	// The input is left alone.
	if data["Bank_IBAN"] != "DE89370400440532013000" {
		t.Error("RedactExtData mutated its input")
	}
	if RedactExtData(nil) != nil {
		t.Error("RedactExtData(nil) should be nil")
	}
}
