package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/procflow/internal/config"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{name: "disabled", cfg: config.TracingConfig{Exporter: "zipkin"}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "unknown exporter", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(t.Context(), tt.cfg, "procflow", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplingRate)).Description()},
		{rate: 0.5, want: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.5)).Description()},
		{rate: 1, want: sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()},
		{rate: 3, want: sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()},
	}
	for _, tt := range tests {
		if got := newSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("newSampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestStartActionSpan(t *testing.T) {
	exporter := recordSpans(t)
	scope := &ActionScope{Action: "agree", ProcessID: "expense", InstanceID: 42, TaskID: 7}

	ctx, span := StartActionSpan(context.Background(), scope, "bob")
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the action span")
	}
	span.End()

	s := onlySpan(t, exporter)
	if s.Name != "workflow.agree" {
		t.Errorf("name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindInternal {
		t.Errorf("kind = %v", s.SpanKind)
	}
	want := map[string]string{
		"procflow.action":      "agree",
		"procflow.user":        "bob",
		"procflow.process_id":  "expense",
		"procflow.instance_id": "42",
		"procflow.task_id":     "7",
	}
	got := attrs(s)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestStartActionSpan_before_the_instance_is_known(t *testing.T) {
	exporter := recordSpans(t)

	_, span := StartActionSpan(context.Background(), &ActionScope{Action: "create"}, "")
	span.End()

	got := attrs(onlySpan(t, exporter))
	for _, k := range []string{"procflow.user", "procflow.process_id", "procflow.instance_id", "procflow.task_id"} {
		if _, ok := got[k]; ok {
			t.Errorf("%s should not be set", k)
		}
	}
}

func TestAddTransitionEvent(t *testing.T) {
	exporter := recordSpans(t)

	ctx, span := StartActionSpan(context.Background(), &ActionScope{Action: "agree"}, "bob")
	AddTransitionEvent(ctx, "review_ok", "review", "finance", "bob", false)
	AddTransitionEvent(ctx, "finance_ok", "finance", "approved", "bob", true)
	span.End()

	events := onlySpan(t, exporter).Events
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	last := map[string]string{}
	for _, a := range events[1].Attributes {
		last[string(a.Key)] = a.Value.Emit()
	}
	if events[1].Name != "transition" || last["procflow.transition_id"] != "finance_ok" ||
		last["procflow.from"] != "finance" || last["procflow.to"] != "approved" || last["procflow.auto"] != "true" {
		t.Errorf("auto transition event = %s %v", events[1].Name, last)
	}

	// Outside a recording span the call is a no-op.
	AddTransitionEvent(context.Background(), "x", "a", "b", "bob", false)
}

func TestEndSpanWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents int
	}{
		{name: "ok", wantStatus: codes.Unset},
		{name: "failed", err: errors.New("hook on_submit failed"), wantStatus: codes.Error, wantEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := recordSpans(t)
			_, span := StartSpan(context.Background(), "workflow.submit")
			EndSpanWithError(span, tt.err)

			s := onlySpan(t, exporter)
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}
			if tt.err != nil && s.Status.Description != tt.err.Error() {
				t.Errorf("description = %q", s.Status.Description)
			}
			if len(s.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(s.Events), tt.wantEvents)
			}
		})
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("TraceIDFromContext() without a span = %q", id)
	}
	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "workflow.create")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext() = %q, want %q", got, want)
	}
}

func TestTracingMiddleware_status(t *testing.T) {
	tests := []struct {
		status    int
		wantError bool
	}{
		{status: http.StatusCreated},
		{status: http.StatusConflict},
		{status: http.StatusInternalServerError, wantError: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := recordSpans(t)
			h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/instances", nil))

			s := onlySpan(t, exporter)
			if s.SpanKind != trace.SpanKindServer {
				t.Errorf("kind = %v", s.SpanKind)
			}
			if got := attrs(s)["http.response.status_code"]; got != strconv.Itoa(tt.status) {
				t.Errorf("status_code = %q", got)
			}
			if (s.Status.Code == codes.Error) != tt.wantError {
				t.Errorf("error status = %v, want %v", s.Status.Code == codes.Error, tt.wantError)
			}
			if rec.Header().Get("Traceparent") == "" {
				t.Error("response should echo traceparent")
			}
		})
	}
}

func TestTracingMiddleware_continues_inbound_trace(t *testing.T) {
	exporter := recordSpans(t)
	h := TracingMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	if got := s.SpanContext.TraceID().String(); got != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("trace id = %s", got)
	}
	if got := s.Parent.SpanID().String(); got != "b7ad6b7169203331" {
		t.Errorf("parent = %s", got)
	}
}

func TestTracingMiddleware_names_span_after_route(t *testing.T) {
	exporter := recordSpans(t)
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/v1/tasks/{taskID}/agree", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/tasks/31/agree", nil))

	s := onlySpan(t, exporter)
	if s.Name != "POST /v1/tasks/{taskID}/agree" {
		t.Errorf("name = %q", s.Name)
	}
	if got := attrs(s)["http.route"]; got != "/v1/tasks/{taskID}/agree" {
		t.Errorf("http.route = %q", got)
	}
	if got := attrs(s)["url.path"]; got != "/v1/tasks/31/agree" {
		t.Errorf("url.path = %q", got)
	}
}

func TestTraceMetadata_round_trip(t *testing.T) {
	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "notify")
	defer span.End()

	md := InjectTraceMetadata(ctx)
	if md["traceparent"] == "" {
		t.Fatalf("metadata = %v, want traceparent", md)
	}
	got := trace.SpanContextFromContext(ExtractTraceMetadata(context.Background(), md))
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id = %s, want %s", got.TraceID(), span.SpanContext().TraceID())
	}
}
