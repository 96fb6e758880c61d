package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/procflow/internal/config"
)

const tracerName = "github.com/pitabwire/procflow"

// Span attributes set by the engine.
var (
	AttrProcessID    = attribute.Key("procflow.process_id")
	AttrInstanceID   = attribute.Key("procflow.instance_id")
	AttrTaskID       = attribute.Key("procflow.task_id")
	AttrTransitionID = attribute.Key("procflow.transition_id")
	AttrAction       = attribute.Key("procflow.action")
	AttrUser         = attribute.Key("procflow.user")
	AttrAutoAgreed   = attribute.Key("procflow.auto_agreed")
)

const defaultSamplingRate = 0.1

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes and stops the provider; with tracing disabled it
// does nothing.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newSampler follows the parent's decision and samples root spans at rate.
// A rate of zero or less means the default; one or more samples everything.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// StartActionSpan starts the span of one engine action, named after it and
// tagged with what scope knows so far.
func StartActionSpan(ctx context.Context, scope *ActionScope, user string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrAction.String(scope.Action)}
	if user != "" {
		attrs = append(attrs, AttrUser.String(user))
	}
	if scope.ProcessID != "" {
		attrs = append(attrs, AttrProcessID.String(scope.ProcessID))
	}
	if scope.InstanceID != 0 {
		attrs = append(attrs, AttrInstanceID.Int64(scope.InstanceID))
	}
	if scope.TaskID != 0 {
		attrs = append(attrs, AttrTaskID.Int64(scope.TaskID))
	}
	return StartSpan(ctx, "workflow."+scope.Action, attrs...)
}

// AddTransitionEvent records a transition taken during the action whose span
// is in ctx. Auto-agree chains show up as several events on one span.
func AddTransitionEvent(ctx context.Context, transitionID, from, to, user string, auto bool) {
	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(
		AttrTransitionID.String(transitionID),
		attribute.String("procflow.from", from),
		attribute.String("procflow.to", to),
		AttrUser.String(user),
		attribute.Bool("procflow.auto", auto),
	))
}

// EndSpanWithError records err, if any, as the span's status and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any inbound
// traceparent and echoing the trace context on the response. Once chi has
// routed the request the span is renamed after the route pattern.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := newStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceMetadata returns the trace context of ctx as message metadata.
func InjectTraceMetadata(ctx context.Context) map[string]string {
	md := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, md)
	return md
}

// ExtractTraceMetadata continues the trace carried by message metadata.
func ExtractTraceMetadata(ctx context.Context, md map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(md))
}
