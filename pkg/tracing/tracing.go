package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "amalive"

var (
	SessionIDKey = attribute.Key("session.id")
	UserIDKey    = attribute.Key("user.id")
	StatusKey    = attribute.Key("session.status")
	StreamIDKey  = attribute.Key("stream.id")
	DurationKey  = attribute.Key("duration_ms")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the global no-op provider stays in place.
func Init(cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Request opens the server span of one HTTP request.
func Request(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// VisitMessage spans the handling of one client frame in a room.
func VisitMessage(ctx context.Context, msgType, sessionID, userID string) (context.Context, trace.Span) {
	return start(ctx, "visit."+msgType,
		SessionIDKey.String(sessionID),
		UserIDKey.String(userID),
	)
}

// StatusChange spans a host moving a session to status.
func StatusChange(ctx context.Context, sessionID, actor, status string) (context.Context, trace.Span) {
	return start(ctx, "session.update_status",
		SessionIDKey.String(sessionID),
		UserIDKey.String(actor),
		StatusKey.String(status),
	)
}

// MicrophoneAcquire spans the renegotiation that brings a host's microphone in.
func MicrophoneAcquire(ctx context.Context, sessionID, userID string) (context.Context, trace.Span) {
	return start(ctx, "ingest.acquire",
		SessionIDKey.String(sessionID),
		UserIDKey.String(userID),
	)
}

// Store spans one session store command.
func Store(ctx context.Context, op string) (context.Context, trace.Span) {
	return start(ctx, "sessions."+op, attribute.String("db.operation", op))
}

// Annotate adds attributes to the span in ctx, if it records.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
