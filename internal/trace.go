package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/peersupport/roomsync"

// Task traces one client operation (open a room, send, resolve a direct room) as both a
// runtime/trace task and an OTLP span. Phases of the operation are traced with StartPhase.
type Task struct {
	task   *trace.Task
	region *trace.Region
	span   otrace.Span
}

// End finishes the task. Safe on a Task which recorded a failure.
func (t *Task) End() {
	if t.region != nil {
		t.region.End()
	}
	if t.task != nil {
		t.task.End()
	}
	t.span.End()
}

// Fail marks the operation as failed. A nil err is ignored.
func (t *Task) Fail(err error) {
	if err == nil {
		return
	}
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
}

// StartTask starts tracing an operation. The user, room and op recorded on ctx by
// SetRequestContextUserID and SetRequestContextRoom become span attributes.
func StartTask(ctx context.Context, name string) (context.Context, *Task) {
	ctx, task := trace.NewTask(ctx, name)
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, otrace.WithAttributes(requestAttributes(ctx)...))
	return ctx, &Task{task: task, span: span}
}

// StartPhase traces one step inside a task, e.g. the subscribe or fetch half of opening
// a room. It nests under whatever task or phase is already on ctx.
func StartPhase(ctx context.Context, phase string) (context.Context, *Task) {
	region := trace.StartRegion(ctx, phase)
	ctx, span := otel.Tracer(tracerName).Start(ctx, phase, otrace.WithAttributes(
		attribute.String("roomsync.phase", phase),
	))
	return ctx, &Task{region: region, span: span}
}

// Logf adds an event to the current span and the runtime trace log.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	otrace.SpanFromContext(ctx).AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

func requestAttributes(ctx context.Context) []attribute.KeyValue {
	d, ok := ctx.Value(ctxData).(*data)
	if !ok {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.userID != "" {
		attrs = append(attrs, attribute.String("roomsync.user_id", d.userID))
	}
	if d.roomID != "" {
		attrs = append(attrs, attribute.String("roomsync.room_id", d.roomID))
	}
	if d.op != "" {
		attrs = append(attrs, attribute.String("roomsync.op", d.op))
	}
	return attrs
}

// otlpOptions turns a collector base URL like https://localhost:4318 into exporter options.
// Plain http is only accepted for local collectors and disables TLS.
func otlpOptions(otlpURL, user, pass string) ([]otlptracehttp.Option, error) {
	u, err := url.Parse(otlpURL)
	if err != nil {
		return nil, fmt.Errorf("OTLP URL %q: %w", otlpURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("OTLP URL %q has no host", otlpURL)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	switch u.Scheme {
	case "http":
		opts = append(opts, otlptracehttp.WithInsecure())
	case "https":
	default:
		return nil, fmt.Errorf("OTLP URL %s: unsupported scheme %q", otlpURL, u.Scheme)
	}
	if user != "" && pass != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + creds,
		}))
	}
	return opts, nil
}

// ConfigureOTLP exports spans for service to the collector at otlpURL and installs the
// W3C and Jaeger propagators so traces continue across the authority's HTTP surface.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, service, version string) error {
	opts, err := otlpOptions(otlpURL, otlpUser, otlpPass)
	if err != nil {
		return err
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("ConfigureOTLP: %w", err)
	}
	logger.Info().Str("url", otlpURL).Str("service", service).Msg("exporting traces")
	otel.SetTracerProvider(tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		)),
	))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return nil
}
