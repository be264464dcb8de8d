package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	reqid "github.com/hanpama/graphcache/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(tp.Tracer("graphcache"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register turns engine events into spans created by tracer.
func Register(tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer       trace.Tracer
	batchSpans   sync.Map // operation id -> trace.Span
	attemptSpans sync.Map // operation id -> trace.Span
	httpSpans    sync.Map // operation id -> trace.Span
}

func (s *subscriber) parent(ctx context.Context, id string, spans ...*sync.Map) context.Context {
	for _, m := range spans {
		if v, ok := m.Load(id); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func end(m *sync.Map, id string, err error, attrs ...attribute.KeyValue) {
	v, ok := m.LoadAndDelete(id)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register() func() {
	uns := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.BatchStart) {
			_, span := s.tracer.Start(ctx, "graphcache.batch")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.Int("graphcache.fields", e.Fields),
			)
			s.batchSpans.Store(e.OperationID, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.BatchFinish) {
			end(&s.batchSpans, e.OperationID, e.Err,
				attribute.Int("graphcache.attempts", e.Attempts),
				attribute.Int("graphql.error_count", e.FieldErrors),
			)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.AttemptStart) {
			_, span := s.tracer.Start(s.parent(ctx, e.OperationID, &s.batchSpans), "graphcache.attempt")
			span.SetAttributes(attribute.Int("graphcache.attempt", e.Attempt))
			s.attemptSpans.Store(e.OperationID, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.AttemptFinish) {
			end(&s.attemptSpans, e.OperationID, e.Err)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.Retry) {
			if v, ok := s.batchSpans.Load(e.OperationID); ok {
				v.(trace.Span).AddEvent("retry", trace.WithAttributes(
					attribute.Int("graphcache.attempt", e.Attempt),
					attribute.String("graphcache.delay", e.Delay.String()),
				))
			}
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPClientStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid, &s.attemptSpans, &s.batchSpans), "http.client")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.url", e.Request.URL.String()),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.Kind),
			)
			s.httpSpans.Store(rid, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPClientFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.httpSpans, rid, e.Err, semconv.HTTPStatusCodeKey.Int(e.Status))
		}),
	}
	return func() {
		for _, un := range uns {
			un()
		}
	}
}
