// Package otel exports traces of pipeline executions over OTLP/gRPC. Spans are
// built from the lifecycle events on the event bus and correlated by the
// execution id carried in the context.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	eventbus "github.com/pipe01/villus/internal/eventbus"
	events "github.com/pipe01/villus/internal/events"
	reqid "github.com/pipe01/villus/internal/reqid"
)

const instrumentation = "github.com/pipe01/villus"

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

	unregister := Register(tp)
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span builders for tp to the global event bus, which
// must be installed with eventbus.Use beforehand.
func Register(tp trace.TracerProvider) (unregister func()) {
	s := &subscriber{tracer: tp.Tracer(instrumentation)}
	return s.register()
}

type subscriber struct {
	tracer     trace.Tracer
	opSpans    sync.Map // rid -> trace.Span
	fetchSpans sync.Map // rid -> trace.Span
}

func (s *subscriber) register() func() {
	offs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.OperationStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "villus.operation")
			span.SetAttributes(
				attribute.String("villus.execution_id", rid),
				attribute.String("graphql.operation.type", e.Type),
				attribute.String("villus.operation.key", e.Key),
				attribute.String("villus.cache_policy", e.CachePolicy),
			)
			s.opSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.opSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("villus.stage", e.Stage))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.OperationUpdated) {
			_, span := s.tracer.Start(ctx, "villus.operation.update")
			span.SetAttributes(
				attribute.String("villus.operation.key", e.Key),
				attribute.Int("villus.stage", e.Stage),
			)
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.BackgroundFailure) {
			_, span := s.tracer.Start(ctx, "villus.background")
			span.SetAttributes(attribute.String("villus.operation.key", e.Key))
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.FetchStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.opSpans.Load(rid); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "villus.fetch", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Method),
				semconv.HTTPURLKey.String(e.URL),
			)
			s.fetchSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.FetchFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.fetchSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
