package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by every span helper in this package.
const InstrumentationName = "github.com/nimburion/redlock"

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationLock    SpanOperation = "lock.acquire"
	SpanOperationUnlock  SpanOperation = "lock.release"
	SpanOperationRefresh SpanOperation = "lock.refresh"

	SpanOperationJobQueue   SpanOperation = "job.queue"
	SpanOperationJobHandle  SpanOperation = "job.handle"
	SpanOperationJobProcess SpanOperation = "job.process"
)

// StartLockSpan creates a client span for a quorum lock operation.
func StartLockSpan(ctx context.Context, operation SpanOperation, resource string, stores int) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)
	ctx, span := tracer.Start(ctx, fmt.Sprintf("redlock %s", operation), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("redlock.operation", string(operation)),
		attribute.String("redlock.resource", resource),
		attribute.Int("redlock.stores", stores),
	)
	return ctx, span
}

// StartJobSpan creates a span for an overlap-guarded job phase.
func StartJobSpan(ctx context.Context, operation SpanOperation, jobName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)

	kind := trace.SpanKindInternal
	switch operation {
	case SpanOperationJobQueue:
		kind = trace.SpanKindProducer
	case SpanOperationJobProcess:
		kind = trace.SpanKindConsumer
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("job %s %s", operation, jobName), trace.WithSpanKind(kind))
	span.SetAttributes(
		attribute.String("job.operation", string(operation)),
		attribute.String("job.name", jobName),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error in the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
