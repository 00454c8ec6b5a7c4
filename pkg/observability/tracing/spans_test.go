package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func attributeValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartLockSpan_SetsResourceAttributes(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartLockSpan(context.Background(), SpanOperationLock, "billing:close", 3)
	RecordSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "redlock lock.acquire" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindClient {
		t.Fatalf("expected client span kind, got %v", got.SpanKind())
	}
	if value, ok := attributeValue(got.Attributes(), "redlock.resource"); !ok || value.AsString() != "billing:close" {
		t.Fatalf("missing resource attribute: %v", got.Attributes())
	}
	if value, ok := attributeValue(got.Attributes(), "redlock.stores"); !ok || value.AsInt64() != 3 {
		t.Fatalf("missing stores attribute: %v", got.Attributes())
	}
	if got.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", got.Status())
	}
}

func TestStartJobSpan_KindsAndErrors(t *testing.T) {
	recorder := installRecorder(t)

	_, queueSpan := StartJobSpan(context.Background(), SpanOperationJobQueue, "reports.rebuild")
	queueSpan.End()

	_, processSpan := StartJobSpan(context.Background(), SpanOperationJobProcess, "reports.rebuild", attribute.String("job.id", "env-1"))
	RecordError(processSpan, errors.New("boom"))
	processSpan.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].SpanKind() != trace.SpanKindProducer {
		t.Fatalf("expected producer kind for queue span, got %v", ended[0].SpanKind())
	}
	if ended[1].SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("expected consumer kind for process span, got %v", ended[1].SpanKind())
	}
	if ended[1].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", ended[1].Status())
	}
	if value, ok := attributeValue(ended[1].Attributes(), "job.id"); !ok || value.AsString() != "env-1" {
		t.Fatalf("missing job.id attribute: %v", ended[1].Attributes())
	}
}

func TestRecordError_IgnoresNil(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartLockSpan(context.Background(), SpanOperationUnlock, "r", 1)
	RecordError(span, nil)
	span.End()

	if status := recorder.Ended()[0].Status(); status.Code == codes.Error {
		t.Fatalf("nil error must not mark span failed: %v", status)
	}
}

func TestNewTracerProvider_DisabledAndValidation(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled provider: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, Endpoint: "localhost:4317"}); err == nil {
		t.Fatal("expected missing service name error")
	}
	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, ServiceName: "redlock"}); err == nil {
		t.Fatal("expected missing endpoint error")
	}
	if _, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true, ServiceName: "redlock", Endpoint: "x:1", SampleRate: 2}); err == nil {
		t.Fatal("expected sample rate error")
	}
}
