package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newMiniredisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	queue, err := NewRedisQueue(RedisQueueConfig{
		URL:    "redis://" + server.Addr(),
		Prefix: "test:jobs:",
		Queue:  "reports",
	}, jobsTestLogger{})
	if err != nil {
		t.Fatalf("expected redis queue, got %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })
	return queue, server
}

func TestNewRedisQueue_ValidationErrors(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{URL: "redis://localhost:6379"}, nil); err == nil {
		t.Fatal("expected logger validation error")
	}
	_, err := NewRedisQueue(RedisQueueConfig{}, jobsTestLogger{})
	if err == nil || !strings.Contains(err.Error(), "redis url is required") {
		t.Fatalf("expected missing redis url error, got %v", err)
	}
	if _, err := NewRedisQueue(RedisQueueConfig{URL: "://bad-url"}, jobsTestLogger{}); err == nil {
		t.Fatal("expected invalid redis url error")
	}
}

func TestRedisQueueKeyBuilders(t *testing.T) {
	queue := &RedisQueue{config: RedisQueueConfig{Prefix: "redlock:jobs", Queue: "payments"}}
	if got := queue.readyKey(); got != "redlock:jobs:queue:payments:ready" {
		t.Fatalf("unexpected ready key: %s", got)
	}
	if got := queue.deadKey(); got != "redlock:jobs:queue:payments:dead" {
		t.Fatalf("unexpected dead key: %s", got)
	}
}

func TestRedisQueue_PushReserve(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	ctx := context.Background()

	if err := queue.Push(ctx, &testJob{Key: "a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	items, err := server.List("test:jobs:queue:reports:ready")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one ready item, got %v err=%v", items, err)
	}

	delivery, err := queue.Reserve(ctx, time.Second)
	if err != nil || delivery == nil {
		t.Fatalf("expected delivery, got %v err=%v", delivery, err)
	}
	if delivery.Envelope.Name != "test-job" || delivery.Envelope.Queue != "reports" {
		t.Fatalf("unexpected envelope %+v", delivery.Envelope)
	}
	if err := queue.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if server.Exists("test:jobs:queue:reports:ready") {
		t.Fatal("expected ready list drained")
	}
}

func TestRedisQueue_NackRequeuesWithAttempt(t *testing.T) {
	queue, _ := newMiniredisQueue(t)
	ctx := context.Background()
	_ = queue.Push(ctx, &plainJob{})

	first, err := queue.Reserve(ctx, time.Second)
	if err != nil || first == nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := queue.Nack(ctx, first); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second, err := queue.Reserve(ctx, time.Second)
	if err != nil || second == nil {
		t.Fatalf("reserve after nack: %v", err)
	}
	if second.Envelope.ID != first.Envelope.ID || second.Envelope.Attempt != 1 {
		t.Fatalf("expected requeued envelope with attempt 1, got %+v", second.Envelope)
	}
}

func TestRedisQueue_MoveToDLQ(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	ctx := context.Background()
	_ = queue.Push(ctx, &plainJob{})
	delivery, _ := queue.Reserve(ctx, time.Second)

	if err := queue.MoveToDLQ(ctx, delivery, errTestJob); err != nil {
		t.Fatalf("dlq: %v", err)
	}
	items, err := server.List("test:jobs:queue:reports:dead")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one dead letter, got %v err=%v", items, err)
	}
	var letter DeadLetter
	if err := json.Unmarshal([]byte(items[0]), &letter); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if letter.Envelope.ID != delivery.Envelope.ID || letter.Reason != errTestJob.Error() {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
}

func TestRedisQueue_MalformedEnvelope(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	if _, err := server.Push("test:jobs:queue:reports:ready", "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := queue.Reserve(context.Background(), time.Second); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected malformed envelope rejected, got %v", err)
	}

	dead, err := server.List("test:jobs:queue:reports:dead")
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected malformed envelope parked in dead letters, got %v err=%v", dead, err)
	}
	var letter DeadLetter
	if err := json.Unmarshal([]byte(dead[0]), &letter); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if letter.Raw != "not-json" || letter.Reason == "" || letter.Envelope.ID != "" {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
}

func TestRedisQueue_HealthAndClose(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	if err := queue.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy queue, got %v", err)
	}
	server.SetError("server gone")
	if err := queue.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}
	server.SetError("")

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Push(context.Background(), &plainJob{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed queue error, got %v", err)
	}
}
