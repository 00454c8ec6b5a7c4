package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisQueuePrefix           = "redlock:jobs"
	DefaultRedisQueueOperationTimeout = 5 * time.Second

	// BLPOP only supports whole seconds.
	minRedisReserveTimeout = time.Second
)

// RedisQueueConfig configures a redis list queue.
type RedisQueueConfig struct {
	URL              string
	Prefix           string
	Queue            string
	OperationTimeout time.Duration
}

func (c *RedisQueueConfig) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = DefaultRedisQueuePrefix
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "default"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultRedisQueueOperationTimeout
	}
}

// RedisQueue stores envelopes in a redis list: RPUSH to enqueue, BLPOP to reserve.
// A reserved envelope leaves the list, so a worker that dies mid-job loses it; the
// ownership lock of that job still expires on its own.
type RedisQueue struct {
	client *redis.Client
	log    logger.Logger
	config RedisQueueConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisQueue connects to cfg.URL and verifies the connection with PING.
func NewRedisQueue(cfg RedisQueueConfig, log logger.Logger) (*RedisQueue, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobsError(ErrValidation, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", opts.Addr, err)
	}

	log.Info("redis job queue connected", "queue", cfg.Queue, "prefix", cfg.Prefix)
	return &RedisQueue{client: client, log: log, config: cfg}, nil
}

// Push implements Dispatcher.
func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	env, err := NewEnvelope(q.config.Queue, job)
	if err != nil {
		return err
	}
	return q.push(ctx, q.readyKey(), env)
}

func (q *RedisQueue) push(ctx context.Context, key string, env Envelope) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.client.RPush(opCtx, key, raw).Err(); err != nil {
		return fmt.Errorf("redis push failed: %w", err)
	}
	return nil
}

// Reserve implements Queue.
func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if timeout < minRedisReserveTimeout {
		timeout = minRedisReserveTimeout
	}

	result, err := q.client.BLPop(ctx, timeout, q.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis reserve failed: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("redis reserve returned %d values", len(result))
	}

	env, err := decodeEnvelope([]byte(result[1]))
	if err != nil {
		// BLPOP already removed it from the ready list, so park it before reporting.
		if dlqErr := q.pushDead(ctx, newRawDeadLetter([]byte(result[1]), err)); dlqErr != nil {
			q.log.Error("failed to dead-letter malformed job envelope", "queue", q.config.Queue, "error", dlqErr)
			return nil, errors.Join(err, dlqErr)
		}
		q.log.Warn("dead-lettered malformed job envelope", "queue", q.config.Queue, "error", err)
		return nil, err
	}
	return &Delivery{Envelope: env, Receipt: env.ID}, nil
}

// Ack implements Queue. BLPOP already removed the envelope.
func (q *RedisQueue) Ack(_ context.Context, delivery *Delivery) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	return q.ensureOpen()
}

// Nack implements Queue by pushing the envelope back with its attempt counter bumped.
func (q *RedisQueue) Nack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	env := delivery.Envelope
	env.Attempt++
	return q.push(ctx, q.readyKey(), env)
}

// MoveToDLQ implements Queue.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, delivery *Delivery, reason error) error {
	if delivery == nil {
		return jobsError(ErrInvalidArgument, "delivery is required")
	}
	return q.pushDead(ctx, newDeadLetter(delivery.Envelope, reason))
}

func (q *RedisQueue) pushDead(ctx context.Context, letter DeadLetter) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.client.RPush(opCtx, q.deadKey(), raw).Err(); err != nil {
		return fmt.Errorf("redis dlq push failed: %w", err)
	}
	return nil
}

// HealthCheck implements Queue.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis queue health check failed: %w", err)
	}
	return nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

func (q *RedisQueue) ensureOpen() error {
	if q == nil || q.client == nil {
		return jobsError(ErrNotInitialized, "redis queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobsError(ErrClosed, "redis queue is closed")
	}
	return nil
}

func (q *RedisQueue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func (q *RedisQueue) readyKey() string {
	return q.config.Prefix + ":queue:" + q.config.Queue + ":ready"
}

func (q *RedisQueue) deadKey() string {
	return q.config.Prefix + ":queue:" + q.config.Queue + ":dead"
}
