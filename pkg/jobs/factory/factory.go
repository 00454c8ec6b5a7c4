// Package factory selects the job queue transport from configuration.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/redlock/pkg/config"
	"github.com/nimburion/redlock/pkg/jobs"
	"github.com/nimburion/redlock/pkg/observability/logger"
)

// ErrDisabled is returned when jobs.dispatcher is empty.
var ErrDisabled = errors.New("jobs dispatcher is not configured (set jobs.dispatcher)")

type (
	redisQueueFactory func(cfg jobs.RedisQueueConfig, log logger.Logger) (*jobs.RedisQueue, error)
	sqsQueueFactory   func(cfg jobs.SQSQueueConfig, log logger.Logger) (*jobs.SQSQueue, error)
)

// NewQueue creates the queue named by cfg.Dispatcher.
func NewQueue(cfg config.JobsConfig, log logger.Logger) (jobs.Queue, error) {
	return newQueue(cfg, log, jobs.NewRedisQueue, jobs.NewSQSQueue)
}

func newQueue(cfg config.JobsConfig, log logger.Logger, newRedis redisQueueFactory, newSQS sqsQueueFactory) (jobs.Queue, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dispatcher)) {
	case "":
		return nil, ErrDisabled
	case config.DispatcherTypeMemory:
		return jobs.NewMemoryQueue(cfg.Queue), nil
	case config.DispatcherTypeRedis:
		queue, err := newRedis(jobs.RedisQueueConfig{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			Queue:            cfg.Queue,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("redis job queue: %w", err)
		}
		return queue, nil
	case config.DispatcherTypeSQS:
		queue, err := newSQS(jobs.SQSQueueConfig{
			Region:            cfg.SQS.Region,
			QueueURL:          cfg.SQS.QueueURL,
			DeadLetterURL:     cfg.SQS.DeadLetterURL,
			Endpoint:          cfg.SQS.Endpoint,
			AccessKeyID:       cfg.SQS.AccessKeyID,
			SecretAccessKey:   cfg.SQS.SecretAccessKey,
			SessionToken:      cfg.SQS.SessionToken,
			Queue:             cfg.Queue,
			WaitTime:          cfg.SQS.WaitTime,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sqs job queue: %w", err)
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unsupported jobs dispatcher %q (supported: redis, sqs, memory)", cfg.Dispatcher)
	}
}

// WorkerConfig maps the worker section onto jobs.WorkerConfig.
func WorkerConfig(cfg config.JobsWorkerConfig) jobs.WorkerConfig {
	return jobs.WorkerConfig{
		Concurrency:    cfg.Concurrency,
		MaxAttempts:    cfg.MaxAttempts,
		PollTimeout:    cfg.PollTimeout,
		AttemptTimeout: cfg.AttemptTimeout,
		StopTimeout:    cfg.StopTimeout,
	}
}
