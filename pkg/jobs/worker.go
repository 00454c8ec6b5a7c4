package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultWorkerPollTimeout    = time.Second
	DefaultWorkerStopTimeout    = 30 * time.Second
	DefaultWorkerAttemptTimeout = 5 * time.Minute
	DefaultWorkerMaxAttempts    = 3

	reserveErrorBackoff = 100 * time.Millisecond
)

// WorkerConfig configures worker lifecycle and concurrency.
type WorkerConfig struct {
	Concurrency int
	// MaxAttempts counts executions, the first one included, before a failing job is parked.
	MaxAttempts int
	PollTimeout time.Duration
	// AttemptTimeout bounds one execution through a context deadline. Zero disables it.
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultWorkerMaxAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultWorkerPollTimeout
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = DefaultWorkerAttemptTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
}

// Worker consumes envelopes from a Queue, rebuilds jobs through a Registry and executes each
// one through Guard.Handle.
type Worker struct {
	id       string
	queue    Queue
	registry *Registry
	guard    *Guard
	log      logger.Logger
	config   WorkerConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWorker creates a worker.
func NewWorker(queue Queue, registry *Registry, guard *Guard, log logger.Logger, cfg WorkerConfig) (*Worker, error) {
	if queue == nil {
		return nil, jobsError(ErrInvalidArgument, "queue is required")
	}
	if registry == nil {
		return nil, jobsError(ErrInvalidArgument, "registry is required")
	}
	if guard == nil {
		return nil, jobsError(ErrInvalidArgument, "guard is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	id := uuid.NewString()
	return &Worker{
		id:       id,
		queue:    queue,
		registry: registry,
		guard:    guard,
		log:      log.With("worker_id", id),
		config:   cfg,
	}, nil
}

// ID identifies the worker in logs.
func (w *Worker) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

// Start launches the consumer loops and blocks until ctx is cancelled, then stops gracefully.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return jobsError(ErrNotInitialized, "worker is not initialized")
	}
	if ctx == nil {
		return jobsError(ErrInvalidArgument, "context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	w.log.Info("jobs worker started", "concurrency", w.config.Concurrency, "jobs", strings.Join(w.registry.Names(), ","))
	for slot := 0; slot < w.config.Concurrency; slot++ {
		w.wg.Add(1)
		go w.runLoop(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop cancels the consumer loops, waits for in-flight jobs and closes the queue.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		w.log.Info("jobs worker stopped")
		return w.queue.Close()
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		delivery, err := w.queue.Reserve(ctx, w.config.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			w.log.Warn("jobs reserve failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reserveErrorBackoff):
				continue
			}
		}
		if delivery == nil {
			continue
		}

		queue := delivery.Envelope.Queue
		incrementJobInFlight(queue)
		if err := w.process(ctx, delivery); err != nil {
			w.log.Warn("jobs processing failed", "job_id", delivery.Envelope.ID, "job_name", delivery.Envelope.Name, "error", err)
			recordJobProcessed(delivery.Envelope.Name, "error")
		}
		decrementJobInFlight(queue)
	}
}

// process settles one delivery. Acks, nacks and dead-lettering happen on a context detached
// from worker cancellation so a job finishing during shutdown is still settled.
func (w *Worker) process(ctx context.Context, delivery *Delivery) error {
	env := delivery.Envelope
	ctx = logger.ContextWithJobID(ctx, env.ID)
	ctx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobProcess, env.Name,
		attribute.String("job.id", env.ID),
		attribute.String("job.queue", env.Queue),
		attribute.Int("job.attempt", env.Attempt),
	)
	defer span.End()
	log := w.log.WithContext(ctx)
	settleCtx := context.WithoutCancel(ctx)

	job, err := w.registry.Decode(env)
	if err != nil {
		tracing.RecordError(span, err)
		if dlqErr := w.queue.MoveToDLQ(settleCtx, delivery, err); dlqErr != nil {
			return fmt.Errorf("dlq move failed: %w", errors.Join(err, dlqErr))
		}
		recordJobProcessed(env.Name, "invalid")
		log.Warn("job envelope rejected", "error", err)
		return nil
	}

	execErr := w.execute(ctx, job)
	switch {
	case execErr == nil:
		if err := w.queue.Ack(settleCtx, delivery); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("ack failed: %w", err)
		}
		recordJobProcessed(env.Name, "success")
		tracing.RecordSuccess(span)
		return nil
	case errors.Is(execErr, ErrOwnership):
		if err := w.queue.Ack(settleCtx, delivery); err != nil {
			return fmt.Errorf("ack failed while skipping job: %w", err)
		}
		recordJobProcessed(env.Name, "skipped")
		span.SetAttributes(attribute.Bool("job.skipped", true))
		log.Info("job already running elsewhere, skipping", "resource", ResourceKey(job))
		return nil
	default:
		tracing.RecordError(span, execErr)
		return w.handleFailure(settleCtx, delivery, execErr)
	}
}

func (w *Worker) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()

	if w.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.AttemptTimeout)
		defer cancel()
	}
	return w.guard.Handle(ctx, job)
}

func (w *Worker) handleFailure(ctx context.Context, delivery *Delivery, failure error) error {
	env := delivery.Envelope
	if env.Attempt+1 < w.config.MaxAttempts {
		if err := w.queue.Nack(ctx, delivery); err != nil {
			return fmt.Errorf("nack failed: %w", errors.Join(failure, err))
		}
		recordJobProcessed(env.Name, "retry")
		w.log.WithContext(ctx).Warn("job failed, retrying", "attempt", env.Attempt+1, "max_attempts", w.config.MaxAttempts, "error", failure)
		return nil
	}

	if err := w.queue.MoveToDLQ(ctx, delivery, failure); err != nil {
		return fmt.Errorf("dlq move failed: %w", errors.Join(failure, err))
	}
	recordJobProcessed(env.Name, "dlq")
	w.log.WithContext(ctx).Error("job failed permanently", "attempts", env.Attempt+1, "error", failure)
	return nil
}
