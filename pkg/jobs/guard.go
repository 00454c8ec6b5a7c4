package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/observability/tracing"
	"github.com/nimburion/redlock/pkg/redlock"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultLockTTL bounds both the dedupe lock taken while enqueueing and the ownership lock
// taken while executing, unless the job provides its own TTL.
const DefaultLockTTL = 5 * time.Minute

// GuardConfig configures an overlap guard.
type GuardConfig struct {
	DefaultTTL time.Duration
}

func (c *GuardConfig) normalize() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultLockTTL
	}
}

// Guard keeps two instances of the same job from being enqueued or executed concurrently.
// It holds no state besides its configuration and is safe for concurrent use.
type Guard struct {
	locker Locker
	log    logger.Logger
	config GuardConfig
}

// NewGuard creates a guard around a lock engine.
func NewGuard(locker Locker, log logger.Logger, cfg GuardConfig) (*Guard, error) {
	if locker == nil {
		return nil, jobsError(ErrInvalidArgument, "locker is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Guard{locker: locker, log: log, config: cfg}, nil
}

// ResourceKey returns the lock resource of a job: "<name>:<suffix>:", with an empty suffix
// when the job does not narrow its identity.
func ResourceKey(job Job) string {
	suffix := ""
	if identity, ok := job.(Identity); ok {
		if value, present := identity.LockResourceSuffix(); present {
			suffix = value
		}
	}
	return job.Name() + ":" + suffix + ":"
}

// TTL returns the lock TTL used for job.
func (g *Guard) TTL(job Job) time.Duration {
	if identity, ok := job.(Identity); ok {
		if ttl := identity.LockTTL(); ttl > 0 {
			return ttl
		}
	}
	return g.config.DefaultTTL
}

// Queue pushes job through dispatcher unless another producer is enqueueing the same job right
// now. It reports whether the job was pushed. The dedupe lock is released as soon as the push
// returns, whatever its outcome; a push error is returned to the caller.
func (g *Guard) Queue(ctx context.Context, dispatcher Dispatcher, job Job) (bool, error) {
	if g == nil || g.locker == nil {
		return false, jobsError(ErrNotInitialized, "guard is not initialized")
	}
	if dispatcher == nil {
		return false, jobsError(ErrInvalidArgument, "dispatcher is required")
	}
	if job == nil {
		return false, jobsError(ErrInvalidArgument, "job is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource := ResourceKey(job)
	ctx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobQueue, job.Name(), attribute.String("job.resource", resource))
	defer span.End()

	lock, ok, err := g.locker.Lock(ctx, resource, g.TTL(job))
	if err != nil {
		recordGuard(job.Name(), phaseQueue, "error")
		tracing.RecordError(span, err)
		return false, fmt.Errorf("acquire dedupe lock for %s: %w", resource, err)
	}
	if !ok {
		recordGuard(job.Name(), phaseQueue, "skipped")
		span.SetAttributes(attribute.Bool("job.skipped", true))
		g.log.Debug("job already being queued, skipping", "job_name", job.Name(), "resource", resource)
		return false, nil
	}

	pushErr := dispatcher.Push(ctx, job)
	g.release(ctx, lock)
	if pushErr != nil {
		recordGuard(job.Name(), phaseQueue, "error")
		tracing.RecordError(span, pushErr)
		return false, pushErr
	}

	recordGuard(job.Name(), phaseQueue, "queued")
	tracing.RecordSuccess(span)
	return true, nil
}

// Handle runs job.Handle while holding the job's ownership lock. When the lock is held elsewhere
// it returns an error wrapping ErrOwnership and the body does not run. The lock is released after
// the body returns or panics.
func (g *Guard) Handle(ctx context.Context, job Job) (err error) {
	if g == nil || g.locker == nil {
		return jobsError(ErrNotInitialized, "guard is not initialized")
	}
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resource := ResourceKey(job)
	ctx = logger.ContextWithLockResource(ctx, resource)
	ctx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobHandle, job.Name(), attribute.String("job.resource", resource))
	defer span.End()

	lock, ok, lockErr := g.locker.Lock(ctx, resource, g.TTL(job))
	if lockErr != nil {
		recordGuard(job.Name(), phaseHandle, "error")
		tracing.RecordError(span, lockErr)
		return fmt.Errorf("acquire ownership lock for %s: %w", resource, lockErr)
	}
	if !ok {
		recordGuard(job.Name(), phaseHandle, "overlap")
		ownershipErr := jobsError(ErrOwnership, fmt.Sprintf("job %s is already running", resource))
		tracing.RecordError(span, ownershipErr)
		return ownershipErr
	}

	defer g.release(ctx, lock)
	defer func() {
		if rec := recover(); rec != nil {
			recordGuard(job.Name(), phaseHandle, "panic")
			tracing.RecordError(span, fmt.Errorf("panic: %v", rec))
			panic(rec)
		}
	}()

	if err = job.Handle(ctx); err != nil {
		recordGuard(job.Name(), phaseHandle, "failed")
		tracing.RecordError(span, err)
		return err
	}
	recordGuard(job.Name(), phaseHandle, "completed")
	tracing.RecordSuccess(span)
	return nil
}

// release never fails the caller: a store that missed the delete lets the key expire.
func (g *Guard) release(ctx context.Context, lock *redlock.Lock) {
	if lock == nil {
		return
	}
	released := g.locker.Unlock(context.WithoutCancel(ctx), lock)
	if released == 0 {
		g.log.WithContext(ctx).Warn("job lock release reached no store", "resource", lock.Resource)
	}
}
