package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/jobs"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"golang.org/x/time/rate"
)

const DefaultDispatchTimeout = 10 * time.Second

// Config controls scheduler runtime behavior.
type Config struct {
	DispatchTimeout time.Duration
	// DispatchRate caps dispatches per second across every task. Zero disables the limit.
	DispatchRate  float64
	DispatchBurst int
}

func (c *Config) normalize() {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
}

// Runtime produces jobs on a fixed period. Every replica may run the same tasks. The enqueuer's
// dedupe lock is released right after the push, so it only stops dispatches that overlap in time;
// replicas whose ticks land even milliseconds apart can both enqueue the job. Concurrent
// execution of those copies is prevented by the ownership lock the workers take in Guard.Handle.
type Runtime struct {
	enqueuer   Enqueuer
	dispatcher jobs.Dispatcher
	builder    JobBuilder
	log        logger.Logger
	limiter    *rate.Limiter

	config Config

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(enqueuer Enqueuer, dispatcher jobs.Dispatcher, builder JobBuilder, log logger.Logger, cfg Config) (*Runtime, error) {
	if enqueuer == nil {
		return nil, schedulerError(ErrInvalidArgument, "enqueuer is required")
	}
	if dispatcher == nil {
		return nil, schedulerError(ErrInvalidArgument, "dispatcher is required")
	}
	if builder == nil {
		return nil, schedulerError(ErrInvalidArgument, "job builder is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	cfg.normalize()
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	return &Runtime{
		enqueuer:   enqueuer,
		dispatcher: dispatcher,
		builder:    builder,
		log:        log,
		limiter:    rate.NewLimiter(limit, cfg.DispatchBurst),
		config:     cfg,
		tasks:      map[string]Task{},
	}, nil
}

// Register adds a task. The job payload is built once here so a bad payload fails early.
func (r *Runtime) Register(task Task) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if _, err := r.buildJob(task); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks lists registered task names in sorted order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs all registered tasks until context cancellation.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(tasks))
	for _, task := range tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, task)
	}

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests scheduler shutdown and waits for active loops.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// Trigger dispatches one task immediately, outside its schedule. It reports whether a job was
// pushed.
func (r *Runtime) Trigger(ctx context.Context, taskName string) (bool, error) {
	if r == nil {
		return false, schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	r.mu.Lock()
	task, ok := r.tasks[strings.TrimSpace(taskName)]
	r.mu.Unlock()
	if !ok {
		return false, schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", taskName))
	}
	return r.dispatchTask(ctx, task)
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	interval, err := task.Interval()
	if err != nil {
		r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := r.dispatchTask(ctx, task); err != nil && ctx.Err() == nil {
			r.log.Error("scheduler dispatch failed", "task", task.Name, "error", err)
		}
	}
}

func (r *Runtime) dispatchTask(ctx context.Context, task Task) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	incrementSchedulerDispatchInFlight(task.Name)
	defer decrementSchedulerDispatchInFlight(task.Name)

	if err := r.limiter.Wait(ctx); err != nil {
		recordSchedulerDispatch(task.Name, "cancelled")
		return false, err
	}

	job, err := r.buildJob(task)
	if err != nil {
		recordSchedulerDispatch(task.Name, "error")
		return false, err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, r.config.DispatchTimeout)
	defer cancel()

	queued, err := r.enqueuer.Queue(dispatchCtx, r.dispatcher, job)
	switch {
	case err != nil:
		recordSchedulerDispatch(task.Name, "error")
		return false, fmt.Errorf("dispatch task %q: %w", task.Name, err)
	case !queued:
		recordSchedulerDispatch(task.Name, "skipped")
		r.log.Debug("scheduler dispatch skipped, job is being queued elsewhere", "task", task.Name, "job_name", job.Name())
		return false, nil
	default:
		recordSchedulerDispatch(task.Name, "queued")
		r.log.Debug("scheduler dispatched job", "task", task.Name, "job_name", job.Name())
		return true, nil
	}
}

func (r *Runtime) buildJob(task Task) (jobs.Job, error) {
	payload, err := task.payload()
	if err != nil {
		return nil, err
	}
	job, err := r.builder.Build(task.JobName, payload)
	if err != nil {
		return nil, fmt.Errorf("build job for task %q: %w", task.Name, err)
	}
	return job, nil
}
