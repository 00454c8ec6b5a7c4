package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/redlock/pkg/config"
	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/jobs"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/observability/metrics"
	"github.com/nimburion/redlock/pkg/observability/tracing"
	"github.com/nimburion/redlock/pkg/redlock"
	"github.com/nimburion/redlock/pkg/server"
	ginrouter "github.com/nimburion/redlock/pkg/server/router/gin"
	"github.com/nimburion/redlock/pkg/store"
	"github.com/nimburion/redlock/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// lockRuntime owns everything a lock-using command needs: the store set, the engine, the
// optional tracer provider and the optional management listener.
type lockRuntime struct {
	cfg        *config.Config
	log        logger.Logger
	stores     []redlock.Store
	engine     *redlock.Engine
	tracer     *tracing.TracerProvider
	readiness  *health.Registry
	management *server.ManagementServer
}

func (c *commandContext) openLockRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*lockRuntime, error) {
	rt := &lockRuntime{cfg: cfg, log: log}

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}
	rt.tracer = tracer

	stores, err := c.opts.StoresFactory(cfg.Lock, log)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create lock stores: %w", err)
	}
	rt.stores = stores

	engine, err := redlock.New(stores, log, cfg.Lock.Algorithm())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create lock engine: %w", err)
	}
	rt.engine = engine

	rt.readiness = health.NewRegistry()
	rt.readiness.Register(health.NewStoreQuorumChecker(quorumCheckName, stores))

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		management, err := server.NewManagementServer(
			server.Config{Addr: addr},
			ginrouter.NewRouter(),
			log,
			rt.readiness,
			metrics.Handler(),
		)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create management server: %w", err)
		}
		if err := management.Start(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("start management server: %w", err)
		}
		rt.management = management
	}
	return rt, nil
}

// addReadiness adds a check to /ready, for example the jobs queue of a worker.
func (rt *lockRuntime) addReadiness(checker health.Checker) {
	rt.readiness.Register(checker)
}

// newGuard builds the overlap guard on top of the engine.
func (rt *lockRuntime) newGuard() (*jobs.Guard, error) {
	return jobs.NewGuard(rt.engine, rt.log, jobs.GuardConfig{DefaultTTL: rt.cfg.Jobs.LockTTL})
}

// Close releases every resource opened by openLockRuntime. Safe on a partially built runtime.
func (rt *lockRuntime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if rt.management != nil {
		if err := rt.management.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop management server: %w", err))
		}
	}
	if len(rt.stores) > 0 {
		if err := store.CloseAll(rt.stores); err != nil {
			errs = append(errs, fmt.Errorf("close lock stores: %w", err))
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		rt.log.Error("failed to close runtime", "error", err)
	}
}

// openJobs builds the queue and the job registry, with the command job and any
// service-specific factories registered.
func (c *commandContext) openJobs(cfg *config.Config, log logger.Logger) (jobs.Queue, *jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := registry.Register(jobs.CommandJobName, jobs.JSONFactory[jobs.CommandJob]()); err != nil {
		return nil, nil, err
	}
	if c.opts.ConfigureJobs != nil {
		if err := c.opts.ConfigureJobs(cfg, log, registry); err != nil {
			return nil, nil, fmt.Errorf("configure jobs: %w", err)
		}
	}

	queue, err := c.opts.QueueFactory(cfg.Jobs, log)
	if err != nil {
		return nil, nil, fmt.Errorf("create jobs queue: %w", err)
	}
	return queue, registry, nil
}
