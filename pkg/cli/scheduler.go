package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimburion/redlock/pkg/config"
	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/scheduler"
	"github.com/spf13/cobra"
)

type triggerOutput struct {
	Task   string `json:"task"`
	Queued bool   `json:"queued"`
}

func newSchedulerCommand(cc *commandContext) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Periodic job production deduplicated across replicas",
	}
	SetCommandPolicies(schedulerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured scheduler tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			runtime, closeAll, err := cc.openScheduler(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeAll()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runtime.Start(runCtx)
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	schedulerCmd.AddCommand(runCmd)

	triggerCmd := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Dispatch one configured task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			runtime, closeAll, err := cc.openScheduler(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeAll()

			queued, err := runtime.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), triggerOutput{Task: args[0], Queued: queued})
		},
	}
	SetCommandPolicies(triggerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	schedulerCmd.AddCommand(triggerCmd)

	return schedulerCmd
}

// openScheduler builds the lock runtime, queue and scheduler with every configured task
// registered. The returned func closes all of them.
func (c *commandContext) openScheduler(cmd *cobra.Command, cfg *config.Config, log logger.Logger) (*scheduler.Runtime, func(), error) {
	rt, err := c.openLockRuntime(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, err
	}
	queue, registry, err := c.openJobs(cfg, log)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	rt.addReadiness(health.NewQueueChecker(queueCheckName, queue))
	closeAll := func() {
		if closeErr := queue.Close(); closeErr != nil {
			log.Error("failed to close jobs queue", "error", closeErr)
		}
		rt.Close()
	}

	guard, err := rt.newGuard()
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create job guard: %w", err)
	}
	runtime, err := scheduler.NewRuntime(guard, queue, registry, log, scheduler.Config{
		DispatchRate:  cfg.Scheduler.DispatchRate,
		DispatchBurst: cfg.Scheduler.DispatchBurst,
	})
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	for _, task := range scheduler.TasksFromConfig(cfg.Scheduler) {
		if err := runtime.Register(task); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("register task %q: %w", task.Name, err)
		}
	}
	return runtime, closeAll, nil
}
