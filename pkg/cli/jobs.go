package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/jobs"
	jobsfactory "github.com/nimburion/redlock/pkg/jobs/factory"
	"github.com/spf13/cobra"
)

type enqueueOutput struct {
	Job      string `json:"job"`
	Resource string `json:"resource"`
	Queued   bool   `json:"queued"`
}

func newJobsCommand(cc *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Overlap-guarded job commands",
	}
	SetCommandPolicies(jobsCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs and run each one under its ownership lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			rt, err := cc.openLockRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			queue, registry, err := cc.openJobs(cfg, log)
			if err != nil {
				return err
			}
			rt.addReadiness(health.NewQueueChecker(queueCheckName, queue))
			guard, err := rt.newGuard()
			if err != nil {
				_ = queue.Close()
				return fmt.Errorf("create job guard: %w", err)
			}
			// The worker closes the queue when it stops.
			worker, err := jobs.NewWorker(queue, registry, guard, log, jobsfactory.WorkerConfig(cfg.Jobs.Worker))
			if err != nil {
				_ = queue.Close()
				return fmt.Errorf("create worker: %w", err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return worker.Start(runCtx)
		},
	}
	workerCmd.Flags().String("queue", "", "queue name (defaults to jobs.queue)")
	workerCmd.Flags().Int("concurrency", 0, "number of concurrent job loops (defaults to jobs.worker.concurrency)")
	SetCommandPolicies(workerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	jobsCmd.AddCommand(workerCmd)

	var payload string
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <job>",
		Short: "Push a job unless the same job is being enqueued elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rt, err := cc.openLockRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			queue, registry, err := cc.openJobs(cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := queue.Close(); closeErr != nil {
					log.Error("failed to close jobs queue", "error", closeErr)
				}
			}()

			var raw json.RawMessage
			if trimmed := strings.TrimSpace(payload); trimmed != "" {
				raw = json.RawMessage(trimmed)
			}
			job, err := registry.Build(args[0], raw)
			if err != nil {
				return err
			}
			guard, err := rt.newGuard()
			if err != nil {
				return fmt.Errorf("create job guard: %w", err)
			}
			queued, err := guard.Queue(cmd.Context(), queue, job)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), enqueueOutput{
				Job:      job.Name(),
				Resource: jobs.ResourceKey(job),
				Queued:   queued,
			})
		},
	}
	enqueueCmd.Flags().StringVar(&payload, "payload", "", "job payload as JSON")
	enqueueCmd.Flags().String("queue", "", "queue name (defaults to jobs.queue)")
	SetCommandPolicies(enqueueCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	jobsCmd.AddCommand(enqueueCmd)

	return jobsCmd
}
