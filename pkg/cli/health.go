package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nimburion/redlock/pkg/config"
	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/redlock"
	"github.com/nimburion/redlock/pkg/store"
	"github.com/spf13/cobra"
)

const (
	quorumCheckName = "lock-quorum"
	queueCheckName  = "jobs-queue"
)

// unreachable stands in for a store or queue that could not even be constructed.
type unreachable struct {
	err error
}

func (u unreachable) HealthCheck(context.Context) error { return u.err }

func newHealthcheckCommand(cc *commandContext) *cobra.Command {
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to every lock store and the jobs queue",
		Long: "Prints the aggregated result as JSON. Exits non-zero when a quorum of lock stores\n" +
			"is unreachable or the configured jobs queue is down; a degraded quorum only warns.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := cc.loadConfig(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			registry, closeAll := cc.buildHealthRegistry(cfg, log)
			defer closeAll()

			result := registry.Check(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			switch result.Status {
			case health.StatusUnhealthy:
				return errors.New("healthcheck failed")
			case health.StatusDegraded:
				log.Warn("healthcheck degraded", "checks", len(result.Checks))
			}
			return nil
		},
	}
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return healthCmd
}

// buildHealthRegistry builds the quorum check over one check per store and, when a dispatcher
// is configured, the queue check. Construction failures become failing checks.
func (c *commandContext) buildHealthRegistry(cfg *config.Config, log logger.Logger) (*health.Registry, func()) {
	registry := health.NewRegistry()
	registry.Register(health.NewPingChecker("liveness"))

	var opened []redlock.Store
	var members []health.Checker
	if stores, err := c.opts.StoresFactory(cfg.Lock, log); err == nil {
		opened = stores
		for _, member := range stores {
			members = append(members, health.NewStoreChecker(member))
		}
	} else {
		// Build each store on its own so one bad endpoint does not hide the others.
		for index, descriptor := range store.Descriptors(cfg.Lock) {
			member, buildErr := store.NewLockStore(descriptor, cfg.Lock, log)
			if buildErr != nil {
				name := "store:" + strconv.Itoa(index) + ":" + descriptor.Type
				members = append(members, health.NewAdapterChecker(name, unreachable{err: buildErr}, 0))
				continue
			}
			opened = append(opened, member)
			members = append(members, health.NewStoreChecker(member))
		}
	}
	// Store checks only feed the quorum check: a single unreachable store is degraded, not down.
	registry.Register(health.NewQuorumChecker(quorumCheckName, members...))

	closeQueue := func() {}
	if cfg.Jobs.Dispatcher != "" {
		queue, err := c.opts.QueueFactory(cfg.Jobs, log)
		if err != nil {
			registry.Register(health.NewQueueChecker(queueCheckName, unreachable{err: err}))
		} else {
			registry.Register(health.NewQueueChecker(queueCheckName, queue))
			closeQueue = func() { _ = queue.Close() }
		}
	}

	return registry, func() {
		closeQueue()
		if err := store.CloseAll(opened); err != nil {
			log.Error("failed to close lock stores", "error", fmt.Errorf("healthcheck: %w", err))
		}
	}
}
