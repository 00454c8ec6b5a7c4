package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimburion/redlock/pkg/redlock"
	"github.com/spf13/cobra"
)

// lockOutput is the JSON shape printed by "lock acquire".
type lockOutput struct {
	Resource   string    `json:"resource"`
	Token      string    `json:"token"`
	TTLMillis  int64     `json:"ttl_ms"`
	ValidMs    int64     `json:"validity_ms"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type releaseOutput struct {
	Resource string `json:"resource"`
	Released int    `json:"released"`
	Stores   int    `json:"stores"`
}

func newLockCommand(cc *commandContext) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire and release quorum locks",
	}
	SetCommandPolicies(lockCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	var ttl time.Duration
	acquireCmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire a lock and print its handle as JSON",
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

			lock, ok, err := rt.engine.Lock(cmd.Context(), args[0], resolveTTL(ttl, cfg.Lock.DefaultTTL))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s is held elsewhere or quorum is unreachable", redlock.ErrAcquisitionFailed, args[0])
			}
			return writeJSON(cmd.OutOrStdout(), lockOutput{
				Resource:   lock.Resource,
				Token:      lock.Token,
				TTLMillis:  lock.TTL.Milliseconds(),
				ValidMs:    lock.Validity.Milliseconds(),
				AcquiredAt: lock.AcquiredAt,
				ExpiresAt:  lock.ExpiresAt(),
			})
		},
	}
	acquireCmd.Flags().DurationVar(&ttl, "ttl", 0, "lock ttl (defaults to lock.default_ttl)")
	SetCommandPolicies(acquireCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	lockCmd.AddCommand(acquireCmd)

	releaseCmd := &cobra.Command{
		Use:   "release <resource> <token>",
		Short: "Release a lock previously acquired with \"lock acquire\"",
		Args:  cobra.ExactArgs(2),
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

			released := rt.engine.Unlock(cmd.Context(), &redlock.Lock{Resource: args[0], Token: args[1]})
			return writeJSON(cmd.OutOrStdout(), releaseOutput{
				Resource: args[0],
				Released: released,
				Stores:   len(rt.stores),
			})
		},
	}
	SetCommandPolicies(releaseCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	lockCmd.AddCommand(releaseCmd)

	return lockCmd
}

func newRunCommand(cc *commandContext) *cobra.Command {
	var ttl time.Duration
	runCmd := &cobra.Command{
		Use:   "run <resource> -- <command> [args...]",
		Short: "Run a command while holding a lock",
		Long: "Acquires <resource>, runs the command and releases the lock when it exits. The lock is\n" +
			"refreshed every ttl/2; if a refresh loses quorum the command is killed.",
		Args: cobra.MinimumNArgs(2),
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

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runGuarded(runCtx, rt.engine, args[0], resolveTTL(ttl, cfg.Lock.DefaultTTL), args[1:], commandIO{
				stdin:  cmd.InOrStdin(),
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
			})
		},
	}
	runCmd.Flags().DurationVar(&ttl, "ttl", 0, "lock ttl (defaults to lock.default_ttl)")
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return runCmd
}

type commandIO struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

var errLockLost = errors.New("lock lost while the command was running")

// runGuarded runs argv under RunLocked and keeps the lock alive with a refresh every ttl/2.
func runGuarded(ctx context.Context, engine *redlock.Engine, resource string, ttl time.Duration, argv []string, stdio commandIO) error {
	started := false
	_, ok, err := redlock.RunLocked(ctx, engine, resource, ttl, func(workCtx context.Context, refresher redlock.Refresher) (struct{}, error) {
		started = true
		child := exec.CommandContext(workCtx, argv[0], argv[1:]...)
		child.Stdin = stdio.stdin
		child.Stdout = stdio.stdout
		child.Stderr = stdio.stderr
		if err := child.Start(); err != nil {
			return struct{}{}, fmt.Errorf("start %s: %w", argv[0], err)
		}

		done := make(chan struct{})
		refreshed := make(chan error, 1)
		go func() { refreshed <- keepAlive(workCtx, refresher, ttl/2, done) }()

		waitErr := child.Wait()
		close(done)
		if refreshErr := <-refreshed; refreshErr != nil {
			return struct{}{}, errors.Join(errLockLost, refreshErr)
		}
		return struct{}{}, waitErr
	})
	// An interrupt surfaces as a killed child or an abandoned acquisition; report it as such.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("run %s interrupted: %w", resource, errors.Join(ctxErr, err))
	}
	switch {
	case err != nil:
		return err
	case !started:
		return fmt.Errorf("%w: %s is held elsewhere or quorum is unreachable", redlock.ErrAcquisitionFailed, resource)
	case !ok:
		return errLockLost
	default:
		return nil
	}
}

// keepAlive refreshes until done is closed and returns the first refresh failure. A failed
// refresh cancels the work context, which kills the child.
func keepAlive(ctx context.Context, refresher redlock.Refresher, every time.Duration, done <-chan struct{}) error {
	if every <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := refresher.Refresh(ctx); err != nil {
				return err
			}
		}
	}
}

func resolveTTL(flagValue, configured time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
