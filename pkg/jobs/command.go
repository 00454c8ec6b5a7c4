package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandJobName is the registry name of CommandJob.
const CommandJobName = "command"

// CommandJob runs an external command. Its payload fields are strings so scheduler task
// payloads map onto it directly:
//
//	payload: {command: "backup.sh --full", instance: "db1", lock_ttl: "30m"}
type CommandJob struct {
	// Command is split on whitespace; no shell quoting is applied.
	Command string `json:"command"`
	// Instance narrows the lock so different instances may run side by side.
	Instance string `json:"instance,omitempty"`
	// TTL is a duration string such as "30m". Empty uses the guard default.
	TTL string `json:"lock_ttl,omitempty"`

	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Name implements Job.
func (j *CommandJob) Name() string { return CommandJobName }

// LockResourceSuffix implements Identity.
func (j *CommandJob) LockResourceSuffix() (string, bool) {
	instance := strings.TrimSpace(j.Instance)
	return instance, instance != ""
}

// LockTTL implements Identity. An unparsable TTL falls back to the guard default.
func (j *CommandJob) LockTTL() time.Duration {
	ttl, err := time.ParseDuration(strings.TrimSpace(j.TTL))
	if err != nil {
		return 0
	}
	return ttl
}

// Handle implements Job. The process is killed when ctx ends.
func (j *CommandJob) Handle(ctx context.Context) error {
	args := strings.Fields(j.Command)
	if len(args) == 0 {
		return jobsError(ErrValidation, "command is required")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = j.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = j.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %q failed: %w", args[0], err)
	}
	return nil
}
