package scheduler

import (
	"context"
	"encoding/json"

	"github.com/nimburion/redlock/pkg/jobs"
)

// Enqueuer pushes a job unless an identical job is being enqueued elsewhere. *jobs.Guard
// implements it.
type Enqueuer interface {
	Queue(ctx context.Context, dispatcher jobs.Dispatcher, job jobs.Job) (bool, error)
}

// JobBuilder turns a task payload into a job. *jobs.Registry implements it.
type JobBuilder interface {
	Build(name string, payload json.RawMessage) (jobs.Job, error)
}
