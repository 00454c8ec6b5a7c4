package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/redlock/pkg/config"
)

// Task produces one registered job on an "@every <duration>" schedule.
type Task struct {
	Name     string
	JobName  string
	Schedule string
	Payload  map[string]string
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.TrimSpace(t.JobName) == "" {
		return schedulerError(ErrValidation, "task job is required")
	}
	if _, err := t.Interval(); err != nil {
		return err
	}
	return nil
}

// Interval returns the period of an "@every <duration>" schedule.
func (t *Task) Interval() (time.Duration, error) {
	interval, err := config.ParseEvery(t.Schedule)
	if err != nil {
		return 0, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("task %q has an invalid schedule", t.Name)), err)
	}
	return interval, nil
}

func (t *Task) payload() (json.RawMessage, error) {
	if len(t.Payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("encode payload of task %q: %v", t.Name, err))
	}
	return raw, nil
}

// TasksFromConfig converts the scheduler section into tasks.
func TasksFromConfig(cfg config.SchedulerConfig) []Task {
	tasks := make([]Task, 0, len(cfg.Tasks))
	for _, entry := range cfg.Tasks {
		payload := make(map[string]string, len(entry.Payload))
		for key, value := range entry.Payload {
			payload[key] = value
		}
		tasks = append(tasks, Task{
			Name:     strings.TrimSpace(entry.Name),
			JobName:  strings.TrimSpace(entry.Job),
			Schedule: strings.TrimSpace(entry.Schedule),
			Payload:  payload,
		})
	}
	return tasks
}
