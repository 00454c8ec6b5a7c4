package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of a queued job.
type Envelope struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope encodes job as JSON into a fresh envelope for queue.
func NewEnvelope(queue string, job Job) (Envelope, error) {
	if job == nil {
		return Envelope{}, jobsError(ErrInvalidArgument, "job is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Envelope{}, jobsError(ErrValidation, fmt.Sprintf("encode job %q: %v", job.Name(), err))
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Name:      job.Name(),
		Queue:     queue,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return env, env.Validate()
}

// Validate checks the fields workers rely on.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return jobsError(ErrValidation, "envelope id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return jobsError(ErrValidation, "envelope name is required")
	}
	if strings.TrimSpace(e.Queue) == "" {
		return jobsError(ErrValidation, "envelope queue is required")
	}
	if e.Attempt < 0 {
		return jobsError(ErrValidation, "envelope attempt must be >= 0")
	}
	return nil
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, jobsError(ErrValidation, fmt.Sprintf("decode envelope: %v", err))
	}
	return env, env.Validate()
}

// DeadLetter is an envelope parked after exhausting its attempts. A message that could not be
// decoded at all is parked with a zero Envelope and its original bytes in Raw.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Raw      string    `json:"raw,omitempty"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

func newDeadLetter(env Envelope, reason error) DeadLetter {
	letter := DeadLetter{Envelope: env, FailedAt: time.Now().UTC()}
	if reason != nil {
		letter.Reason = reason.Error()
	}
	return letter
}

func newRawDeadLetter(raw []byte, reason error) DeadLetter {
	letter := newDeadLetter(Envelope{}, reason)
	letter.Raw = string(raw)
	return letter
}

// Factory rebuilds a job from its envelope payload.
type Factory func(payload json.RawMessage) (Job, error)

// JSONFactory returns a Factory that unmarshals the payload into a new T.
//
//	registry.Register("report", jobs.JSONFactory[ReportJob]())
func JSONFactory[T any, PT interface {
	*T
	Job
}]() Factory {
	return func(payload json.RawMessage) (Job, error) {
		job := PT(new(T))
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, job); err != nil {
				return nil, jobsError(ErrValidation, fmt.Sprintf("decode payload: %v", err))
			}
		}
		return job, nil
	}
}

// Registry maps job names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a factory to a job name, replacing any previous binding.
func (r *Registry) Register(name string, factory Factory) error {
	if r == nil {
		return jobsError(ErrNotInitialized, "registry is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return jobsError(ErrInvalidArgument, "job name is required")
	}
	if factory == nil {
		return jobsError(ErrInvalidArgument, "factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return nil
}

// Build creates the job registered under name from payload.
func (r *Registry) Build(name string, payload json.RawMessage) (Job, error) {
	if r == nil {
		return nil, jobsError(ErrNotInitialized, "registry is not initialized")
	}
	r.mu.RLock()
	factory, ok := r.factories[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, jobsError(ErrUnknownJob, fmt.Sprintf("no factory registered for job %q", name))
	}

	job, err := factory(payload)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("factory for job %q returned nil", name))
	}
	if job.Name() != strings.TrimSpace(name) {
		return nil, jobsError(ErrValidation, fmt.Sprintf("factory for job %q built job %q", name, job.Name()))
	}
	return job, nil
}

// Decode rebuilds the job carried by env.
func (r *Registry) Decode(env Envelope) (Job, error) {
	return r.Build(env.Name, env.Payload)
}

// Names lists registered job names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
