// Package config provides configuration loading and validation for the redlock tooling.
package config

import (
	"time"

	"github.com/nimburion/redlock/pkg/redlock"
)

// Store type constants
const (
	StoreTypeRedis     = "redis"
	StoreTypePostgres  = "postgres"
	StoreTypeDynamoDB  = "dynamodb"
	StoreTypeMemcached = "memcached"
	StoreTypeMemory    = "memory"
)

// Job dispatcher type constants
const (
	DispatcherTypeRedis  = "redis"
	DispatcherTypeSQS    = "sqs"
	DispatcherTypeMemory = "memory"
)

const (
	DefaultEnvPrefix   = "REDLOCK"
	DefaultServiceName = "redlock"
	// DefaultLockTTL is the ttl used when neither the caller nor the job names one.
	DefaultLockTTL = 5 * time.Minute
)

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Lock          LockConfig          `mapstructure:"lock"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// ServiceConfig identifies the running process in logs, traces and lock owners.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig configures logging, tracing and the metrics endpoint.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	// MetricsAddr enables the management listener (/metrics, /health, /ready) when non-empty,
	// for example ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LockConfig configures the quorum store set and the acquisition algorithm.
type LockConfig struct {
	Stores []StoreConfig `mapstructure:"stores"`
	// Servers is a shortcut for a list of redis stores given by URL.
	Servers          []string      `mapstructure:"servers" redact:"url"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	RetryCount       int           `mapstructure:"retry_count"`
	RetryDelayMin    time.Duration `mapstructure:"retry_delay_min"`
	RetryDelayMax    time.Duration `mapstructure:"retry_delay_max"`
	DriftFactor      float64       `mapstructure:"drift_factor"`
	ClockSlack       time.Duration `mapstructure:"clock_slack"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// StoreConfig describes one quorum member. Which fields apply depends on Type.
type StoreConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	URL      string `mapstructure:"url" redact:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password" redact:"true"`
	// Database is the redis logical database number or the postgres database name.
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`

	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" redact:"true"`
	SecretAccessKey string `mapstructure:"secret_access_key" redact:"true"`
	SessionToken    string `mapstructure:"session_token" redact:"true"`
}

// BreakerConfig enables a circuit breaker in front of every store.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures int           `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// JobsConfig configures the job dispatcher and the worker.
type JobsConfig struct {
	// Dispatcher selects the queue transport; empty disables job commands.
	Dispatcher string           `mapstructure:"dispatcher"`
	Queue      string           `mapstructure:"queue"`
	LockTTL    time.Duration    `mapstructure:"lock_ttl"`
	Redis      JobsRedisConfig  `mapstructure:"redis"`
	SQS        JobsSQSConfig    `mapstructure:"sqs"`
	Worker     JobsWorkerConfig `mapstructure:"worker"`
}

// JobsRedisConfig configures the redis list dispatcher.
type JobsRedisConfig struct {
	URL              string        `mapstructure:"url" redact:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// JobsSQSConfig configures the SQS dispatcher.
type JobsSQSConfig struct {
	Region            string        `mapstructure:"region"`
	QueueURL          string        `mapstructure:"queue_url"`
	DeadLetterURL     string        `mapstructure:"dead_letter_url"`
	Endpoint          string        `mapstructure:"endpoint"`
	AccessKeyID       string        `mapstructure:"access_key_id" redact:"true"`
	SecretAccessKey   string        `mapstructure:"secret_access_key" redact:"true"`
	SessionToken      string        `mapstructure:"session_token" redact:"true"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// JobsWorkerConfig configures job consumption.
type JobsWorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// SchedulerConfig configures periodic job production.
type SchedulerConfig struct {
	// DispatchRate caps enqueues per second across all tasks; zero disables the limit.
	DispatchRate  float64      `mapstructure:"dispatch_rate"`
	DispatchBurst int          `mapstructure:"dispatch_burst"`
	Tasks         []TaskConfig `mapstructure:"tasks"`
}

// TaskConfig schedules one registered job. Schedule has the form "@every <duration>".
type TaskConfig struct {
	Name     string            `mapstructure:"name"`
	Job      string            `mapstructure:"job"`
	Schedule string            `mapstructure:"schedule"`
	Payload  map[string]string `mapstructure:"payload"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	algorithm := redlock.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			Name:        DefaultServiceName,
			Environment: "development",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingEndpoint:   "localhost:4317",
			TracingSampleRate: 0.1,
		},
		Lock: LockConfig{
			KeyPrefix:        "redlock",
			DefaultTTL:       DefaultLockTTL,
			RetryCount:       algorithm.RetryCount,
			RetryDelayMin:    algorithm.RetryDelayMin,
			RetryDelayMax:    algorithm.RetryDelayMax,
			DriftFactor:      algorithm.DriftFactor,
			ClockSlack:       algorithm.ClockSlack,
			OperationTimeout: algorithm.OperationTimeout,
			Breaker: BreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
		Jobs: JobsConfig{
			Dispatcher: "",
			Queue:      "default",
			LockTTL:    DefaultLockTTL,
			Redis: JobsRedisConfig{
				Prefix:           "redlock:jobs",
				OperationTimeout: 5 * time.Second,
			},
			SQS: JobsSQSConfig{
				WaitTime:          10 * time.Second,
				VisibilityTimeout: 30 * time.Second,
			},
			Worker: JobsWorkerConfig{
				Concurrency:    1,
				MaxAttempts:    3,
				PollTimeout:    time.Second,
				AttemptTimeout: 5 * time.Minute,
				StopTimeout:    30 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			DispatchRate:  0,
			DispatchBurst: 1,
		},
	}
}

// Algorithm converts the lock section into engine settings.
func (c LockConfig) Algorithm() redlock.Config {
	return redlock.Config{
		RetryCount:       c.RetryCount,
		RetryDelayMin:    c.RetryDelayMin,
		RetryDelayMax:    c.RetryDelayMax,
		DriftFactor:      c.DriftFactor,
		ClockSlack:       c.ClockSlack,
		OperationTimeout: c.OperationTimeout,
	}
}
