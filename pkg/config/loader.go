package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// flagKeys maps command-line flag names to configuration keys. Only flags present in the
// bound flag set are used.
var flagKeys = map[string]string{
	"log-level":    "observability.log_level",
	"log-format":   "observability.log_format",
	"metrics-addr": "observability.metrics_addr",
	"servers":      "lock.servers",
	"key-prefix":   "lock.key_prefix",
	"ttl":          "lock.default_ttl",
	"retry-count":  "lock.retry_count",
	"queue":        "jobs.queue",
	"concurrency":  "jobs.worker.concurrency",
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
	flags              *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to "REDLOCK")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// WithFlags binds known command-line flags. A flag set on the command line wins over every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path to the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > secrets file > config file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.LoadWithSecrets()
	return cfg, err
}

func (l *ViperLoader) newViper() (*viper.Viper, *Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secrets, err := l.mergeSecrets(v)
	if err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(l.resolvedPrefix())
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}
	return v, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"), l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"), l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("OBSERVABILITY_TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("OBSERVABILITY_TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("OBSERVABILITY_METRICS_ADDR"), l.prefixedEnv("METRICS_ADDR"))

	// Lock
	v.BindEnv("lock.servers", l.prefixedEnv("LOCK_SERVERS"))
	v.BindEnv("lock.key_prefix", l.prefixedEnv("LOCK_KEY_PREFIX"))
	v.BindEnv("lock.default_ttl", l.prefixedEnv("LOCK_DEFAULT_TTL"))
	v.BindEnv("lock.retry_count", l.prefixedEnv("LOCK_RETRY_COUNT"))
	v.BindEnv("lock.retry_delay_min", l.prefixedEnv("LOCK_RETRY_DELAY_MIN"))
	v.BindEnv("lock.retry_delay_max", l.prefixedEnv("LOCK_RETRY_DELAY_MAX"))
	v.BindEnv("lock.drift_factor", l.prefixedEnv("LOCK_DRIFT_FACTOR"))
	v.BindEnv("lock.clock_slack", l.prefixedEnv("LOCK_CLOCK_SLACK"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.breaker.enabled", l.prefixedEnv("LOCK_BREAKER_ENABLED"))
	v.BindEnv("lock.breaker.max_failures", l.prefixedEnv("LOCK_BREAKER_MAX_FAILURES"))
	v.BindEnv("lock.breaker.open_timeout", l.prefixedEnv("LOCK_BREAKER_OPEN_TIMEOUT"))

	// Jobs
	v.BindEnv("jobs.dispatcher", l.prefixedEnv("JOBS_DISPATCHER"))
	v.BindEnv("jobs.queue", l.prefixedEnv("JOBS_QUEUE"))
	v.BindEnv("jobs.lock_ttl", l.prefixedEnv("JOBS_LOCK_TTL"))
	v.BindEnv("jobs.redis.url", l.prefixedEnv("JOBS_REDIS_URL"))
	v.BindEnv("jobs.redis.prefix", l.prefixedEnv("JOBS_REDIS_PREFIX"))
	v.BindEnv("jobs.redis.operation_timeout", l.prefixedEnv("JOBS_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.sqs.region", l.prefixedEnv("JOBS_SQS_REGION"))
	v.BindEnv("jobs.sqs.queue_url", l.prefixedEnv("JOBS_SQS_QUEUE_URL"))
	v.BindEnv("jobs.sqs.dead_letter_url", l.prefixedEnv("JOBS_SQS_DEAD_LETTER_URL"))
	v.BindEnv("jobs.sqs.endpoint", l.prefixedEnv("JOBS_SQS_ENDPOINT"))
	v.BindEnv("jobs.sqs.access_key_id", l.prefixedEnv("JOBS_SQS_ACCESS_KEY_ID"))
	v.BindEnv("jobs.sqs.secret_access_key", l.prefixedEnv("JOBS_SQS_SECRET_ACCESS_KEY"))
	v.BindEnv("jobs.sqs.session_token", l.prefixedEnv("JOBS_SQS_SESSION_TOKEN"))
	v.BindEnv("jobs.sqs.wait_time", l.prefixedEnv("JOBS_SQS_WAIT_TIME"))
	v.BindEnv("jobs.sqs.visibility_timeout", l.prefixedEnv("JOBS_SQS_VISIBILITY_TIMEOUT"))
	v.BindEnv("jobs.worker.concurrency", l.prefixedEnv("JOBS_WORKER_CONCURRENCY"))
	v.BindEnv("jobs.worker.max_attempts", l.prefixedEnv("JOBS_WORKER_MAX_ATTEMPTS"))
	v.BindEnv("jobs.worker.poll_timeout", l.prefixedEnv("JOBS_WORKER_POLL_TIMEOUT"))
	v.BindEnv("jobs.worker.attempt_timeout", l.prefixedEnv("JOBS_WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("jobs.worker.stop_timeout", l.prefixedEnv("JOBS_WORKER_STOP_TIMEOUT"))

	// Scheduler
	v.BindEnv("scheduler.dispatch_rate", l.prefixedEnv("SCHEDULER_DISPATCH_RATE"))
	v.BindEnv("scheduler.dispatch_burst", l.prefixedEnv("SCHEDULER_DISPATCH_BURST"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) resolvedPrefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.resolvedPrefix(), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)

	v.SetDefault("lock.servers", cfg.Lock.Servers)
	v.SetDefault("lock.key_prefix", cfg.Lock.KeyPrefix)
	v.SetDefault("lock.default_ttl", cfg.Lock.DefaultTTL)
	v.SetDefault("lock.retry_count", cfg.Lock.RetryCount)
	v.SetDefault("lock.retry_delay_min", cfg.Lock.RetryDelayMin)
	v.SetDefault("lock.retry_delay_max", cfg.Lock.RetryDelayMax)
	v.SetDefault("lock.drift_factor", cfg.Lock.DriftFactor)
	v.SetDefault("lock.clock_slack", cfg.Lock.ClockSlack)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.breaker.enabled", cfg.Lock.Breaker.Enabled)
	v.SetDefault("lock.breaker.max_failures", cfg.Lock.Breaker.MaxFailures)
	v.SetDefault("lock.breaker.open_timeout", cfg.Lock.Breaker.OpenTimeout)

	v.SetDefault("jobs.dispatcher", cfg.Jobs.Dispatcher)
	v.SetDefault("jobs.queue", cfg.Jobs.Queue)
	v.SetDefault("jobs.lock_ttl", cfg.Jobs.LockTTL)
	v.SetDefault("jobs.redis.url", cfg.Jobs.Redis.URL)
	v.SetDefault("jobs.redis.prefix", cfg.Jobs.Redis.Prefix)
	v.SetDefault("jobs.redis.operation_timeout", cfg.Jobs.Redis.OperationTimeout)
	v.SetDefault("jobs.sqs.region", cfg.Jobs.SQS.Region)
	v.SetDefault("jobs.sqs.queue_url", cfg.Jobs.SQS.QueueURL)
	v.SetDefault("jobs.sqs.dead_letter_url", cfg.Jobs.SQS.DeadLetterURL)
	v.SetDefault("jobs.sqs.endpoint", cfg.Jobs.SQS.Endpoint)
	v.SetDefault("jobs.sqs.wait_time", cfg.Jobs.SQS.WaitTime)
	v.SetDefault("jobs.sqs.visibility_timeout", cfg.Jobs.SQS.VisibilityTimeout)
	v.SetDefault("jobs.worker.concurrency", cfg.Jobs.Worker.Concurrency)
	v.SetDefault("jobs.worker.max_attempts", cfg.Jobs.Worker.MaxAttempts)
	v.SetDefault("jobs.worker.poll_timeout", cfg.Jobs.Worker.PollTimeout)
	v.SetDefault("jobs.worker.attempt_timeout", cfg.Jobs.Worker.AttemptTimeout)
	v.SetDefault("jobs.worker.stop_timeout", cfg.Jobs.Worker.StopTimeout)

	v.SetDefault("scheduler.dispatch_rate", cfg.Scheduler.DispatchRate)
	v.SetDefault("scheduler.dispatch_burst", cfg.Scheduler.DispatchBurst)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	cfg.Lock.Servers = normalizeStringSlice(cfg.Lock.Servers)

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}
	if cfg.Observability.TracingEnabled && strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	errs = append(errs, validateLock(&cfg.Lock)...)
	errs = append(errs, validateJobs(&cfg.Jobs)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)

	return errors.Join(errs...)
}

func validateLock(lock *LockConfig) []error {
	var errs []error
	if lock.DefaultTTL <= 0 {
		errs = append(errs, errors.New("lock.default_ttl must be > 0"))
	}
	if lock.RetryCount < 1 {
		errs = append(errs, errors.New("lock.retry_count must be >= 1"))
	}
	if lock.RetryDelayMin < 0 || lock.RetryDelayMax < 0 {
		errs = append(errs, errors.New("lock.retry_delay_min and lock.retry_delay_max must be >= 0"))
	}
	if lock.RetryDelayMax < lock.RetryDelayMin {
		errs = append(errs, errors.New("lock.retry_delay_max must be >= lock.retry_delay_min"))
	}
	if lock.DriftFactor < 0 || lock.DriftFactor >= 1 {
		errs = append(errs, errors.New("lock.drift_factor must be in [0, 1)"))
	}
	if lock.ClockSlack < 0 {
		errs = append(errs, errors.New("lock.clock_slack must be >= 0"))
	}
	if lock.OperationTimeout <= 0 {
		errs = append(errs, errors.New("lock.operation_timeout must be > 0"))
	}
	if lock.Breaker.Enabled {
		if lock.Breaker.MaxFailures < 1 {
			errs = append(errs, errors.New("lock.breaker.max_failures must be >= 1 when the breaker is enabled"))
		}
		if lock.Breaker.OpenTimeout <= 0 {
			errs = append(errs, errors.New("lock.breaker.open_timeout must be > 0 when the breaker is enabled"))
		}
	}

	validTypes := []string{StoreTypeRedis, StoreTypePostgres, StoreTypeDynamoDB, StoreTypeMemcached, StoreTypeMemory}
	names := map[string]int{}
	for index := range lock.Stores {
		store := &lock.Stores[index]
		store.Type = strings.ToLower(strings.TrimSpace(store.Type))
		if !contains(validTypes, store.Type) {
			errs = append(errs, fmt.Errorf("invalid lock.stores[%d].type: %q (must be one of: %v)", index, store.Type, validTypes))
			continue
		}
		if name := strings.TrimSpace(store.Name); name != "" {
			if previous, seen := names[name]; seen {
				errs = append(errs, fmt.Errorf("lock.stores[%d].name %q duplicates lock.stores[%d]", index, name, previous))
			}
			names[name] = index
		}
		switch store.Type {
		case StoreTypeRedis, StoreTypePostgres:
			if strings.TrimSpace(store.URL) == "" && strings.TrimSpace(store.Host) == "" {
				errs = append(errs, fmt.Errorf("lock.stores[%d] requires url or host for type %s", index, store.Type))
			}
		case StoreTypeMemcached:
			if strings.TrimSpace(store.Host) == "" {
				errs = append(errs, fmt.Errorf("lock.stores[%d].host is required for memcached", index))
			}
		case StoreTypeDynamoDB:
			if strings.TrimSpace(store.Region) == "" {
				errs = append(errs, fmt.Errorf("lock.stores[%d].region is required for dynamodb", index))
			}
		}
		if store.Port < 0 || store.Port > 65535 {
			errs = append(errs, fmt.Errorf("lock.stores[%d].port must be between 0 and 65535", index))
		}
	}
	return errs
}

func validateJobs(jobs *JobsConfig) []error {
	var errs []error
	jobs.Dispatcher = strings.ToLower(strings.TrimSpace(jobs.Dispatcher))
	validDispatchers := []string{"", DispatcherTypeRedis, DispatcherTypeSQS, DispatcherTypeMemory}
	if !contains(validDispatchers, jobs.Dispatcher) {
		errs = append(errs, fmt.Errorf("invalid jobs.dispatcher: %s (must be one of: %v)", jobs.Dispatcher, validDispatchers[1:]))
	}
	switch jobs.Dispatcher {
	case DispatcherTypeRedis:
		if strings.TrimSpace(jobs.Redis.URL) == "" {
			errs = append(errs, errors.New("jobs.redis.url is required when jobs.dispatcher=redis"))
		}
		if jobs.Redis.OperationTimeout <= 0 {
			errs = append(errs, errors.New("jobs.redis.operation_timeout must be > 0"))
		}
	case DispatcherTypeSQS:
		if strings.TrimSpace(jobs.SQS.Region) == "" {
			errs = append(errs, errors.New("jobs.sqs.region is required when jobs.dispatcher=sqs"))
		}
		if strings.TrimSpace(jobs.SQS.QueueURL) == "" {
			errs = append(errs, errors.New("jobs.sqs.queue_url is required when jobs.dispatcher=sqs"))
		}
		if jobs.SQS.WaitTime < 0 || jobs.SQS.WaitTime > 20*time.Second {
			errs = append(errs, errors.New("jobs.sqs.wait_time must be between 0s and 20s"))
		}
	}
	if strings.TrimSpace(jobs.Queue) == "" {
		errs = append(errs, errors.New("jobs.queue is required"))
	}
	if jobs.LockTTL <= 0 {
		errs = append(errs, errors.New("jobs.lock_ttl must be > 0"))
	}
	if jobs.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("jobs.worker.concurrency must be >= 1"))
	}
	if jobs.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("jobs.worker.max_attempts must be >= 1"))
	}
	if jobs.Worker.PollTimeout <= 0 {
		errs = append(errs, errors.New("jobs.worker.poll_timeout must be > 0"))
	}
	if jobs.Worker.AttemptTimeout < 0 {
		errs = append(errs, errors.New("jobs.worker.attempt_timeout must be >= 0"))
	}
	if jobs.Worker.StopTimeout <= 0 {
		errs = append(errs, errors.New("jobs.worker.stop_timeout must be > 0"))
	}
	return errs
}

func validateScheduler(scheduler *SchedulerConfig) []error {
	var errs []error
	if scheduler.DispatchRate < 0 {
		errs = append(errs, errors.New("scheduler.dispatch_rate must be >= 0"))
	}
	if scheduler.DispatchRate > 0 && scheduler.DispatchBurst < 1 {
		errs = append(errs, errors.New("scheduler.dispatch_burst must be >= 1 when a dispatch rate is set"))
	}
	names := map[string]bool{}
	for index, task := range scheduler.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name is required", index))
		} else if names[name] {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", index, name))
		}
		names[name] = true
		if strings.TrimSpace(task.Job) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].job is required", index))
		}
		if _, err := ParseEvery(task.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].schedule: %w", index, err))
		}
	}
	return errs
}

// ParseEvery parses a schedule of the form "@every <duration>".
func ParseEvery(schedule string) (time.Duration, error) {
	trimmed := strings.TrimSpace(schedule)
	raw, ok := strings.CutPrefix(trimmed, "@every ")
	if !ok {
		return 0, fmt.Errorf("unsupported schedule %q (expected \"@every <duration>\")", schedule)
	}
	interval, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", raw, err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("schedule interval must be > 0, got %s", interval)
	}
	return interval, nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
