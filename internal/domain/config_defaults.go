package domain

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultRetryDelay            = 5 * time.Second
	DefaultRetryFailureThreshold = 3
)

func DefaultConfig() *Config {
	return &Config{
		Engine:         DefaultEngineConfig(),
		Scheduler:      DefaultSchedulerConfig(),
		Retry:          DefaultRetryConfig(),
		Storage:        DefaultStorageConfig(),
		Server:         DefaultServerConfig(),
		Handlers:       DefaultHandlerConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
		Tracing:        DefaultTracingConfig(),
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerCount:            10,
		MaxConcurrentWorkflows: 50,
		DefaultTaskTimeout:     5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:                    true,
		RetryInterval:              10 * time.Second,
		RetryFailureThreshold:      DefaultRetryFailureThreshold,
		StuckCheckInterval:         5 * time.Minute,
		StuckWorkflowTimeout:       30 * time.Minute,
		AutoRetryStuck:             true,
		CleanupInterval:            24 * time.Hour,
		CompletedWorkflowRetention: 30 * 24 * time.Hour,
		PausedCheckInterval:        time.Hour,
		PausedThreshold:            24 * time.Hour,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Second,
		Multiplier:      2.0,
		MaxInterval:     10 * time.Second,
		JitterFactor:    0.25,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:   StorageMemory,
		DataDir:  "./data",
		MaxConns: 10,
		Migrate:  true,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		EnableMetrics:   true,
	}
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		HTTPTimeout:   30 * time.Second,
		DefaultStream: "weave:tasks",
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         10 * time.Second,
		Timeout:          60 * time.Second,
	}
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           false,
		RequestsPerSecond: 100,
		BurstSize:         100,
		WaitTimeout:       5 * time.Second,
		KeyExpiry:         10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      false,
		ServiceName:  "weave",
		SamplingRate: 1.0,
	}
}

func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) WithStorage(driver StorageDriver, dsn string) *Config {
	c.Storage.Driver = driver
	c.Storage.DSN = dsn
	return c
}

func (c *Config) WithEngineSettings(workers, maxWorkflows int, taskTimeout time.Duration) *Config {
	c.Engine.WorkerCount = workers
	c.Engine.MaxConcurrentWorkflows = maxWorkflows
	c.Engine.DefaultTaskTimeout = taskTimeout
	return c
}

func (c *Config) Validate() error {
	if c.Engine.WorkerCount <= 0 {
		return NewConfigError("engine.worker_count", ErrInvalidInput)
	}
	if c.Engine.MaxConcurrentWorkflows <= 0 {
		return NewConfigError("engine.max_concurrent_workflows", ErrInvalidInput)
	}
	if c.Engine.DefaultPerTypeLimit < 0 {
		return NewConfigError("engine.default_per_type_limit", ErrInvalidInput)
	}
	for taskType, limit := range c.Engine.MaxConcurrentPerType {
		if limit <= 0 {
			return NewConfigError("engine.max_concurrent_per_type."+taskType, ErrInvalidInput)
		}
	}
	for i, hr := range c.RateLimiter.PerHost {
		if hr.Host == "" || hr.RequestsPerSecond <= 0 {
			return NewConfigError(fmt.Sprintf("rate_limiter.per_host[%d]", i), ErrInvalidInput)
		}
	}
	if c.Retry.InitialInterval <= 0 {
		return NewConfigError("retry.initial_interval", ErrInvalidInput)
	}
	if c.Retry.Multiplier < 1 {
		return NewConfigError("retry.multiplier", ErrInvalidInput)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return NewConfigError("retry.max_interval", fmt.Errorf("must be >= initial_interval: %w", ErrInvalidInput))
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return NewConfigError("retry.jitter_factor", ErrInvalidInput)
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.RetryInterval <= 0 {
			return NewConfigError("scheduler.retry_interval", ErrInvalidInput)
		}
		if c.Scheduler.RetryFailureThreshold <= 0 {
			return NewConfigError("scheduler.retry_failure_threshold", ErrInvalidInput)
		}
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.DataDir == "" {
			return NewConfigError("storage.data_dir", ErrInvalidInput)
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return NewConfigError("storage.dsn", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.driver", fmt.Errorf("unknown driver %q: %w", c.Storage.Driver, ErrInvalidInput))
	}

	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
