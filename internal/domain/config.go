package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-" mapstructure:"-"`

	Engine         EngineConfig         `json:"engine" yaml:"engine" mapstructure:"engine"`
	Scheduler      SchedulerConfig      `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Retry          RetryConfig          `json:"retry" yaml:"retry" mapstructure:"retry"`
	Storage        StorageConfig        `json:"storage" yaml:"storage" mapstructure:"storage"`
	Server         ServerConfig         `json:"server" yaml:"server" mapstructure:"server"`
	Handlers       HandlerConfig        `json:"handlers" yaml:"handlers" mapstructure:"handlers"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter" yaml:"rate_limiter" mapstructure:"rate_limiter"`
	Tracing        TracingConfig        `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Log            LogConfig            `json:"log" yaml:"log" mapstructure:"log"`
}

type EngineConfig struct {
	WorkerCount            int           `json:"worker_count" yaml:"worker_count" mapstructure:"worker_count"`
	MaxConcurrentWorkflows int           `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows" mapstructure:"max_concurrent_workflows"`
	DefaultTaskTimeout     time.Duration `json:"default_task_timeout" yaml:"default_task_timeout" mapstructure:"default_task_timeout"`
	ShutdownTimeout        time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// MaxConcurrentPerType caps running tasks per task type. Types not listed
	// use DefaultPerTypeLimit; zero means unlimited.
	MaxConcurrentPerType map[string]int `json:"max_concurrent_per_type,omitempty" yaml:"max_concurrent_per_type,omitempty" mapstructure:"max_concurrent_per_type"`
	DefaultPerTypeLimit  int            `json:"default_per_type_limit" yaml:"default_per_type_limit" mapstructure:"default_per_type_limit"`
}

type SchedulerConfig struct {
	Enabled                    bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RetryInterval              time.Duration `json:"retry_interval" yaml:"retry_interval" mapstructure:"retry_interval"`
	RetryFailureThreshold      int           `json:"retry_failure_threshold" yaml:"retry_failure_threshold" mapstructure:"retry_failure_threshold"`
	StuckCheckInterval         time.Duration `json:"stuck_check_interval" yaml:"stuck_check_interval" mapstructure:"stuck_check_interval"`
	StuckWorkflowTimeout       time.Duration `json:"stuck_workflow_timeout" yaml:"stuck_workflow_timeout" mapstructure:"stuck_workflow_timeout"`
	AutoRetryStuck             bool          `json:"auto_retry_stuck" yaml:"auto_retry_stuck" mapstructure:"auto_retry_stuck"`
	CleanupInterval            time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	CompletedWorkflowRetention time.Duration `json:"completed_workflow_retention" yaml:"completed_workflow_retention" mapstructure:"completed_workflow_retention"`
	PausedCheckInterval        time.Duration `json:"paused_check_interval" yaml:"paused_check_interval" mapstructure:"paused_check_interval"`
	PausedThreshold            time.Duration `json:"paused_threshold" yaml:"paused_threshold" mapstructure:"paused_threshold"`
}

type RetryConfig struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" mapstructure:"initial_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`
	JitterFactor    float64       `json:"jitter_factor" yaml:"jitter_factor" mapstructure:"jitter_factor"`
}

type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageBadger   StorageDriver = "badger"
	StoragePostgres StorageDriver = "postgres"
)

type StorageConfig struct {
	Driver   StorageDriver `json:"driver" yaml:"driver" mapstructure:"driver"`
	DSN      string        `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`
	DataDir  string        `json:"data_dir,omitempty" yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	MaxConns int32         `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`
	Migrate  bool          `json:"migrate" yaml:"migrate" mapstructure:"migrate"`
}

type ServerConfig struct {
	Address         string        `json:"address" yaml:"address" mapstructure:"address"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	EnableMetrics   bool          `json:"enable_metrics" yaml:"enable_metrics" mapstructure:"enable_metrics"`
}

type HandlerConfig struct {
	HTTPTimeout   time.Duration `json:"http_timeout" yaml:"http_timeout" mapstructure:"http_timeout"`
	RedisAddr     string        `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisPassword string        `json:"-" yaml:"redis_password,omitempty" mapstructure:"redis_password"`
	RedisDB       int           `json:"redis_db" yaml:"redis_db" mapstructure:"redis_db"`
	DefaultStream string        `json:"default_stream" yaml:"default_stream" mapstructure:"default_stream"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	MaxRequests      uint32        `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	Interval         time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type RateLimiterConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size" mapstructure:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout" mapstructure:"wait_timeout"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry" mapstructure:"key_expiry"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// PerHost overrides RequestsPerSecond for individual upstream hosts. It is
	// a list because host names contain the config key separator.
	PerHost []HostRate `json:"per_host,omitempty" yaml:"per_host,omitempty" mapstructure:"per_host"`
}

type HostRate struct {
	Host              string  `json:"host" yaml:"host" mapstructure:"host"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" mapstructure:"sampling_rate"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}
