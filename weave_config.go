package weave

import (
	"log/slog"

	"github.com/eleven-am/weave/internal/config"
	"github.com/eleven-am/weave/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type SchedulerConfig = domain.SchedulerConfig

type RetryConfig = domain.RetryConfig

type StorageConfig = domain.StorageConfig

type HandlerConfig = domain.HandlerConfig

type StorageDriver = domain.StorageDriver

const (
	StorageMemory   StorageDriver = domain.StorageMemory
	StorageBadger   StorageDriver = domain.StorageBadger
	StoragePostgres StorageDriver = domain.StoragePostgres
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML file, or weave.yaml from the usual places when path
// is empty, with WEAVE_ environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	cb.config.Storage.Driver = StorageMemory
	return cb
}

func (cb *ConfigBuilder) WithBadgerStorage(dataDir string) *ConfigBuilder {
	cb.config.Storage.Driver = StorageBadger
	cb.config.Storage.DataDir = dataDir
	return cb
}

func (cb *ConfigBuilder) WithPostgresStorage(dsn string) *ConfigBuilder {
	cb.config.Storage.Driver = StoragePostgres
	cb.config.Storage.DSN = dsn
	return cb
}

func (cb *ConfigBuilder) WithWorkers(workers, maxConcurrentWorkflows int) *ConfigBuilder {
	cb.config.Engine.WorkerCount = workers
	cb.config.Engine.MaxConcurrentWorkflows = maxConcurrentWorkflows
	return cb
}

func (cb *ConfigBuilder) WithScheduler(enabled bool) *ConfigBuilder {
	cb.config.Scheduler.Enabled = enabled
	return cb
}

func (cb *ConfigBuilder) WithRedis(addr, password string, db int) *ConfigBuilder {
	cb.config.Handlers.RedisAddr = addr
	cb.config.Handlers.RedisPassword = password
	cb.config.Handlers.RedisDB = db
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
