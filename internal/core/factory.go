package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/weave/internal/adapters/circuit_breaker"
	"github.com/eleven-am/weave/internal/adapters/dispatch"
	"github.com/eleven-am/weave/internal/adapters/events"
	"github.com/eleven-am/weave/internal/adapters/memory"
	"github.com/eleven-am/weave/internal/adapters/postgres"
	"github.com/eleven-am/weave/internal/adapters/rate_limiter"
	"github.com/eleven-am/weave/internal/adapters/storage"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// persistence is what a storage driver contributes: the workflow store, the
// event history next to it and a health check.
type persistence struct {
	store   ports.Store
	history ports.EventHistory
	ping    func(ctx context.Context) error
}

func createPersistence(ctx context.Context, cfg domain.StorageConfig, logger *slog.Logger) (*persistence, error) {
	switch cfg.Driver {
	case domain.StorageMemory, "":
		kv := memory.NewStorage(logger)
		return kvPersistence(kv, logger), nil

	case domain.StorageBadger:
		kv, err := storage.OpenAppStorage(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		return kvPersistence(kv, logger), nil

	case domain.StoragePostgres:
		store, err := postgres.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &persistence{
			store:   store,
			history: store.Events(),
			ping:    store.Ping,
		}, nil
	}
	return nil, domain.NewConfigError("storage.driver", fmt.Errorf("unknown driver %q: %w", cfg.Driver, domain.ErrInvalidInput))
}

func kvPersistence(kv ports.StoragePort, logger *slog.Logger) *persistence {
	return &persistence{
		store:   storage.NewWorkflowStore(kv, logger),
		history: events.NewEventStore(kv, logger),
		ping: func(context.Context) error {
			_, _, err := kv.Get(domain.DefinitionPrefix)
			return err
		},
	}
}

// handlerSet is the built-in task handlers plus whatever the caller adds,
// with the resources they hold.
type handlerSet struct {
	registry *dispatch.Registry
	breakers *circuit_breaker.Provider
	limiter  *rate_limiter.Limiter
	redis    *redis.Client
}

func createHandlers(cfg *domain.Config, extra []ports.TaskHandler, logger *slog.Logger) (*handlerSet, error) {
	set := &handlerSet{}

	var breakers ports.CircuitBreakerProvider
	if cfg.CircuitBreaker.Enabled {
		set.breakers = circuit_breaker.NewProvider(cfg.CircuitBreaker, logger)
		breakers = set.breakers
	}
	var limiter ports.RateLimiter
	if cfg.RateLimiter.Enabled {
		set.limiter = rate_limiter.NewLimiter(cfg.RateLimiter, logger)
		limiter = set.limiter
	}

	handlers := []ports.TaskHandler{
		dispatch.NewRestAPIHandler(&http.Client{Timeout: cfg.Handlers.HTTPTimeout}, breakers, limiter, logger),
		dispatch.NewSetVariablesHandler(logger),
		dispatch.NewDelayHandler(logger),
	}
	if cfg.Handlers.RedisAddr != "" {
		set.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Handlers.RedisAddr,
			Password: cfg.Handlers.RedisPassword,
			DB:       cfg.Handlers.RedisDB,
		})
		handlers = append(handlers, dispatch.NewQueueHandler(set.redis, cfg.Handlers.DefaultStream, logger))
	}

	registry, err := dispatch.NewRegistry(handlers...)
	if err != nil {
		set.close()
		return nil, err
	}
	for _, h := range extra {
		if err := registry.Register(h); err != nil {
			set.close()
			return nil, err
		}
	}
	set.registry = registry
	return set, nil
}

func (s *handlerSet) close() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
