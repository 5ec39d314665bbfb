package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ports.TaskHandler
}

func NewRegistry(handlers ...ports.TaskHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]ports.TaskHandler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(handler ports.TaskHandler) error {
	if handler == nil || handler.TaskType() == "" {
		return fmt.Errorf("handler must declare a task type: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handler.TaskType()]; exists {
		return fmt.Errorf("handler for %q: %w", handler.TaskType(), domain.ErrAlreadyExists)
	}
	r.handlers[handler.TaskType()] = handler
	return nil
}

func (r *Registry) Get(taskType string) (ports.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
