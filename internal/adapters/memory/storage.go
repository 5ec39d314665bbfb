package memory

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Storage is a process-local ordered key/value store. Transactions hold the
// write lock for their whole duration, so they are serializable.
type Storage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	logger *slog.Logger
}

func NewStorage(logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}

	return &Storage{
		data:   make(map[string][]byte),
		logger: logger.With("component", "storage", "type", "memory"),
	}
}

func (s *Storage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, domain.ErrNotStarted
	}
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(value), true, nil
}

func (s *Storage) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}
	s.data[key] = copyBytes(value)
	return nil
}

func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}
	delete(s.data, key)
	return nil
}

func (s *Storage) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrNotStarted
	}
	return listByPrefix(s.data, nil, prefix), nil
}

func (s *Storage) RunInTransaction(fn func(tx ports.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}

	tx := &transaction{base: s.data, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		s.logger.Debug("transaction rolled back", "error", err)
		return err
	}

	for key, value := range tx.writes {
		if value == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = value
	}
	return nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string][]byte)
	return nil
}

// transaction overlays buffered writes on the base map. A nil value marks a
// delete.
type transaction struct {
	base   map[string][]byte
	writes map[string][]byte
}

func (t *transaction) Get(key string) ([]byte, bool, error) {
	if value, ok := t.writes[key]; ok {
		if value == nil {
			return nil, false, nil
		}
		return copyBytes(value), true, nil
	}
	value, ok := t.base[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(value), true, nil
}

func (t *transaction) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	t.writes[key] = copyBytes(value)
	return nil
}

func (t *transaction) Delete(key string) error {
	t.writes[key] = nil
	return nil
}

func (t *transaction) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	return listByPrefix(t.base, t.writes, prefix), nil
}

func listByPrefix(base, overlay map[string][]byte, prefix string) []ports.KeyValue {
	merged := make(map[string][]byte)
	for key, value := range base {
		if strings.HasPrefix(key, prefix) {
			merged[key] = value
		}
	}
	for key, value := range overlay {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}

	results := make([]ports.KeyValue, 0, len(merged))
	for key, value := range merged {
		results = append(results, ports.KeyValue{Key: key, Value: copyBytes(value)})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
