package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

const maxConflictRetries = 5

// AppStorage is the durable embedded key/value store backed by badger.
type AppStorage struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenAppStorage opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func OpenAppStorage(dir string, logger *slog.Logger) (*AppStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return NewAppStorage(db, logger), nil
}

func NewAppStorage(db *badger.DB, logger *slog.Logger) *AppStorage {
	if logger == nil {
		logger = slog.Default()
	}

	return &AppStorage{
		db:     db,
		logger: logger.With("component", "app-storage"),
	}
}

func (s *AppStorage) Get(key string) (value []byte, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		value, exists, err = getFromTxn(txn, key)
		return err
	})
	return value, exists, err
}

func (s *AppStorage) Put(key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *AppStorage) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *AppStorage) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var results []ports.KeyValue
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		results, err = listFromTxn(txn, prefix)
		return err
	})
	return results, err
}

// RunInTransaction retries fn when badger reports a write conflict with a
// concurrent transaction.
func (s *AppStorage) RunInTransaction(fn func(tx ports.Transaction) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.runOnce(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func (s *AppStorage) runOnce(fn func(tx ports.Transaction) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&transaction{txn: txn}); err != nil {
		return err
	}

	return txn.Commit()
}

func (s *AppStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *AppStorage) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrNotStarted
	}
	return nil
}

type transaction struct {
	txn *badger.Txn
}

func (t *transaction) Get(key string) ([]byte, bool, error) {
	return getFromTxn(t.txn, key)
}

func (t *transaction) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *transaction) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func (t *transaction) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	return listFromTxn(t.txn, prefix)
}

func getFromTxn(txn *badger.Txn, key string) ([]byte, bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func listFromTxn(txn *badger.Txn, prefix string) ([]ports.KeyValue, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var results []ports.KeyValue
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		results = append(results, ports.KeyValue{
			Key:   string(item.KeyCopy(nil)),
			Value: value,
		})
	}
	return results, nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
