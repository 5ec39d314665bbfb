package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	"github.com/eleven-am/weave/internal/xjson"
)

// EventStore is the ports.EventHistory kept in the key/value store under
// weave:event:<run>:<unix nanos>:<event id>.
type EventStore struct {
	kv     ports.StoragePort
	logger *slog.Logger
}

func NewEventStore(kv ports.StoragePort, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventStore{
		kv:     kv,
		logger: logger.With("component", "event-store"),
	}
}

func (s *EventStore) Append(_ context.Context, record domain.EventRecord) error {
	runID := record.RunID()
	eventID := record.EventID()
	if runID == "" || eventID == "" {
		return fmt.Errorf("event record needs a run id and event id: %w", domain.ErrInvalidInput)
	}

	data, err := xjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", eventID, err)
	}

	key := domain.EventKey(runID, record.Timestamp, eventID)
	if err := s.kv.Put(key, data); err != nil {
		return fmt.Errorf("store event %s: %w", eventID, err)
	}

	s.logger.Debug("stored event", "event_id", eventID, "run_id", runID, "key", key)
	return nil
}

func (s *EventStore) ListForRun(_ context.Context, runID string) ([]domain.EventRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required: %w", domain.ErrInvalidInput)
	}

	items, err := s.kv.ListByPrefix(domain.EventPrefixFor(runID))
	if err != nil {
		return nil, err
	}

	records := make([]domain.EventRecord, 0, len(items))
	for _, kv := range items {
		var rec domain.EventRecord
		if err := xjson.Unmarshal(kv.Value, &rec); err != nil {
			s.logger.Warn("skipping undecodable event", "key", kv.Key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// PruneBefore deletes every event stamped strictly before the cutoff and
// returns how many were removed.
func (s *EventStore) PruneBefore(_ context.Context, before time.Time) (int, error) {
	items, err := s.kv.ListByPrefix(domain.EventPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := before.UnixNano()
	var stale []string
	for _, kv := range items {
		stamp, ok := eventStamp(kv.Key)
		if !ok {
			continue
		}
		if stamp < cutoff {
			stale = append(stale, kv.Key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.kv.RunInTransaction(func(tx ports.Transaction) error {
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("pruned events", "count", len(stale), "before", before)
	return len(stale), nil
}

func eventStamp(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, domain.EventPrefix)
	parts := strings.Split(rest, ":")
	if len(parts) < 3 {
		return 0, false
	}
	n, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
