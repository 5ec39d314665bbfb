package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// EventHistory is the ports.EventHistory sharing the store's pool.
type EventHistory struct {
	store *Store
}

func (s *Store) Events() *EventHistory {
	return &EventHistory{store: s}
}

func (h *EventHistory) Append(ctx context.Context, record domain.EventRecord) error {
	runID, eventID := record.RunID(), record.EventID()
	if runID == "" || eventID == "" {
		return fmt.Errorf("event record needs a run id and event id: %w", domain.ErrInvalidInput)
	}

	data, err := xjson.Marshal(record)
	if err != nil {
		return err
	}

	_, err = h.store.pool.Exec(ctx, `
		INSERT INTO workflow_events (id, workflow_execution_id, occurred_at, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		eventID, runID, record.Timestamp, data)
	return err
}

func (h *EventHistory) ListForRun(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	rows, err := h.store.pool.Query(ctx,
		`SELECT data FROM workflow_events WHERE workflow_execution_id = $1 ORDER BY occurred_at, seq`, runID)
	if err != nil {
		return nil, err
	}

	records, err := scanAll[domain.EventRecord](rows)
	if err != nil {
		return nil, err
	}

	out := make([]domain.EventRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out, nil
}

func (h *EventHistory) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := h.store.pool.Exec(ctx, `DELETE FROM workflow_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
