package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// EventPublisher is fire and forget: implementations log delivery problems
// and never fail the caller.
type EventPublisher interface {
	PublishWorkflowEvent(ctx context.Context, event domain.WorkflowEvent)
	PublishTaskEvent(ctx context.Context, event domain.TaskEvent)
}

type EventManager interface {
	EventPublisher
	OnWorkflowEvent(handler func(event domain.WorkflowEvent)) error
	OnTaskEvent(handler func(event domain.TaskEvent)) error
	Stop() error
}

// EventHistory keeps the durable per-run record of published events.
type EventHistory interface {
	Append(ctx context.Context, record domain.EventRecord) error
	ListForRun(ctx context.Context, runID string) ([]domain.EventRecord, error)
	PruneBefore(ctx context.Context, before time.Time) (int, error)
}
