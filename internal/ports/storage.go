package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// StoragePort is the ordered key/value contract the embedded stores build on.
type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]KeyValue, error)
	RunInTransaction(fn func(tx Transaction) error) error
	Close() error
}

type Transaction interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]KeyValue, error)
}

type KeyValue struct {
	Key   string
	Value []byte
}

type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	GetDefinitionByNameVersion(ctx context.Context, name string, version int) (*domain.WorkflowDefinition, error)
	GetLatestDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error)
	SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
}

type RunStore interface {
	CreateRun(ctx context.Context, run *domain.WorkflowExecution) error
	GetRun(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	GetRunByCorrelationID(ctx context.Context, correlationID string) (*domain.WorkflowExecution, error)
	SaveRun(ctx context.Context, run *domain.WorkflowExecution) error
	FindRunsByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.WorkflowExecution, error)
	FindStuckRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error)
	FindTerminalRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error)
	FindPausedRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error)
	CountActiveRuns(ctx context.Context, definitionID string) (int, error)
	// DeleteRun removes the run together with its task runs and review points.
	DeleteRun(ctx context.Context, id string) error
}

type TaskStore interface {
	CreateTaskExecution(ctx context.Context, run *domain.WorkflowExecution, task *domain.TaskDefinition, inputs map[string]string) (*domain.TaskExecution, error)
	SaveTaskExecution(ctx context.Context, task *domain.TaskExecution) error
	GetTaskExecution(ctx context.Context, id string) (*domain.TaskExecution, error)
	// ListTaskExecutions returns the run's task runs in creation order.
	ListTaskExecutions(ctx context.Context, runID string) ([]*domain.TaskExecution, error)
	FindAwaitingRetryBefore(ctx context.Context, before time.Time) ([]*domain.TaskExecution, error)
}

type ReviewStore interface {
	CreateReviewPoint(ctx context.Context, task *domain.TaskExecution) (*domain.UserReviewPoint, error)
	GetReviewPoint(ctx context.Context, id string) (*domain.UserReviewPoint, error)
	GetReviewPointForTask(ctx context.Context, taskExecutionID string) (*domain.UserReviewPoint, error)
	SaveReviewPoint(ctx context.Context, point *domain.UserReviewPoint) error
	ListReviewPoints(ctx context.Context, runID string) ([]*domain.UserReviewPoint, error)
	ListPendingReviewPoints(ctx context.Context) ([]*domain.UserReviewPoint, error)
}

type Store interface {
	DefinitionStore
	RunStore
	TaskStore
	ReviewStore
	Close() error
}
