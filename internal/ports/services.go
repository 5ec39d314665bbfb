package ports

import (
	"context"

	"github.com/eleven-am/weave/internal/domain"
)

// DefinitionService manages versioned workflow definitions.
type DefinitionService interface {
	Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	Latest(ctx context.Context, name string) (*domain.WorkflowDefinition, error)
	// GetVersion treats a zero version as the latest one.
	GetVersion(ctx context.Context, name string, version int) (*domain.WorkflowDefinition, error)
	List(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// ExecutionService is the lifecycle surface over workflow runs.
type ExecutionService interface {
	Start(ctx context.Context, name string, version int, variables map[string]string) (*domain.WorkflowExecution, error)
	Get(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.WorkflowExecution, error)
	ListByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.WorkflowExecution, error)
	Tasks(ctx context.Context, id string) ([]*domain.TaskExecution, error)
	Pause(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	Resume(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	Cancel(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	Retry(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	RetrySubset(ctx context.Context, id string, taskIDs []string) (*domain.WorkflowExecution, error)
	UpdateStatus(ctx context.Context, id string, status domain.WorkflowStatus) (*domain.WorkflowExecution, error)
	Delete(ctx context.Context, id string) error
}
