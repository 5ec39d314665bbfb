package ports

import (
	"context"

	"github.com/eleven-am/weave/internal/domain"
)

type WorkflowEngine interface {
	ExecuteWorkflow(ctx context.Context, runID string) error
	ExecuteTaskSubset(ctx context.Context, runID string, taskIDs []string) error
	RestartTask(ctx context.Context, runID, taskExecutionID string) error
}

// ExecutionStrategy drives one run to its next resting status. Execute blocks
// the calling goroutine only at task dispatch boundaries.
type ExecutionStrategy interface {
	Type() domain.StrategyType
	Execute(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition) (domain.WorkflowStatus, error)
	ExecuteSubset(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, taskIDs []string) (domain.WorkflowStatus, error)
}

type PredicateEvaluator interface {
	Evaluate(expression string, variables map[string]string) (bool, error)
}

type ReviewService interface {
	SubmitReview(ctx context.Context, reviewPointID string, decision domain.ReviewDecision, reviewer, comment string) (*domain.WorkflowExecution, error)
	ListPending(ctx context.Context) ([]*domain.UserReviewPoint, error)
}
