package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// ConditionalStrategy walks execution order levels one task at a time.
// Start tasks always run. Later tasks run only when their predicate holds,
// unless the previous task branched to them explicitly. A task that some
// other task names as its success or failure branch is only reached through
// that branch.
type ConditionalStrategy struct {
	r          *runner
	sequential *SequentialStrategy
	evaluator  ports.PredicateEvaluator
}

func NewConditionalStrategy(r *runner, sequential *SequentialStrategy, evaluator ports.PredicateEvaluator) *ConditionalStrategy {
	return &ConditionalStrategy{r: r, sequential: sequential, evaluator: evaluator}
}

func (c *ConditionalStrategy) Type() domain.StrategyType {
	return domain.StrategyConditional
}

func (c *ConditionalStrategy) ExecuteSubset(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, taskIDs []string) (domain.WorkflowStatus, error) {
	return c.sequential.ExecuteSubset(ctx, run, def, taskIDs)
}

func (c *ConditionalStrategy) Execute(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition) (domain.WorkflowStatus, error) {
	if len(def.Tasks) == 0 {
		run.ErrorMessage = "workflow has no tasks"
		if err := c.r.saveProgress(ctx, run); err != nil {
			return domain.WorkflowStatusFailed, err
		}
		return domain.WorkflowStatusFailed, nil
	}

	for i, level := range levels(def) {
		for _, task := range level {
			status, ok, err := c.r.checkpoint(ctx, run, -1)
			if err != nil || !ok {
				return status, err
			}

			if i > 0 {
				if pass, reason := c.admit(run, task); !pass {
					c.r.logger.Debug("conditional task skipped", "run_id", run.ID, "task_id", task.ID, "reason", reason)
					if err := c.r.skip(ctx, run, task, reason); err != nil {
						return domain.WorkflowStatusFailed, err
					}
					continue
				}
			}

			status, done, err := c.follow(ctx, run, def, task)
			if err != nil || done {
				return status, err
			}
		}
	}

	return domain.WorkflowStatusCompleted, nil
}

// admit evaluates the task's predicate against the current variables. An
// empty predicate admits the task; one that fails to evaluate does not.
func (c *ConditionalStrategy) admit(run *domain.WorkflowExecution, task domain.TaskDefinition) (bool, string) {
	expr := strings.TrimSpace(task.ConditionalExpression)
	if expr == "" {
		return true, ""
	}
	ok, err := c.evaluator.Evaluate(expr, run.Variables)
	if err != nil {
		c.r.logger.Warn("conditional expression could not be evaluated",
			"run_id", run.ID, "task_id", task.ID, "expression", expr, "error", err)
		return false, "condition could not be evaluated: " + err.Error()
	}
	if !ok {
		return false, "condition not met: " + expr
	}
	return true, ""
}

// follow runs task and then every explicit branch hop after it. done reports
// that the run reached a resting status and the level walk must stop.
func (c *ConditionalStrategy) follow(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, task domain.TaskDefinition) (domain.WorkflowStatus, bool, error) {
	for hops := 0; ; hops++ {
		if hops > len(def.Tasks) {
			return domain.WorkflowStatusFailed, true, domain.NewOrchestrationError(run.ID, "follow_branch",
				fmt.Errorf("branch chain from task %s does not terminate", task.ID))
		}
		if hops > 0 {
			status, ok, err := c.r.checkpoint(ctx, run, -1)
			if err != nil || !ok {
				return status, true, err
			}
		}

		st, err := c.r.runTask(ctx, run, task)
		if err != nil {
			return domain.WorkflowStatusFailed, true, err
		}
		switch st.kind {
		case stepReview:
			return domain.WorkflowStatusAwaitingUserReview, true, nil
		case stepDeferred:
			return domain.WorkflowStatusRunning, true, nil
		}

		var next string
		switch st.task.Status {
		case domain.TaskStatusCompleted:
			if err := c.r.mergeOutputs(run, st.task); err != nil {
				return domain.WorkflowStatusFailed, true, err
			}
			if err := c.r.saveProgress(ctx, run); err != nil {
				return domain.WorkflowStatusFailed, true, err
			}
			next = task.NextTaskOnSuccess

		case domain.TaskStatusFailed:
			run.ErrorMessage = failureMessage(st.task)
			if err := c.r.saveProgress(ctx, run); err != nil {
				return domain.WorkflowStatusFailed, true, err
			}
			if task.NextTaskOnFailure == "" {
				return domain.WorkflowStatusFailed, true, nil
			}
			next = task.NextTaskOnFailure
		}

		if next == "" {
			return domain.WorkflowStatusRunning, false, nil
		}
		if task, err = mustTask(def, next); err != nil {
			return domain.WorkflowStatusFailed, true, err
		}
	}
}

// levels groups tasks by execution order. The first level holds the start
// tasks; later levels leave out tasks that are branch targets.
func levels(def *domain.WorkflowDefinition) [][]domain.TaskDefinition {
	targets := make(map[string]bool)
	for _, t := range def.Tasks {
		if t.NextTaskOnSuccess != "" {
			targets[t.NextTaskOnSuccess] = true
		}
		if t.NextTaskOnFailure != "" {
			targets[t.NextTaskOnFailure] = true
		}
	}

	low := def.MinExecutionOrder()
	byOrder := make(map[int][]domain.TaskDefinition)
	for _, t := range def.OrderedTasks() {
		order := t.EffectiveOrder(low)
		if order != low && targets[t.ID] {
			continue
		}
		byOrder[order] = append(byOrder[order], t)
	}

	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)

	out := make([][]domain.TaskDefinition, 0, len(orders))
	for _, o := range orders {
		out = append(out, byOrder[o])
	}
	return out
}
