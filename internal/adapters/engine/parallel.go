package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/weave/internal/domain"
)

const parallelFailureMessage = "one or more tasks failed"

// ParallelStrategy runs each execution order group concurrently and waits
// for the whole group to settle before the next one starts.
type ParallelStrategy struct {
	r          *runner
	sequential *SequentialStrategy
}

func NewParallelStrategy(r *runner, sequential *SequentialStrategy) *ParallelStrategy {
	return &ParallelStrategy{r: r, sequential: sequential}
}

func (p *ParallelStrategy) Type() domain.StrategyType {
	return domain.StrategyParallel
}

func (p *ParallelStrategy) Execute(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition) (domain.WorkflowStatus, error) {
	return p.groups(ctx, run, def, def.OrderedTasks(), true)
}

func (p *ParallelStrategy) ExecuteSubset(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, taskIDs []string) (domain.WorkflowStatus, error) {
	return p.groups(ctx, run, def, subset(def, taskIDs), false)
}

type groupOutcome struct {
	task    domain.TaskDefinition
	kind    stepKind
	settled []*domain.TaskExecution
	failed  *domain.TaskExecution
	handled string
}

func (p *ParallelStrategy) groups(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, tasks []domain.TaskDefinition, trackIndex bool) (domain.WorkflowStatus, error) {
	low := def.MinExecutionOrder()

	for start := 0; start < len(tasks); {
		end := start + 1
		for end < len(tasks) && tasks[end].EffectiveOrder(low) == tasks[start].EffectiveOrder(low) {
			end++
		}
		group := tasks[start:end]

		checkpointAt := -1
		if trackIndex {
			checkpointAt = start
		}
		status, ok, err := p.r.checkpoint(ctx, run, checkpointAt)
		if err != nil || !ok {
			return status, err
		}

		if needsReview(group) {
			p.r.logger.Info("review gate in parallel group, continuing sequentially",
				"run_id", run.ID, "execution_order", group[0].EffectiveOrder(low))
			return p.sequential.walk(ctx, run, tasks, start, trackIndex)
		}

		outcomes := make([]groupOutcome, len(group))
		var g errgroup.Group
		for i, task := range group {
			g.Go(func() error {
				out, err := p.settle(ctx, run, def, task)
				outcomes[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return domain.WorkflowStatusFailed, err
		}

		var completed []*domain.TaskExecution
		failed, deferred, review := false, false, false
		for _, out := range outcomes {
			completed = append(completed, out.settled...)
			if out.handled != "" {
				run.ErrorMessage = out.handled
			}
			switch {
			case out.kind == stepReview:
				review = true
			case out.kind == stepDeferred:
				deferred = true
			case out.failed != nil:
				failed = true
				p.r.logger.Warn("task in parallel group failed",
					"run_id", run.ID, "task_id", out.task.ID, "error", out.failed.ErrorMessage)
			}
		}

		if failed {
			run.ErrorMessage = parallelFailureMessage
			if err := p.r.saveProgress(ctx, run); err != nil {
				return domain.WorkflowStatusFailed, err
			}
			return domain.WorkflowStatusFailed, nil
		}

		if err := p.r.mergeOutputs(run, completed...); err != nil {
			return domain.WorkflowStatusFailed, err
		}
		if err := p.r.saveProgress(ctx, run); err != nil {
			return domain.WorkflowStatusFailed, err
		}

		switch {
		case review:
			return domain.WorkflowStatusAwaitingUserReview, nil
		case deferred:
			return domain.WorkflowStatusRunning, nil
		}
		start = end
	}

	return domain.WorkflowStatusCompleted, nil
}

// settle runs one task of a group, following its failure handler if it has
// one. settled collects every completed run whose outputs belong in the
// variables; failed is set when the failure was not handled.
func (p *ParallelStrategy) settle(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, task domain.TaskDefinition) (groupOutcome, error) {
	out := groupOutcome{task: task}

	st, err := p.r.runTask(ctx, run, task)
	if err != nil {
		return out, err
	}
	out.kind = st.kind
	if st.kind != stepSettled {
		return out, nil
	}

	switch st.task.Status {
	case domain.TaskStatusCompleted:
		out.settled = append(out.settled, st.task)
		return out, nil
	case domain.TaskStatusFailed:
	default:
		return out, nil
	}

	if task.NextTaskOnFailure == "" {
		out.failed = st.task
		return out, nil
	}

	handler, err := mustTask(def, task.NextTaskOnFailure)
	if err != nil {
		return out, err
	}
	out.handled = failureMessage(st.task)
	hs, err := p.r.runTask(ctx, run, handler)
	if err != nil {
		return out, err
	}
	out.kind = hs.kind
	if hs.kind != stepSettled {
		return out, nil
	}
	switch hs.task.Status {
	case domain.TaskStatusCompleted:
		out.settled = append(out.settled, hs.task)
	case domain.TaskStatusFailed:
		out.failed = hs.task
	}
	return out, nil
}

func needsReview(group []domain.TaskDefinition) bool {
	for _, t := range group {
		if t.RequireUserReview {
			return true
		}
	}
	return false
}
