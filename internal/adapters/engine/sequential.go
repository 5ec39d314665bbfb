package engine

import (
	"context"
	"fmt"

	"github.com/eleven-am/weave/internal/domain"
)

// SequentialStrategy runs tasks one at a time in execution order, resuming
// from the run's current task index.
type SequentialStrategy struct {
	r *runner
}

func NewSequentialStrategy(r *runner) *SequentialStrategy {
	return &SequentialStrategy{r: r}
}

func (s *SequentialStrategy) Type() domain.StrategyType {
	return domain.StrategySequential
}

func (s *SequentialStrategy) Execute(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition) (domain.WorkflowStatus, error) {
	return s.walk(ctx, run, def.OrderedTasks(), run.CurrentTaskIndex, true)
}

// ExecuteSubset runs only the named tasks, in their relative execution order.
// The run's task index is left alone.
func (s *SequentialStrategy) ExecuteSubset(ctx context.Context, run *domain.WorkflowExecution, def *domain.WorkflowDefinition, taskIDs []string) (domain.WorkflowStatus, error) {
	tasks := subset(def, taskIDs)
	if len(tasks) == 0 {
		return domain.WorkflowStatusCompleted, nil
	}
	return s.walk(ctx, run, tasks, 0, false)
}

func (s *SequentialStrategy) walk(ctx context.Context, run *domain.WorkflowExecution, tasks []domain.TaskDefinition, start int, trackIndex bool) (domain.WorkflowStatus, error) {
	if start < 0 {
		start = 0
	}
	branched := make(map[string]bool)

	for i := start; i < len(tasks); {
		checkpointAt := -1
		if trackIndex {
			checkpointAt = i
		}
		status, ok, err := s.r.checkpoint(ctx, run, checkpointAt)
		if err != nil || !ok {
			return status, err
		}

		task := tasks[i]
		st, err := s.r.runTask(ctx, run, task)
		if err != nil {
			return domain.WorkflowStatusFailed, err
		}

		switch st.kind {
		case stepReview:
			return domain.WorkflowStatusAwaitingUserReview, nil
		case stepDeferred:
			return domain.WorkflowStatusRunning, nil
		}

		switch st.task.Status {
		case domain.TaskStatusCompleted:
			if err := s.r.mergeOutputs(run, st.task); err != nil {
				return domain.WorkflowStatusFailed, err
			}
			if err := s.r.saveProgress(ctx, run); err != nil {
				return domain.WorkflowStatusFailed, err
			}
			i++

		case domain.TaskStatusFailed:
			run.ErrorMessage = failureMessage(st.task)
			next := -1
			if task.NextTaskOnFailure != "" && !branched[task.ID] {
				next = indexOf(tasks, task.NextTaskOnFailure)
			}
			if err := s.r.saveProgress(ctx, run); err != nil {
				return domain.WorkflowStatusFailed, err
			}
			if next < 0 {
				return domain.WorkflowStatusFailed, nil
			}
			branched[task.ID] = true
			s.r.logger.Info("task failed, continuing with failure handler",
				"run_id", run.ID, "task_id", task.ID, "next_task_id", task.NextTaskOnFailure)
			i = next

		default:
			i++
		}
	}

	return domain.WorkflowStatusCompleted, nil
}

func subset(def *domain.WorkflowDefinition, taskIDs []string) []domain.TaskDefinition {
	wanted := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}
	var tasks []domain.TaskDefinition
	for _, t := range def.OrderedTasks() {
		if wanted[t.ID] {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func mustTask(def *domain.WorkflowDefinition, id string) (domain.TaskDefinition, error) {
	t, _ := def.Task(id)
	if t == nil {
		return domain.TaskDefinition{}, domain.NewConfigurationError("tasks", fmt.Sprintf("task %q referenced by a branch does not exist", id))
	}
	return *t, nil
}
