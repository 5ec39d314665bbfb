package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

type stepKind int

const (
	// stepSettled means the task run reached COMPLETED, FAILED, SKIPPED or
	// CANCELLED and the strategy decides what comes next.
	stepSettled stepKind = iota
	// stepReview means the run now waits on a review decision.
	stepReview
	// stepDeferred means the task is waiting for the retry scheduler or is
	// already being dispatched by someone else.
	stepDeferred
)

type step struct {
	kind stepKind
	task *domain.TaskExecution
}

// runner holds the per-task mechanics the strategies share: picking up or
// creating the task run, opening review gates, dispatching and persisting run
// progress.
type runner struct {
	store      ports.Store
	dispatcher ports.Dispatcher
	events     ports.EventPublisher
	metrics    *domain.ExecutionMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// runTask drives one task definition as far as it can go without blocking on
// anything but its own dispatch. A task that already has a settled run is not
// executed again, so replaying a run after a restart is safe.
func (r *runner) runTask(ctx context.Context, run *domain.WorkflowExecution, task domain.TaskDefinition) (step, error) {
	te, err := r.latestAttempt(ctx, run.ID, task.ID)
	if err != nil {
		return step{}, err
	}

	if te != nil {
		switch te.Status {
		case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusSkipped:
			return step{kind: stepSettled, task: te}, nil
		case domain.TaskStatusAwaitingRetry:
			return step{kind: stepDeferred, task: te}, nil
		case domain.TaskStatusRunning:
			te.Status = domain.TaskStatusCancelled
			te.CompletedAt = domain.TimePtr(r.now())
			te.ErrorMessage = "superseded by a new attempt"
			if err := r.store.SaveTaskExecution(ctx, te); err != nil {
				return step{}, err
			}
			te = nil
		case domain.TaskStatusCancelled:
			te = nil
		}
	}

	if te == nil {
		if te, err = r.newAttempt(ctx, run, task); err != nil {
			return step{}, err
		}
	}

	if task.RequireUserReview {
		open, err := r.reviewOpen(ctx, run, te)
		if err != nil {
			return step{}, err
		}
		if open {
			return step{kind: stepReview, task: te}, nil
		}
	}

	return r.dispatch(ctx, te)
}

func (r *runner) latestAttempt(ctx context.Context, runID, taskID string) (*domain.TaskExecution, error) {
	tasks, err := r.store.ListTaskExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].TaskDefinitionID == taskID {
			return tasks[i], nil
		}
	}
	return nil, nil
}

func (r *runner) newAttempt(ctx context.Context, run *domain.WorkflowExecution, task domain.TaskDefinition) (*domain.TaskExecution, error) {
	te, err := r.store.CreateTaskExecution(ctx, run, &task, domain.CopyStringMap(run.Variables))
	if err != nil {
		return nil, fmt.Errorf("create task run for %s: %w", task.ID, err)
	}
	r.publishTask(ctx, te, domain.TaskEventCreated, "")
	return te, nil
}

// reviewOpen makes sure a review point exists for te and reports whether the
// run still has to wait for it. Only an APPROVE or RESTART decision lets the
// task through.
func (r *runner) reviewOpen(ctx context.Context, run *domain.WorkflowExecution, te *domain.TaskExecution) (bool, error) {
	point, err := r.store.GetReviewPointForTask(ctx, te.ID)
	switch {
	case err == nil:
		if point.Decision == domain.ReviewApprove || point.Decision == domain.ReviewRestart {
			return false, nil
		}
	case domain.IsNotFound(err):
		if _, err := r.store.CreateReviewPoint(ctx, te); err != nil {
			return false, fmt.Errorf("create review point for task run %s: %w", te.ID, err)
		}
		r.metrics.IncrementReviewsRequested()
	default:
		return false, err
	}

	latest, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	previous := latest.Status
	latest.Status = domain.WorkflowStatusAwaitingUserReview
	latest.CurrentTaskIndex = run.CurrentTaskIndex
	if err := r.store.SaveRun(ctx, latest); err != nil {
		return false, err
	}
	run.Status = latest.Status

	if r.events != nil {
		r.events.PublishWorkflowEvent(ctx, domain.WorkflowEvent{
			Type:                domain.EventReviewRequested,
			WorkflowExecutionID: run.ID,
			CorrelationID:       run.CorrelationID,
			Status:              latest.Status,
			PreviousStatus:      previous,
			Message:             "review requested for task " + te.TaskDefinitionID,
		})
	}
	r.logger.Info("run waiting for review", "run_id", run.ID, "task_execution_id", te.ID)
	return true, nil
}

func (r *runner) dispatch(ctx context.Context, te *domain.TaskExecution) (step, error) {
	results, err := r.dispatcher.ExecuteAsync(ctx, te.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			r.logger.Debug("task already in flight", "task_execution_id", te.ID, "error", err)
			return step{kind: stepDeferred, task: te}, nil
		}
		return step{}, fmt.Errorf("dispatch task run %s: %w", te.ID, err)
	}

	select {
	case res, ok := <-results:
		if !ok {
			return step{}, fmt.Errorf("dispatch of task run %s ended without a result", te.ID)
		}
		if res.Err != nil {
			return step{}, res.Err
		}
		if res.Task.Status == domain.TaskStatusAwaitingRetry {
			return step{kind: stepDeferred, task: res.Task}, nil
		}
		return step{kind: stepSettled, task: res.Task}, nil
	case <-ctx.Done():
		return step{}, ctx.Err()
	}
}

// skip records a SKIPPED task run unless the task already has one.
func (r *runner) skip(ctx context.Context, run *domain.WorkflowExecution, task domain.TaskDefinition, reason string) error {
	existing, err := r.latestAttempt(ctx, run.ID, task.ID)
	if err != nil || existing != nil {
		return err
	}

	te, err := r.store.CreateTaskExecution(ctx, run, &task, domain.CopyStringMap(run.Variables))
	if err != nil {
		return err
	}
	te.Status = domain.TaskStatusSkipped
	te.CompletedAt = domain.TimePtr(r.now())
	te.ErrorMessage = reason
	if err := r.store.SaveTaskExecution(ctx, te); err != nil {
		return err
	}
	r.metrics.IncrementTasksSkipped()
	r.publishTask(ctx, te, domain.TaskEventSkipped, reason)
	return nil
}

// checkpoint re-reads the run and reports whether orchestration may go on.
// When it may, index is persisted as the resume point (negative skips that).
func (r *runner) checkpoint(ctx context.Context, run *domain.WorkflowExecution, index int) (domain.WorkflowStatus, bool, error) {
	latest, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return "", false, err
	}
	if latest.Status != domain.WorkflowStatusRunning {
		run.Status = latest.Status
		r.logger.Info("run left RUNNING, stopping orchestration", "run_id", run.ID, "status", latest.Status)
		return latest.Status, false, nil
	}
	if index >= 0 && latest.CurrentTaskIndex != index {
		run.CurrentTaskIndex = index
		if err := r.saveProgress(ctx, run); err != nil {
			return "", false, err
		}
	}
	return domain.WorkflowStatusRunning, true, nil
}

// saveProgress writes the fields a strategy owns onto the latest stored run,
// so a concurrent pause or cancel is never overwritten.
func (r *runner) saveProgress(ctx context.Context, run *domain.WorkflowExecution) error {
	latest, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	latest.Variables = domain.CopyStringMap(run.Variables)
	latest.CurrentTaskIndex = run.CurrentTaskIndex
	latest.ErrorMessage = run.ErrorMessage
	if err := r.store.SaveRun(ctx, latest); err != nil {
		return err
	}
	run.Status = latest.Status
	return nil
}

func (r *runner) mergeOutputs(run *domain.WorkflowExecution, tasks ...*domain.TaskExecution) error {
	outputs := make([]map[string]string, 0, len(tasks))
	for _, te := range tasks {
		outputs = append(outputs, domain.ResultOutputs(te.Outputs))
	}
	merged, err := domain.MergeVariables(run.Variables, outputs...)
	if err != nil {
		return err
	}
	run.Variables = merged
	return nil
}

func (r *runner) publishTask(ctx context.Context, te *domain.TaskExecution, typ domain.TaskEventType, message string) {
	if r.events == nil {
		return
	}
	r.events.PublishTaskEvent(ctx, domain.TaskEvent{
		Type:                typ,
		WorkflowExecutionID: te.WorkflowExecutionID,
		TaskExecutionID:     te.ID,
		TaskDefinitionID:    te.TaskDefinitionID,
		Status:              te.Status,
		Message:             message,
	})
}

const taskFailedPrefix = "Task failed: "

// failureMessage is the run level message for a failed task run.
func failureMessage(te *domain.TaskExecution) string {
	msg := strings.TrimSpace(te.ErrorMessage)
	if msg == "" {
		return taskFailedPrefix + "Unknown error"
	}
	if strings.HasPrefix(msg, taskFailedPrefix) {
		return msg
	}
	return taskFailedPrefix + msg
}

func indexOf(tasks []domain.TaskDefinition, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
