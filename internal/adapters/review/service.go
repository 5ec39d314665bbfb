// Package review resolves user review points and moves the waiting run on.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Service implements ports.ReviewService.
type Service struct {
	store  ports.Store
	engine ports.WorkflowEngine
	events ports.EventPublisher
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store ports.Store, engine ports.WorkflowEngine, events ports.EventPublisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		engine: engine,
		events: events,
		logger: logger.With("component", "review"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitReview records decision on the review point and acts on it. APPROVE
// resumes the run past the gated task, RESTART resumes it from that task and
// REJECT fails the run. A point is resolved exactly once.
func (s *Service) SubmitReview(ctx context.Context, reviewPointID string, decision domain.ReviewDecision, reviewer, comment string) (*domain.WorkflowExecution, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("unknown review decision %q: %w", decision, domain.ErrInvalidInput)
	}

	run, point, err := s.resolve(ctx, reviewPointID, decision, reviewer, comment)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("run_id", run.ID, "review_point_id", point.ID, "decision", decision, "reviewer", reviewer)
	logger.Info("review submitted")

	switch decision {
	case domain.ReviewApprove:
		if err := s.resume(ctx, run, "review approved"); err != nil {
			return nil, err
		}
		if err := s.engine.ExecuteWorkflow(ctx, run.ID); err != nil {
			return nil, fmt.Errorf("resume run %s after review: %w", run.ID, err)
		}

	case domain.ReviewRestart:
		if err := s.engine.RestartTask(ctx, run.ID, point.TaskExecutionID); err != nil {
			return nil, fmt.Errorf("restart task %s after review: %w", point.TaskExecutionID, err)
		}

	case domain.ReviewReject:
		if err := s.reject(ctx, run, point); err != nil {
			return nil, err
		}
	}

	return s.store.GetRun(ctx, run.ID)
}

func (s *Service) ListPending(ctx context.Context) ([]*domain.UserReviewPoint, error) {
	return s.store.ListPendingReviewPoints(ctx)
}

func (s *Service) resolve(ctx context.Context, reviewPointID string, decision domain.ReviewDecision, reviewer, comment string) (*domain.WorkflowExecution, *domain.UserReviewPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	point, err := s.store.GetReviewPoint(ctx, reviewPointID)
	if err != nil {
		return nil, nil, err
	}
	if point.IsResolved() {
		return nil, nil, domain.NewStateError("submit review", point.ID, point.Decision)
	}

	run, err := s.store.GetRun(ctx, point.WorkflowExecutionID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status != domain.WorkflowStatusAwaitingUserReview {
		return nil, nil, domain.NewStateError("submit review for run", run.ID, run.Status)
	}

	point.Decision = decision
	point.Reviewer = reviewer
	point.Comment = comment
	point.ReviewedAt = domain.TimePtr(s.now())
	if err := s.store.SaveReviewPoint(ctx, point); err != nil {
		return nil, nil, fmt.Errorf("save review point %s: %w", point.ID, err)
	}
	return run, point, nil
}

func (s *Service) resume(ctx context.Context, run *domain.WorkflowExecution, message string) error {
	previous := run.Status
	run.Status = domain.WorkflowStatusRunning
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}
	s.publish(ctx, run, domain.EventWorkflowStatusChanged, previous, message)
	return nil
}

func (s *Service) reject(ctx context.Context, run *domain.WorkflowExecution, point *domain.UserReviewPoint) error {
	te, err := s.store.GetTaskExecution(ctx, point.TaskExecutionID)
	if err != nil {
		return err
	}

	message := "Task " + te.TaskDefinitionID + " rejected in review"
	if point.Reviewer != "" {
		message += " by " + point.Reviewer
	}
	if point.Comment != "" {
		message += ": " + point.Comment
	}

	now := s.now()
	te.Status = domain.TaskStatusCancelled
	te.CompletedAt = domain.TimePtr(now)
	te.ErrorMessage = message
	if err := s.store.SaveTaskExecution(ctx, te); err != nil {
		return err
	}

	previous := run.Status
	run.Status = domain.WorkflowStatusFailed
	run.ErrorMessage = message
	run.CompletedAt = domain.TimePtr(now)
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}
	s.publish(ctx, run, domain.EventWorkflowFailed, previous, message)
	return nil
}

func (s *Service) publish(ctx context.Context, run *domain.WorkflowExecution, typ domain.EventType, previous domain.WorkflowStatus, message string) {
	if s.events == nil {
		return
	}
	s.events.PublishWorkflowEvent(ctx, domain.WorkflowEvent{
		Type:                typ,
		WorkflowExecutionID: run.ID,
		CorrelationID:       run.CorrelationID,
		Status:              run.Status,
		PreviousStatus:      previous,
		Message:             message,
	})
}
