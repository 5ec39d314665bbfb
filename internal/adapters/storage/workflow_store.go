package storage

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// WorkflowStore keeps definitions, runs, task runs and review points on any
// ordered key/value backend. Secondary lookups go through index keys written
// in the same transaction as the entity.
type WorkflowStore struct {
	kv     ports.StoragePort
	logger *slog.Logger
	seq    atomic.Uint64
	now    func() time.Time
}

func NewWorkflowStore(kv ports.StoragePort, logger *slog.Logger) *WorkflowStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkflowStore{
		kv:     kv,
		logger: logger.With("component", "workflow-store"),
		now:    time.Now,
	}
}

func (s *WorkflowStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// nextSequence is wall-clock based so creation order survives restarts, and
// strictly increasing within the process.
func (s *WorkflowStore) nextSequence() uint64 {
	for {
		last := s.seq.Load()
		next := uint64(s.now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if s.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *WorkflowStore) GetDefinition(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	return load[domain.WorkflowDefinition](s.kv, domain.DefinitionKey(id), "workflow definition", id)
}

func (s *WorkflowStore) GetDefinitionByNameVersion(ctx context.Context, name string, version int) (*domain.WorkflowDefinition, error) {
	ref := name + " v" + strconv.Itoa(version)
	data, ok, err := s.kv.Get(domain.DefinitionNameKey(name, version))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewNotFoundError("workflow definition", ref)
	}
	return s.GetDefinition(ctx, string(data))
}

func (s *WorkflowStore) GetLatestDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	entries, err := s.definitionVersions(name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.NewNotFoundError("workflow definition", name)
	}
	return s.GetDefinition(ctx, string(entries[len(entries)-1].Value))
}

// definitionVersions lists the name index entries for exactly this name,
// ascending by version.
func (s *WorkflowStore) definitionVersions(name string) ([]ports.KeyValue, error) {
	prefix := domain.DefinitionNamePrefixFor(name)
	items, err := s.kv.ListByPrefix(prefix)
	if err != nil {
		return nil, err
	}

	out := items[:0]
	for _, kv := range items {
		suffix := strings.TrimPrefix(kv.Key, prefix)
		if len(suffix) != 10 || strings.Contains(suffix, ":") {
			continue
		}
		out = append(out, kv)
	}
	return out, nil
}

func (s *WorkflowStore) ListDefinitions(_ context.Context) ([]*domain.WorkflowDefinition, error) {
	items, err := s.kv.ListByPrefix(domain.DefinitionPrefix)
	if err != nil {
		return nil, err
	}
	defs, err := decodeAll[domain.WorkflowDefinition](items)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Version < defs[j].Version
	})
	return defs, nil
}

func (s *WorkflowStore) SaveDefinition(_ context.Context, def *domain.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.timestamp()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		nameKey := domain.DefinitionNameKey(def.Name, def.Version)
		owner, ok, err := tx.Get(nameKey)
		if err != nil {
			return err
		}
		if ok && string(owner) != def.ID {
			return domain.ErrAlreadyExists
		}

		previous, err := load[domain.WorkflowDefinition](tx, domain.DefinitionKey(def.ID), "workflow definition", def.ID)
		switch {
		case err == nil:
			if previous.Name != def.Name || previous.Version != def.Version {
				if err := tx.Delete(domain.DefinitionNameKey(previous.Name, previous.Version)); err != nil {
					return err
				}
			}
		case !domain.IsNotFound(err):
			return err
		}

		if err := store(tx, domain.DefinitionKey(def.ID), def); err != nil {
			return err
		}
		return tx.Put(nameKey, []byte(def.ID))
	})
}

func (s *WorkflowStore) DeleteDefinition(_ context.Context, id string) error {
	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		def, err := load[domain.WorkflowDefinition](tx, domain.DefinitionKey(id), "workflow definition", id)
		if err != nil {
			return err
		}
		if err := tx.Delete(domain.DefinitionNameKey(def.Name, def.Version)); err != nil {
			return err
		}
		return tx.Delete(domain.DefinitionKey(id))
	})
}

func (s *WorkflowStore) CreateRun(_ context.Context, run *domain.WorkflowExecution) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CorrelationID == "" {
		run.CorrelationID = uuid.NewString()
	}
	if run.Variables == nil {
		run.Variables = make(map[string]string)
	}
	now := s.timestamp()
	run.CreatedAt = now
	run.UpdatedAt = now

	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		if _, ok, err := tx.Get(domain.RunKey(run.ID)); err != nil {
			return err
		} else if ok {
			return domain.ErrAlreadyExists
		}
		if _, ok, err := tx.Get(domain.RunCorrelationKey(run.CorrelationID)); err != nil {
			return err
		} else if ok {
			return domain.ErrAlreadyExists
		}

		if err := store(tx, domain.RunKey(run.ID), run); err != nil {
			return err
		}
		if err := tx.Put(domain.RunCorrelationKey(run.CorrelationID), []byte(run.ID)); err != nil {
			return err
		}
		return indexRunStatus(tx, "", run)
	})
}

func (s *WorkflowStore) GetRun(_ context.Context, id string) (*domain.WorkflowExecution, error) {
	return load[domain.WorkflowExecution](s.kv, domain.RunKey(id), "workflow execution", id)
}

func (s *WorkflowStore) GetRunByCorrelationID(ctx context.Context, correlationID string) (*domain.WorkflowExecution, error) {
	data, ok, err := s.kv.Get(domain.RunCorrelationKey(correlationID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewNotFoundError("workflow execution", correlationID)
	}
	return s.GetRun(ctx, string(data))
}

func (s *WorkflowStore) SaveRun(_ context.Context, run *domain.WorkflowExecution) error {
	run.UpdatedAt = s.timestamp()

	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		previous, err := load[domain.WorkflowExecution](tx, domain.RunKey(run.ID), "workflow execution", run.ID)
		if err != nil {
			return err
		}
		if err := store(tx, domain.RunKey(run.ID), run); err != nil {
			return err
		}
		return indexRunStatus(tx, previous.Status, run)
	})
}

// indexRunStatus moves the run's status index entry off its previous status.
func indexRunStatus(tx ports.Transaction, previous domain.WorkflowStatus, run *domain.WorkflowExecution) error {
	if previous != "" && previous != run.Status {
		if err := tx.Delete(domain.RunStatusIndexKey(previous, run.ID)); err != nil {
			return err
		}
	}
	return tx.Put(domain.RunStatusIndexKey(run.Status, run.ID), []byte(run.ID))
}

func (s *WorkflowStore) FindRunsByStatus(_ context.Context, status domain.WorkflowStatus) ([]*domain.WorkflowExecution, error) {
	return s.runsIn([]domain.WorkflowStatus{status}, func(r *domain.WorkflowExecution) bool {
		return r.Status == status
	})
}

func (s *WorkflowStore) FindStuckRunsBefore(_ context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	return s.runsIn([]domain.WorkflowStatus{domain.WorkflowStatusRunning}, func(r *domain.WorkflowExecution) bool {
		return r.Status == domain.WorkflowStatusRunning && r.StartedAt != nil && r.StartedAt.Before(before)
	})
}

func (s *WorkflowStore) FindTerminalRunsBefore(_ context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	return s.runsIn(domain.TerminalStatuses, func(r *domain.WorkflowExecution) bool {
		return r.Status.IsTerminal() && r.CompletedAt != nil && r.CompletedAt.Before(before)
	})
}

func (s *WorkflowStore) FindPausedRunsBefore(_ context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	return s.runsIn([]domain.WorkflowStatus{domain.WorkflowStatusPaused}, func(r *domain.WorkflowExecution) bool {
		return r.Status == domain.WorkflowStatusPaused && r.StartedAt != nil && r.StartedAt.Before(before)
	})
}

func (s *WorkflowStore) CountActiveRuns(_ context.Context, definitionID string) (int, error) {
	runs, err := s.runsIn(domain.ActiveStatuses, func(r *domain.WorkflowExecution) bool {
		return r.WorkflowDefinitionID == definitionID && !r.Status.IsTerminal()
	})
	return len(runs), err
}

// runsIn loads the runs indexed under statuses and keeps those that pass
// keep, oldest first. The run record is the source of truth; keep re-checks
// its status.
func (s *WorkflowStore) runsIn(statuses []domain.WorkflowStatus, keep func(*domain.WorkflowExecution) bool) ([]*domain.WorkflowExecution, error) {
	out := make([]*domain.WorkflowExecution, 0)
	for _, status := range statuses {
		index, err := s.kv.ListByPrefix(domain.RunStatusIndexPrefixFor(status))
		if err != nil {
			return nil, err
		}
		for _, kv := range index {
			id := string(kv.Value)
			r, err := load[domain.WorkflowExecution](s.kv, domain.RunKey(id), "workflow execution", id)
			if err != nil {
				if domain.IsNotFound(err) {
					s.logger.Warn("dangling run status index entry", "run_id", id, "status", status)
					continue
				}
				return nil, err
			}
			if keep(r) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *WorkflowStore) DeleteRun(_ context.Context, id string) error {
	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		run, err := load[domain.WorkflowExecution](tx, domain.RunKey(id), "workflow execution", id)
		if err != nil {
			return err
		}

		taskIndex, err := tx.ListByPrefix(domain.RunTaskIndexPrefixFor(id))
		if err != nil {
			return err
		}
		for _, kv := range taskIndex {
			taskID := string(kv.Value)
			te, err := load[domain.TaskExecution](tx, domain.TaskExecutionKey(taskID), "task execution", taskID)
			switch {
			case err == nil:
				if key, ok := retryIndexKey(te); ok {
					if err := tx.Delete(key); err != nil {
						return err
					}
				}
			case !domain.IsNotFound(err):
				return err
			}
			if err := tx.Delete(domain.TaskExecutionKey(taskID)); err != nil {
				return err
			}
			if err := tx.Delete(domain.TaskReviewIndexKey(taskID)); err != nil {
				return err
			}
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
		}

		reviewIndex, err := tx.ListByPrefix(domain.RunReviewIndexPrefixFor(id))
		if err != nil {
			return err
		}
		for _, kv := range reviewIndex {
			if err := tx.Delete(domain.ReviewPointKey(string(kv.Value))); err != nil {
				return err
			}
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
		}

		if err := tx.Delete(domain.RunCorrelationKey(run.CorrelationID)); err != nil {
			return err
		}
		if err := tx.Delete(domain.RunStatusIndexKey(run.Status, id)); err != nil {
			return err
		}
		return tx.Delete(domain.RunKey(id))
	})
}

func (s *WorkflowStore) CreateTaskExecution(_ context.Context, run *domain.WorkflowExecution, task *domain.TaskDefinition, inputs map[string]string) (*domain.TaskExecution, error) {
	te := &domain.TaskExecution{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: run.ID,
		TaskDefinitionID:    task.ID,
		Status:              domain.TaskStatusPending,
		ExecutionMode:       task.Mode(),
		Inputs:              domain.CopyStringMap(inputs),
		Outputs:             make(map[string]string),
		CreatedAt:           s.timestamp(),
	}
	seq := s.nextSequence()

	err := s.kv.RunInTransaction(func(tx ports.Transaction) error {
		if err := store(tx, domain.TaskExecutionKey(te.ID), te); err != nil {
			return err
		}
		return tx.Put(domain.RunTaskIndexKey(run.ID, seq, te.ID), []byte(te.ID))
	})
	if err != nil {
		return nil, err
	}
	return te, nil
}

func (s *WorkflowStore) SaveTaskExecution(_ context.Context, task *domain.TaskExecution) error {
	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		previous, err := load[domain.TaskExecution](tx, domain.TaskExecutionKey(task.ID), "task execution", task.ID)
		if err != nil {
			return err
		}
		if err := store(tx, domain.TaskExecutionKey(task.ID), task); err != nil {
			return err
		}

		old, had := retryIndexKey(previous)
		key, has := retryIndexKey(task)
		if had && (!has || old != key) {
			if err := tx.Delete(old); err != nil {
				return err
			}
		}
		if has {
			return tx.Put(key, []byte(task.ID))
		}
		return nil
	})
}

// retryIndexKey is set only for task runs the retry scheduler has to find.
func retryIndexKey(te *domain.TaskExecution) (string, bool) {
	if te.Status != domain.TaskStatusAwaitingRetry || te.NextRetryAt == nil {
		return "", false
	}
	return domain.TaskRetryIndexKey(*te.NextRetryAt, te.ID), true
}

func (s *WorkflowStore) GetTaskExecution(_ context.Context, id string) (*domain.TaskExecution, error) {
	return load[domain.TaskExecution](s.kv, domain.TaskExecutionKey(id), "task execution", id)
}

func (s *WorkflowStore) ListTaskExecutions(_ context.Context, runID string) ([]*domain.TaskExecution, error) {
	index, err := s.kv.ListByPrefix(domain.RunTaskIndexPrefixFor(runID))
	if err != nil {
		return nil, err
	}

	out := make([]*domain.TaskExecution, 0, len(index))
	for _, kv := range index {
		id := string(kv.Value)
		te, err := load[domain.TaskExecution](s.kv, domain.TaskExecutionKey(id), "task execution", id)
		if err != nil {
			if domain.IsNotFound(err) {
				s.logger.Warn("dangling task index entry", "run_id", runID, "task_execution_id", id)
				continue
			}
			return nil, err
		}
		out = append(out, te)
	}
	return out, nil
}

func (s *WorkflowStore) FindAwaitingRetryBefore(_ context.Context, before time.Time) ([]*domain.TaskExecution, error) {
	index, err := s.kv.ListByPrefix(domain.TaskRetryIndexPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.TaskExecution, 0)
	for _, kv := range index {
		at, ok := domain.TaskRetryIndexTime(kv.Key)
		if !ok {
			continue
		}
		if at.After(before) {
			break
		}
		id := string(kv.Value)
		te, err := load[domain.TaskExecution](s.kv, domain.TaskExecutionKey(id), "task execution", id)
		if err != nil {
			if domain.IsNotFound(err) {
				s.logger.Warn("dangling retry index entry", "task_execution_id", id)
				continue
			}
			return nil, err
		}
		if te.Status == domain.TaskStatusAwaitingRetry && te.NextRetryAt != nil && !te.NextRetryAt.After(before) {
			out = append(out, te)
		}
	}
	return out, nil
}

func (s *WorkflowStore) CreateReviewPoint(_ context.Context, task *domain.TaskExecution) (*domain.UserReviewPoint, error) {
	point := &domain.UserReviewPoint{
		ID:                  uuid.NewString(),
		TaskExecutionID:     task.ID,
		WorkflowExecutionID: task.WorkflowExecutionID,
		CreatedAt:           s.timestamp(),
	}

	err := s.kv.RunInTransaction(func(tx ports.Transaction) error {
		if _, ok, err := tx.Get(domain.TaskReviewIndexKey(task.ID)); err != nil {
			return err
		} else if ok {
			return domain.ErrAlreadyExists
		}

		if err := store(tx, domain.ReviewPointKey(point.ID), point); err != nil {
			return err
		}
		if err := tx.Put(domain.TaskReviewIndexKey(task.ID), []byte(point.ID)); err != nil {
			return err
		}
		return tx.Put(domain.RunReviewIndexKey(task.WorkflowExecutionID, point.ID), []byte(point.ID))
	})
	if err != nil {
		return nil, err
	}
	return point, nil
}

func (s *WorkflowStore) GetReviewPoint(_ context.Context, id string) (*domain.UserReviewPoint, error) {
	return load[domain.UserReviewPoint](s.kv, domain.ReviewPointKey(id), "review point", id)
}

func (s *WorkflowStore) GetReviewPointForTask(ctx context.Context, taskExecutionID string) (*domain.UserReviewPoint, error) {
	data, ok, err := s.kv.Get(domain.TaskReviewIndexKey(taskExecutionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewNotFoundError("review point", "task "+taskExecutionID)
	}
	return s.GetReviewPoint(ctx, string(data))
}

func (s *WorkflowStore) SaveReviewPoint(_ context.Context, point *domain.UserReviewPoint) error {
	return s.kv.RunInTransaction(func(tx ports.Transaction) error {
		if _, ok, err := tx.Get(domain.ReviewPointKey(point.ID)); err != nil {
			return err
		} else if !ok {
			return domain.NewNotFoundError("review point", point.ID)
		}
		return store(tx, domain.ReviewPointKey(point.ID), point)
	})
}

func (s *WorkflowStore) ListReviewPoints(_ context.Context, runID string) ([]*domain.UserReviewPoint, error) {
	index, err := s.kv.ListByPrefix(domain.RunReviewIndexPrefixFor(runID))
	if err != nil {
		return nil, err
	}

	out := make([]*domain.UserReviewPoint, 0, len(index))
	for _, kv := range index {
		id := string(kv.Value)
		point, err := load[domain.UserReviewPoint](s.kv, domain.ReviewPointKey(id), "review point", id)
		if err != nil {
			return nil, err
		}
		out = append(out, point)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *WorkflowStore) ListPendingReviewPoints(_ context.Context) ([]*domain.UserReviewPoint, error) {
	items, err := s.kv.ListByPrefix(domain.ReviewPointPrefix)
	if err != nil {
		return nil, err
	}
	points, err := decodeAll[domain.UserReviewPoint](items)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.UserReviewPoint, 0)
	for _, p := range points {
		if !p.IsResolved() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *WorkflowStore) Close() error {
	return s.kv.Close()
}
