package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Store is the relational ports.Store. Every entity is kept whole in a JSONB
// column next to the columns the queries filter on.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects a pool to dsn and optionally applies the schema.
func Open(ctx context.Context, cfg domain.StorageConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, domain.NewConfigurationError("storage.dsn", err.Error())
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewStore(pool, logger)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger.With("component", "workflow-store", "type", "postgres"),
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		script, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Debug("applied migration", "file", name)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func translate(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError(resource, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", resource, id, domain.ErrAlreadyExists)
	}
	return err
}

func scanOne[T any](row pgx.Row, resource, id string) (*T, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, translate(err, resource, id)
	}
	var out T
	if err := xjson.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", resource, id, err)
	}
	return &out, nil
}

func scanAll[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := xjson.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM workflow_definitions WHERE id = $1`, id)
	return scanOne[domain.WorkflowDefinition](row, "workflow definition", id)
}

func (s *Store) GetDefinitionByNameVersion(ctx context.Context, name string, version int) (*domain.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)
	return scanOne[domain.WorkflowDefinition](row, "workflow definition", fmt.Sprintf("%s v%d", name, version))
}

func (s *Store) GetLatestDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM workflow_definitions WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	return scanOne[domain.WorkflowDefinition](row, "workflow definition", name)
}

func (s *Store) ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM workflow_definitions ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.WorkflowDefinition](rows)
}

func (s *Store) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	ts := now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = ts
	}
	def.UpdatedAt = ts

	data, err := xjson.Marshal(def)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, name, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, version = EXCLUDED.version, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, def.Version, data, def.CreatedAt, def.UpdatedAt)
	return translate(err, "workflow definition", def.ID)
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow definition", id)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *domain.WorkflowExecution) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CorrelationID == "" {
		run.CorrelationID = uuid.NewString()
	}
	if run.Variables == nil {
		run.Variables = make(map[string]string)
	}
	ts := now()
	run.CreatedAt = ts
	run.UpdatedAt = ts

	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (id, workflow_definition_id, correlation_id, status, started_at, completed_at, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.WorkflowDefinitionID, run.CorrelationID, string(run.Status), run.StartedAt, run.CompletedAt, run.CreatedAt, data)
	return translate(err, "workflow execution", run.ID)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM workflow_executions WHERE id = $1`, id)
	return scanOne[domain.WorkflowExecution](row, "workflow execution", id)
}

func (s *Store) GetRunByCorrelationID(ctx context.Context, correlationID string) (*domain.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM workflow_executions WHERE correlation_id = $1`, correlationID)
	return scanOne[domain.WorkflowExecution](row, "workflow execution", correlationID)
}

func (s *Store) SaveRun(ctx context.Context, run *domain.WorkflowExecution) error {
	run.UpdatedAt = now()
	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, started_at = $3, completed_at = $4, data = $5
		WHERE id = $1`,
		run.ID, string(run.Status), run.StartedAt, run.CompletedAt, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow execution", run.ID)
	}
	return nil
}

func (s *Store) queryRuns(ctx context.Context, where string, args ...any) ([]*domain.WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM workflow_executions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.WorkflowExecution](rows)
}

func (s *Store) FindRunsByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.WorkflowExecution, error) {
	return s.queryRuns(ctx, `status = $1`, string(status))
}

func (s *Store) FindStuckRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	return s.queryRuns(ctx, `status = $1 AND started_at < $2`, string(domain.WorkflowStatusRunning), before)
}

func (s *Store) FindTerminalRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	terminal := make([]string, len(domain.TerminalStatuses))
	for i, st := range domain.TerminalStatuses {
		terminal[i] = string(st)
	}
	return s.queryRuns(ctx, `status = ANY($1) AND completed_at < $2`, terminal, before)
}

func (s *Store) FindPausedRunsBefore(ctx context.Context, before time.Time) ([]*domain.WorkflowExecution, error) {
	return s.queryRuns(ctx, `status = $1 AND started_at < $2`, string(domain.WorkflowStatusPaused), before)
}

func (s *Store) CountActiveRuns(ctx context.Context, definitionID string) (int, error) {
	terminal := make([]string, len(domain.TerminalStatuses))
	for i, st := range domain.TerminalStatuses {
		terminal[i] = string(st)
	}

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_executions WHERE workflow_definition_id = $1 AND NOT (status = ANY($2))`,
		definitionID, terminal).Scan(&count)
	return count, err
}

// DeleteRun relies on ON DELETE CASCADE for task runs and review points.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("workflow execution", id)
	}
	return nil
}

func (s *Store) CreateTaskExecution(ctx context.Context, run *domain.WorkflowExecution, task *domain.TaskDefinition, inputs map[string]string) (*domain.TaskExecution, error) {
	te := &domain.TaskExecution{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: run.ID,
		TaskDefinitionID:    task.ID,
		Status:              domain.TaskStatusPending,
		ExecutionMode:       task.Mode(),
		Inputs:              domain.CopyStringMap(inputs),
		Outputs:             make(map[string]string),
		CreatedAt:           now(),
	}

	data, err := xjson.Marshal(te)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_executions (id, workflow_execution_id, status, next_retry_at, data)
		VALUES ($1, $2, $3, $4, $5)`,
		te.ID, te.WorkflowExecutionID, string(te.Status), te.NextRetryAt, data)
	if err != nil {
		return nil, translate(err, "task execution", te.ID)
	}
	return te, nil
}

func (s *Store) SaveTaskExecution(ctx context.Context, task *domain.TaskExecution) error {
	data, err := xjson.Marshal(task)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions SET status = $2, next_retry_at = $3, data = $4 WHERE id = $1`,
		task.ID, string(task.Status), task.NextRetryAt, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("task execution", task.ID)
	}
	return nil
}

func (s *Store) GetTaskExecution(ctx context.Context, id string) (*domain.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM task_executions WHERE id = $1`, id)
	return scanOne[domain.TaskExecution](row, "task execution", id)
}

func (s *Store) ListTaskExecutions(ctx context.Context, runID string) ([]*domain.TaskExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM task_executions WHERE workflow_execution_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.TaskExecution](rows)
}

func (s *Store) FindAwaitingRetryBefore(ctx context.Context, before time.Time) ([]*domain.TaskExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM task_executions
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at`,
		string(domain.TaskStatusAwaitingRetry), before)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.TaskExecution](rows)
}

func (s *Store) CreateReviewPoint(ctx context.Context, task *domain.TaskExecution) (*domain.UserReviewPoint, error) {
	point := &domain.UserReviewPoint{
		ID:                  uuid.NewString(),
		TaskExecutionID:     task.ID,
		WorkflowExecutionID: task.WorkflowExecutionID,
		CreatedAt:           now(),
	}

	data, err := xjson.Marshal(point)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_review_points (id, task_execution_id, workflow_execution_id, decision, created_at, data)
		VALUES ($1, $2, $3, '', $4, $5)`,
		point.ID, point.TaskExecutionID, point.WorkflowExecutionID, point.CreatedAt, data)
	if err != nil {
		return nil, translate(err, "review point", point.ID)
	}
	return point, nil
}

func (s *Store) GetReviewPoint(ctx context.Context, id string) (*domain.UserReviewPoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM user_review_points WHERE id = $1`, id)
	return scanOne[domain.UserReviewPoint](row, "review point", id)
}

func (s *Store) GetReviewPointForTask(ctx context.Context, taskExecutionID string) (*domain.UserReviewPoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM user_review_points WHERE task_execution_id = $1`, taskExecutionID)
	return scanOne[domain.UserReviewPoint](row, "review point", "task "+taskExecutionID)
}

func (s *Store) SaveReviewPoint(ctx context.Context, point *domain.UserReviewPoint) error {
	data, err := xjson.Marshal(point)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `UPDATE user_review_points SET decision = $2, data = $3 WHERE id = $1`,
		point.ID, string(point.Decision), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("review point", point.ID)
	}
	return nil
}

func (s *Store) ListReviewPoints(ctx context.Context, runID string) ([]*domain.UserReviewPoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM user_review_points WHERE workflow_execution_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.UserReviewPoint](rows)
}

func (s *Store) ListPendingReviewPoints(ctx context.Context) ([]*domain.UserReviewPoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM user_review_points WHERE decision = '' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return scanAll[domain.UserReviewPoint](rows)
}
