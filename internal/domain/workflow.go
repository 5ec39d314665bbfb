package domain

import (
	"sort"
	"time"
)

type WorkflowStatus string

const (
	WorkflowStatusCreated            WorkflowStatus = "CREATED"
	WorkflowStatusRunning            WorkflowStatus = "RUNNING"
	WorkflowStatusPaused             WorkflowStatus = "PAUSED"
	WorkflowStatusAwaitingUserReview WorkflowStatus = "AWAITING_USER_REVIEW"
	WorkflowStatusCompleted          WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed             WorkflowStatus = "FAILED"
	WorkflowStatusCancelled          WorkflowStatus = "CANCELLED"
)

// TerminalStatuses lists the statuses a run never leaves.
var TerminalStatuses = []WorkflowStatus{
	WorkflowStatusCompleted,
	WorkflowStatusFailed,
	WorkflowStatusCancelled,
}

// ActiveStatuses lists the statuses of runs that have not finished.
var ActiveStatuses = []WorkflowStatus{
	WorkflowStatusCreated,
	WorkflowStatusRunning,
	WorkflowStatusPaused,
	WorkflowStatusAwaitingUserReview,
}

func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// IsStartable reports whether the engine may (re)enter orchestration for a
// run in this status.
func (s WorkflowStatus) IsStartable() bool {
	return s == WorkflowStatusCreated || s == WorkflowStatusRunning
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusCreated, WorkflowStatusRunning, WorkflowStatusPaused,
		WorkflowStatusAwaitingUserReview, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

type StrategyType string

const (
	StrategySequential  StrategyType = "SEQUENTIAL"
	StrategyParallel    StrategyType = "PARALLEL"
	StrategyConditional StrategyType = "CONDITIONAL"
)

type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "PENDING"
	TaskStatusRunning       TaskStatus = "RUNNING"
	TaskStatusCompleted     TaskStatus = "COMPLETED"
	TaskStatusFailed        TaskStatus = "FAILED"
	TaskStatusSkipped       TaskStatus = "SKIPPED"
	TaskStatusCancelled     TaskStatus = "CANCELLED"
	TaskStatusAwaitingRetry TaskStatus = "AWAITING_RETRY"
)

func (s TaskStatus) IsSettled() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	}
	return false
}

type ExecutionMode string

const (
	ExecutionModeAPI   ExecutionMode = "API"
	ExecutionModeQueue ExecutionMode = "QUEUE"
)

type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewReject  ReviewDecision = "REJECT"
	ReviewRestart ReviewDecision = "RESTART"
)

func (d ReviewDecision) Valid() bool {
	return d == ReviewApprove || d == ReviewReject || d == ReviewRestart
}

type WorkflowDefinition struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name" validate:"required,max=255"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version      int              `json:"version" yaml:"version" validate:"min=0"`
	StrategyType StrategyType     `json:"strategy_type" yaml:"strategy_type" validate:"omitempty,oneof=SEQUENTIAL PARALLEL CONDITIONAL"`
	Tasks        []TaskDefinition `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
	CreatedAt    time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time        `json:"updated_at" yaml:"-"`
}

// Task returns the task with the given id and its index in Tasks, or -1.
func (d *WorkflowDefinition) Task(id string) (*TaskDefinition, int) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], i
		}
	}
	return nil, -1
}

// OrderedTasks returns the tasks stably sorted by execution order. Tasks
// without an explicit order sort with the lowest group.
func (d *WorkflowDefinition) OrderedTasks() []TaskDefinition {
	tasks := make([]TaskDefinition, len(d.Tasks))
	copy(tasks, d.Tasks)
	low := d.MinExecutionOrder()
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].EffectiveOrder(low) < tasks[j].EffectiveOrder(low)
	})
	return tasks
}

// MinExecutionOrder is the smallest explicit execution order, or 0 when no
// task declares one.
func (d *WorkflowDefinition) MinExecutionOrder() int {
	min, found := 0, false
	for _, t := range d.Tasks {
		if t.ExecutionOrder == nil {
			continue
		}
		if !found || *t.ExecutionOrder < min {
			min = *t.ExecutionOrder
			found = true
		}
	}
	return min
}

func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Tasks = make([]TaskDefinition, len(d.Tasks))
	for i, t := range d.Tasks {
		t.Configuration = CopyStringMap(t.Configuration)
		if t.ExecutionOrder != nil {
			t.ExecutionOrder = Order(*t.ExecutionOrder)
		}
		t.DependsOn = append([]string(nil), t.DependsOn...)
		t.AttributeMappings = append([]AttributeMapping(nil), t.AttributeMappings...)
		c.Tasks[i] = t
	}
	return &c
}

func (d *WorkflowDefinition) Strategy() StrategyType {
	if d.StrategyType == "" {
		return StrategySequential
	}
	return d.StrategyType
}

type TaskDefinition struct {
	ID                    string             `json:"id" yaml:"id"`
	Name                  string             `json:"name" yaml:"name" validate:"required,max=255"`
	Description           string             `json:"description,omitempty" yaml:"description,omitempty"`
	Type                  string             `json:"type" yaml:"type" validate:"required"`
	ExecutionOrder        *int               `json:"execution_order,omitempty" yaml:"execution_order,omitempty"`
	Configuration         map[string]string  `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	RetryEnabled          bool               `json:"retry_enabled" yaml:"retry_enabled"`
	RetryLimit            int                `json:"retry_limit" yaml:"retry_limit" validate:"min=0,max=50"`
	RetryDelaySeconds     int                `json:"retry_delay_seconds" yaml:"retry_delay_seconds" validate:"min=0"`
	TimeoutSeconds        int                `json:"timeout_seconds" yaml:"timeout_seconds" validate:"min=0,max=86400"`
	ExecutionMode         ExecutionMode      `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty" validate:"omitempty,oneof=API QUEUE"`
	RequireUserReview     bool               `json:"require_user_review" yaml:"require_user_review"`
	ConditionalExpression string             `json:"conditional_expression,omitempty" yaml:"conditional_expression,omitempty"`
	NextTaskOnSuccess     string             `json:"next_task_on_success,omitempty" yaml:"next_task_on_success,omitempty"`
	NextTaskOnFailure     string             `json:"next_task_on_failure,omitempty" yaml:"next_task_on_failure,omitempty"`
	DependsOn             []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AttributeMappings     []AttributeMapping `json:"attribute_mappings,omitempty" yaml:"attribute_mappings,omitempty" validate:"dive"`
}

func (t TaskDefinition) EffectiveOrder(lowest int) int {
	if t.ExecutionOrder == nil {
		return lowest
	}
	return *t.ExecutionOrder
}

func (t TaskDefinition) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (t TaskDefinition) RetryDelay() time.Duration {
	if t.RetryDelaySeconds <= 0 {
		return DefaultRetryDelay
	}
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

func (t TaskDefinition) Mode() ExecutionMode {
	if t.ExecutionMode == "" {
		return ExecutionModeAPI
	}
	return t.ExecutionMode
}

// Order is a small helper for building definitions in code.
func Order(n int) *int {
	return &n
}

type HTTPLocation string

const (
	LocationBody       HTTPLocation = "BODY"
	LocationQueryParam HTTPLocation = "QUERY_PARAM"
	LocationPathParam  HTTPLocation = "PATH_PARAM"
	LocationHeader     HTTPLocation = "HEADER"
)

type TransformationType string

const (
	TransformNone         TransformationType = "NONE"
	TransformDateFormat   TransformationType = "DATE_FORMAT"
	TransformValueMap     TransformationType = "VALUE_MAP"
	TransformStringFormat TransformationType = "STRING_FORMAT"
)

// AttributeMapping pulls a value out of the run's workflow data document and
// places it into an outbound HTTP request.
type AttributeMapping struct {
	SourcePath           string             `json:"source_path" yaml:"source_path" validate:"required,max=500"`
	TargetField          string             `json:"target_field" yaml:"target_field" validate:"required"`
	Location             HTTPLocation       `json:"location" yaml:"location" validate:"required,oneof=BODY QUERY_PARAM PATH_PARAM HEADER"`
	Transformation       TransformationType `json:"transformation,omitempty" yaml:"transformation,omitempty" validate:"omitempty,oneof=NONE DATE_FORMAT VALUE_MAP STRING_FORMAT"`
	TransformationConfig string             `json:"transformation_config,omitempty" yaml:"transformation_config,omitempty"`
	Required             bool               `json:"required" yaml:"required"`
}

func (m AttributeMapping) HasTransformation() bool {
	return m.Transformation != "" && m.Transformation != TransformNone
}

type WorkflowExecution struct {
	ID                   string            `json:"id"`
	WorkflowDefinitionID string            `json:"workflow_definition_id"`
	CorrelationID        string            `json:"correlation_id"`
	Status               WorkflowStatus    `json:"status"`
	Variables            map[string]string `json:"variables"`
	CurrentTaskIndex     int               `json:"current_task_index"`
	RetryCount           int               `json:"retry_count"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so stores never share maps with callers.
func (w *WorkflowExecution) Clone() *WorkflowExecution {
	if w == nil {
		return nil
	}
	c := *w
	c.Variables = CopyStringMap(w.Variables)
	c.StartedAt = copyTime(w.StartedAt)
	c.CompletedAt = copyTime(w.CompletedAt)
	return &c
}

type TaskExecution struct {
	ID                  string            `json:"id"`
	WorkflowExecutionID string            `json:"workflow_execution_id"`
	TaskDefinitionID    string            `json:"task_definition_id"`
	Status              TaskStatus        `json:"status"`
	ExecutionMode       ExecutionMode     `json:"execution_mode"`
	Inputs              map[string]string `json:"inputs"`
	Outputs             map[string]string `json:"outputs"`
	RetryCount          int               `json:"retry_count"`
	NextRetryAt         *time.Time        `json:"next_retry_at,omitempty"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

func (t *TaskExecution) Clone() *TaskExecution {
	if t == nil {
		return nil
	}
	c := *t
	c.Inputs = CopyStringMap(t.Inputs)
	c.Outputs = CopyStringMap(t.Outputs)
	c.NextRetryAt = copyTime(t.NextRetryAt)
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	return &c
}

// ResetForRetry puts the task run back to PENDING with no timestamps.
func (t *TaskExecution) ResetForRetry() {
	t.Status = TaskStatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.NextRetryAt = nil
}

type UserReviewPoint struct {
	ID                  string         `json:"id"`
	TaskExecutionID     string         `json:"task_execution_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	CreatedAt           time.Time      `json:"created_at"`
	ReviewedAt          *time.Time     `json:"reviewed_at,omitempty"`
	Reviewer            string         `json:"reviewer,omitempty"`
	Comment             string         `json:"comment,omitempty"`
	Decision            ReviewDecision `json:"decision,omitempty"`
}

func (r *UserReviewPoint) IsResolved() bool {
	return r.Decision != ""
}

func (r *UserReviewPoint) Clone() *UserReviewPoint {
	if r == nil {
		return nil
	}
	c := *r
	c.ReviewedAt = copyTime(r.ReviewedAt)
	return &c
}

func CopyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to t truncated to microseconds, the precision
// every store round-trips.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC().Truncate(time.Microsecond)
	return &t
}
