package domain

import "time"

type EventType string

const (
	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowStatusChanged EventType = "workflow.status_changed"
	EventWorkflowPaused        EventType = "workflow.paused"
	EventWorkflowResumed       EventType = "workflow.resumed"
	EventWorkflowCancelled     EventType = "workflow.cancelled"
	EventWorkflowRetried       EventType = "workflow.retried"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventReviewRequested       EventType = "workflow.review_requested"
)

type TaskEventType string

const (
	TaskEventCreated        TaskEventType = "CREATED"
	TaskEventStarted        TaskEventType = "STARTED"
	TaskEventCompleted      TaskEventType = "COMPLETED"
	TaskEventFailed         TaskEventType = "FAILED"
	TaskEventSkipped        TaskEventType = "SKIPPED"
	TaskEventRetryScheduled TaskEventType = "RETRY_SCHEDULED"
)

type WorkflowEvent struct {
	ID                  string         `json:"id"`
	Type                EventType      `json:"type"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	CorrelationID       string         `json:"correlation_id,omitempty"`
	Status              WorkflowStatus `json:"status"`
	PreviousStatus      WorkflowStatus `json:"previous_status,omitempty"`
	Message             string         `json:"message,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}

type TaskEvent struct {
	ID                  string        `json:"id"`
	Type                TaskEventType `json:"type"`
	WorkflowExecutionID string        `json:"workflow_execution_id"`
	TaskExecutionID     string        `json:"task_execution_id"`
	TaskDefinitionID    string        `json:"task_definition_id"`
	Status              TaskStatus    `json:"status"`
	Message             string        `json:"message,omitempty"`
	Duration            time.Duration `json:"duration,omitempty"`
	Timestamp           time.Time     `json:"timestamp"`
}

// EventRecord is one entry of a run's event history. Exactly one of
// Workflow or Task is set.
type EventRecord struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Workflow  *WorkflowEvent `json:"workflow,omitempty"`
	Task      *TaskEvent     `json:"task,omitempty"`
}

func (r EventRecord) RunID() string {
	if r.Workflow != nil {
		return r.Workflow.WorkflowExecutionID
	}
	if r.Task != nil {
		return r.Task.WorkflowExecutionID
	}
	return ""
}

func (r EventRecord) EventID() string {
	if r.Workflow != nil {
		return r.Workflow.ID
	}
	if r.Task != nil {
		return r.Task.ID
	}
	return ""
}
