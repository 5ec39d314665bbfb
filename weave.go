// Package weave is a durable workflow orchestrator for Go applications.
//
// Workflows are versioned definitions made of typed tasks. A run walks its
// tasks with a sequential, parallel or conditional strategy, persists every
// step, retries failed tasks with backoff and can stop for a user review.
// Runs left unfinished by a crash are resumed on the next Start.
//
// Basic usage:
//
//	m, err := weave.New(ctx, weave.DefaultConfig(), weave.WithHandlers(&MyHandler{}))
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop(ctx)
//
//	m.Definitions().Create(ctx, &weave.WorkflowDefinition{
//	    Name:  "greeter",
//	    Tasks: []weave.TaskDefinition{{ID: "greet", Name: "greet", Type: "my-handler"}},
//	})
//	run, err := m.Executions().Start(ctx, "greeter", 0, map[string]string{"name": "ada"})
package weave

import (
	"context"
	"io"

	"github.com/eleven-am/weave/internal/core"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Manager owns storage, the engine, the schedulers and the services built on
// top of them.
type Manager = core.Manager

// Option customises a Manager at construction.
type Option = core.Option

// TaskHandler executes one task type. Returned outputs are merged into the
// run variables.
type TaskHandler = ports.TaskHandler

// ExecutionContext describes the run a handler is working for.
type ExecutionContext = ports.ExecutionContext

type DefinitionService = ports.DefinitionService

type ExecutionService = ports.ExecutionService

type ReviewService = ports.ReviewService

type (
	WorkflowDefinition = domain.WorkflowDefinition
	TaskDefinition     = domain.TaskDefinition
	AttributeMapping   = domain.AttributeMapping
	WorkflowExecution  = domain.WorkflowExecution
	TaskExecution      = domain.TaskExecution
	UserReviewPoint    = domain.UserReviewPoint
	EventRecord        = domain.EventRecord
	WorkflowEvent      = domain.WorkflowEvent
	TaskEvent          = domain.TaskEvent
)

type (
	WorkflowStatus = domain.WorkflowStatus
	TaskStatus     = domain.TaskStatus
	StrategyType   = domain.StrategyType
	ReviewDecision = domain.ReviewDecision
)

const (
	WorkflowStatusCreated            = domain.WorkflowStatusCreated
	WorkflowStatusRunning            = domain.WorkflowStatusRunning
	WorkflowStatusPaused             = domain.WorkflowStatusPaused
	WorkflowStatusAwaitingUserReview = domain.WorkflowStatusAwaitingUserReview
	WorkflowStatusCompleted          = domain.WorkflowStatusCompleted
	WorkflowStatusFailed             = domain.WorkflowStatusFailed
	WorkflowStatusCancelled          = domain.WorkflowStatusCancelled

	StrategySequential  = domain.StrategySequential
	StrategyParallel    = domain.StrategyParallel
	StrategyConditional = domain.StrategyConditional

	ReviewApprove = domain.ReviewApprove
	ReviewReject  = domain.ReviewReject
	ReviewRestart = domain.ReviewRestart
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrInvalidState = domain.ErrInvalidState
)

// New builds a Manager from config. A nil config means DefaultConfig.
func New(ctx context.Context, config *Config, opts ...Option) (*Manager, error) {
	return core.New(ctx, config, opts...)
}

// WithHandlers registers task handlers next to the built-in rest-api, queue,
// set-variables and delay handlers.
func WithHandlers(handlers ...TaskHandler) Option {
	return core.WithHandlers(handlers...)
}

// NewTaskError wraps a handler failure so the dispatcher records message on
// the task run.
func NewTaskError(message string, cause error) error {
	return domain.NewTaskExecutionError(message, cause)
}

// LoadDefinitions parses one or more YAML workflow definitions.
func LoadDefinitions(r io.Reader) ([]*WorkflowDefinition, error) {
	return core.LoadDefinitions(r)
}
