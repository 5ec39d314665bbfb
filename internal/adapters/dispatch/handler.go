// Package dispatch turns PENDING task runs into settled ones: it resolves the
// handler for a task type, runs it on the worker pool and records the
// outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/eleven-am/weave/internal/adapters/expression"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

const (
	TypeRestAPI      = "rest-api"
	TypeQueue        = "queue"
	TypeSetVariables = "set-variables"
	TypeDelay        = "delay"
)

// Request is what a handler body receives once configuration has been
// validated and substituted.
type Request struct {
	Task      domain.TaskDefinition
	Config    map[string]string
	Exec      *ports.ExecutionContext
	Variables map[string]string
}

type ExecuteFunc func(ctx context.Context, req Request) (map[string]string, error)

// Handler carries the behaviour every task type shares: required key checks
// before any I/O, ${name} substitution and result shaping.
type Handler struct {
	taskType string
	required []string
	execute  ExecuteFunc
	logger   *slog.Logger
}

func NewHandler(taskType string, required []string, fn ExecuteFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		taskType: taskType,
		required: required,
		execute:  fn,
		logger:   logger.With("component", "task-handler", "task_type", taskType),
	}
}

func (h *Handler) TaskType() string {
	return h.taskType
}

// Execute returns the shaped result. On failure both the result, carrying
// success=false and errorMessage, and a *domain.TaskExecutionError are
// returned; configuration problems come back as *domain.ConfigurationError.
func (h *Handler) Execute(ctx context.Context, task domain.TaskDefinition, execCtx *ports.ExecutionContext) (map[string]string, error) {
	if err := ValidateRequired(task.Configuration, h.required...); err != nil {
		return FailureResult(err.Error(), nil), err
	}

	vars := make(map[string]string)
	if execCtx != nil && execCtx.Variables != nil {
		vars = execCtx.Variables
	}

	req := Request{
		Task:      task,
		Config:    expression.SubstituteAll(task.Configuration, vars),
		Exec:      execCtx,
		Variables: vars,
	}

	payload, err := h.execute(ctx, req)
	if err != nil {
		if domain.IsConfigurationError(err) {
			return FailureResult(err.Error(), payload), err
		}
		taskErr := domain.AsTaskExecutionError(err)
		h.logger.Debug("task handler failed", "task_id", task.ID, "error", taskErr)
		return FailureResult(taskErr.Error(), payload), taskErr
	}

	if ok, set := reportedSuccess(payload); set && !ok {
		msg := payload[domain.ResultKeyErrorMessage]
		if msg == "" {
			msg = "task reported failure"
		}
		return FailureResult(msg, payload), domain.NewTaskExecutionError(msg, nil)
	}

	return SuccessResult(payload), nil
}

// ValidateRequired reports the first missing or blank key, in the order
// given, as a configuration error.
func ValidateRequired(config map[string]string, keys ...string) error {
	for _, key := range keys {
		if v, ok := config[key]; !ok || v == "" {
			return domain.NewConfigurationError(key, fmt.Sprintf("missing required configuration parameter: %s", key))
		}
	}
	return nil
}

func SuccessResult(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[domain.ResultKeySuccess] = "true"
	delete(out, domain.ResultKeyErrorMessage)
	return out
}

func FailureResult(message string, payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out[domain.ResultKeySuccess] = "false"
	out[domain.ResultKeyErrorMessage] = message
	return out
}

func reportedSuccess(payload map[string]string) (ok bool, set bool) {
	v, present := payload[domain.ResultKeySuccess]
	if !present {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
