package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefinitionPrefix      = "weave:definition:"
	DefinitionNamePrefix  = "weave:idx:definition-name:"
	RunPrefix             = "weave:run:"
	RunCorrelationPrefix  = "weave:idx:run-correlation:"
	RunStatusIndexPrefix  = "weave:idx:run-status:"
	TaskExecutionPrefix   = "weave:task:"
	RunTaskIndexPrefix    = "weave:idx:run-task:"
	TaskRetryIndexPrefix  = "weave:idx:task-retry:"
	ReviewPointPrefix     = "weave:review:"
	RunReviewIndexPrefix  = "weave:idx:run-review:"
	TaskReviewIndexPrefix = "weave:idx:task-review:"
	EventPrefix           = "weave:event:"
)

func DefinitionKey(id string) string {
	return DefinitionPrefix + id
}

// DefinitionNameKey orders versions lexically by zero padding them.
func DefinitionNameKey(name string, version int) string {
	return fmt.Sprintf("%s%s:%010d", DefinitionNamePrefix, name, version)
}

func DefinitionNamePrefixFor(name string) string {
	return DefinitionNamePrefix + name + ":"
}

func RunKey(id string) string {
	return RunPrefix + id
}

func RunCorrelationKey(correlationID string) string {
	return RunCorrelationPrefix + correlationID
}

func RunStatusIndexKey(status WorkflowStatus, runID string) string {
	return RunStatusIndexPrefix + string(status) + ":" + runID
}

func RunStatusIndexPrefixFor(status WorkflowStatus) string {
	return RunStatusIndexPrefix + string(status) + ":"
}

func TaskExecutionKey(id string) string {
	return TaskExecutionPrefix + id
}

// RunTaskIndexKey keeps task runs of one run in creation order.
func RunTaskIndexKey(runID string, seq uint64, taskID string) string {
	return fmt.Sprintf("%s%s:%020d:%s", RunTaskIndexPrefix, runID, seq, taskID)
}

func RunTaskIndexPrefixFor(runID string) string {
	return RunTaskIndexPrefix + runID + ":"
}

// TaskRetryIndexKey orders AWAITING_RETRY task runs by their retry time.
func TaskRetryIndexKey(at time.Time, taskExecutionID string) string {
	return fmt.Sprintf("%s%020d:%s", TaskRetryIndexPrefix, at.UnixNano(), taskExecutionID)
}

// TaskRetryIndexTime reads the retry time back out of a TaskRetryIndexKey.
func TaskRetryIndexTime(key string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(key, TaskRetryIndexPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

func ReviewPointKey(id string) string {
	return ReviewPointPrefix + id
}

func RunReviewIndexKey(runID, reviewID string) string {
	return RunReviewIndexPrefix + runID + ":" + reviewID
}

func RunReviewIndexPrefixFor(runID string) string {
	return RunReviewIndexPrefix + runID + ":"
}

func TaskReviewIndexKey(taskExecutionID string) string {
	return TaskReviewIndexPrefix + taskExecutionID
}

// EventKey orders a run's history by time, then by id for equal stamps.
func EventKey(runID string, at time.Time, eventID string) string {
	return fmt.Sprintf("%s%s:%020d:%s", EventPrefix, runID, at.UnixNano(), eventID)
}

func EventPrefixFor(runID string) string {
	return EventPrefix + runID + ":"
}
