package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/weave/internal/domain"
)

// StreamPublisher is the slice of a redis client the queue handler uses.
type StreamPublisher interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type queue struct {
	client        StreamPublisher
	defaultStream string
	logger        *slog.Logger
}

// NewQueueHandler publishes the task payload to a Redis stream. The stream
// comes from the task's stream setting, falling back to defaultStream.
func NewQueueHandler(client StreamPublisher, defaultStream string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	q := &queue{
		client:        client,
		defaultStream: defaultStream,
		logger:        logger.With("component", "queue-handler"),
	}
	return NewHandler(TypeQueue, nil, q.execute, logger)
}

func (q *queue) execute(ctx context.Context, req Request) (map[string]string, error) {
	stream := req.Config["stream"]
	if stream == "" {
		stream = q.defaultStream
	}
	if stream == "" {
		return nil, domain.NewConfigurationError("stream", "missing required configuration parameter: stream")
	}

	values := map[string]any{
		"payload": req.Config["payload"],
		"task_id": req.Task.ID,
		"task":    req.Task.Name,
	}
	if req.Exec != nil {
		values["run_id"] = req.Exec.RunID
		values["correlation_id"] = req.Exec.CorrelationID
		values["task_execution_id"] = req.Exec.TaskExecutionID
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if raw := req.Config["maxLen"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, domain.NewConfigurationError("maxLen", fmt.Sprintf("maxLen must be a positive integer, got %q", raw))
		}
		args.MaxLen = n
		args.Approx = true
	}

	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return nil, domain.NewTaskExecutionError(fmt.Sprintf("publish to stream %s failed: %v", stream, err), err)
	}

	q.logger.Debug("published task message", "stream", stream, "message_id", id)
	return map[string]string{
		"messageId": id,
		"stream":    stream,
	}, nil
}
