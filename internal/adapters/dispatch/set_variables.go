package dispatch

import (
	"context"
	"log/slog"
)

// NewSetVariablesHandler emits its substituted configuration as outputs, so
// the values land in the run's variables.
func NewSetVariablesHandler(logger *slog.Logger) *Handler {
	return NewHandler(TypeSetVariables, nil, func(_ context.Context, req Request) (map[string]string, error) {
		out := make(map[string]string, len(req.Config))
		for k, v := range req.Config {
			out[k] = v
		}
		return out, nil
	}, logger)
}
