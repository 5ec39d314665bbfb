package workflow

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/eleven-am/weave/internal/ports"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) ExecuteAsync(ctx context.Context, taskExecutionID string) (<-chan ports.DispatchResult, error) {
	args := m.Called(ctx, taskExecutionID)
	ch, _ := args.Get(0).(<-chan ports.DispatchResult)
	return ch, args.Error(1)
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ExecuteWorkflow(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *MockEngine) ExecuteTaskSubset(ctx context.Context, runID string, taskIDs []string) error {
	return m.Called(ctx, runID, taskIDs).Error(0)
}

func (m *MockEngine) RestartTask(ctx context.Context, runID, taskExecutionID string) error {
	return m.Called(ctx, runID, taskExecutionID).Error(0)
}

// Settled returns a closed channel already holding res.
func Settled(res ports.DispatchResult) <-chan ports.DispatchResult {
	ch := make(chan ports.DispatchResult, 1)
	ch <- res
	close(ch)
	return ch
}
