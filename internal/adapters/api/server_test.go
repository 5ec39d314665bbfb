package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/observability"
	"github.com/eleven-am/weave/internal/adapters/review"
	"github.com/eleven-am/weave/internal/adapters/storage"
	"github.com/eleven-am/weave/internal/core"
	"github.com/eleven-am/weave/internal/domain"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

type fakeHistory map[string][]domain.EventRecord

func (h fakeHistory) History(_ context.Context, runID string) ([]domain.EventRecord, error) {
	return h[runID], nil
}

type fixture struct {
	store  *storage.WorkflowStore
	engine *wf.MockEngine
	health *observability.HealthChecker
	echo   *echo.Echo
}

func newFixture(t *testing.T, history fakeHistory) *fixture {
	t.Helper()
	f := &fixture{
		store:  wf.NewStore(t),
		engine: &wf.MockEngine{},
		health: observability.NewHealthChecker(nil),
	}
	f.engine.On("ExecuteWorkflow", mock.Anything, mock.Anything).Return(nil).Maybe()

	recorder := &wf.Recorder{}
	definitions := core.NewDefinitionService(f.store, nil)
	server := NewServer(Services{
		Definitions: definitions,
		Executions:  core.NewExecutionService(f.store, definitions, f.engine, recorder, nil),
		Reviews:     review.NewService(f.store, f.engine, recorder, nil),
		History:     history,
		Health:      f.health,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("weave_up 1\n"))
		}),
	}, nil)
	f.echo = server.Echo()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const definitionBody = `{
	"name": "billing",
	"tasks": [
		{"id": "charge", "name": "charge", "type": "rest-api", "execution_order": 0},
		{"id": "notify", "name": "notify", "type": "queue", "execution_order": 1}
	]
}`

func TestDefinitionRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/workflows", definitionBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.WorkflowDefinition](t, rec)
	assert.Equal(t, 1, created.Version)

	rec = f.do(t, http.MethodPost, "/api/workflows", definitionBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/workflows/name/billing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[domain.WorkflowDefinition](t, rec).Version)

	rec = f.do(t, http.MethodGet, "/api/workflows/name/billing/versions/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[domain.WorkflowDefinition](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.WorkflowDefinition](t, rec), 2)

	rec = f.do(t, http.MethodPut, "/api/workflows/"+created.ID, strings.Replace(definitionBody, `"billing"`, `"billing", "description": "v1 only"`, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v1 only", decode[domain.WorkflowDefinition](t, rec).Description)

	rec = f.do(t, http.MethodDelete, "/api/workflows/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDefinitionErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		error  string
	}{
		{"unknown id", http.MethodGet, "/api/workflows/missing", "", http.StatusNotFound, "not found"},
		{"unknown name", http.MethodGet, "/api/workflows/name/ghost", "", http.StatusNotFound, "not found"},
		{"bad version", http.MethodGet, "/api/workflows/name/billing/versions/abc", "", http.StatusBadRequest, "positive integer"},
		{"malformed body", http.MethodPost, "/api/workflows", `{"name":`, http.StatusBadRequest, "invalid request body"},
		{"invalid definition", http.MethodPost, "/api/workflows", `{"name": "empty"}`, http.StatusBadRequest, "tasks is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decode[errorResponse](t, rec).Error, tt.error)
		})
	}
}

func TestExecutionRoutes(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/workflows", definitionBody).Code)

	rec := f.do(t, http.MethodPost, "/api/executions", `{"workflow_name": "billing", "variables": {"amount": "10"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[domain.WorkflowExecution](t, rec)
	assert.Equal(t, domain.WorkflowStatusCreated, run.Status)
	assert.Equal(t, "10", run.Variables["amount"])
	f.engine.AssertCalled(t, "ExecuteWorkflow", mock.Anything, run.ID)

	rec = f.do(t, http.MethodGet, "/api/executions/"+run.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.CorrelationID, decode[domain.WorkflowExecution](t, rec).CorrelationID)

	rec = f.do(t, http.MethodGet, "/api/executions/correlation/"+run.CorrelationID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.ID, decode[domain.WorkflowExecution](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/executions?status=CREATED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.WorkflowExecution](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/executions/"+run.ID+"/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/executions/"+run.ID+"/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/executions/"+run.ID+"/status", `{"status": "RUNNING"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/executions/"+run.ID+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.WorkflowStatusPaused, decode[domain.WorkflowExecution](t, rec).Status)

	rec = f.do(t, http.MethodDelete, "/api/executions/"+run.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/executions/"+run.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.WorkflowStatusCancelled, decode[domain.WorkflowExecution](t, rec).Status)

	rec = f.do(t, http.MethodDelete, "/api/executions/"+run.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExecutionErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"missing workflow name", http.MethodPost, "/api/executions", `{}`, http.StatusBadRequest},
		{"unknown workflow", http.MethodPost, "/api/executions", `{"workflow_name": "ghost"}`, http.StatusNotFound},
		{"missing status", http.MethodGet, "/api/executions", "", http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/api/executions?status=DONE", "", http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/executions/missing", "", http.StatusNotFound},
		{"unknown correlation", http.MethodGet, "/api/executions/correlation/missing", "", http.StatusNotFound},
		{"retry unknown run", http.MethodPost, "/api/executions/missing/retry", "", http.StatusNotFound},
		{"empty subset", http.MethodPost, "/api/executions/missing/retry-subset", `{"task_ids": []}`, http.StatusBadRequest},
		{"history of unknown run", http.MethodGet, "/api/executions/missing/history", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestExecutionHistory(t *testing.T) {
	history := fakeHistory{}
	f := newFixture(t, history)
	def := wf.SaveDefinition(t, f.store, domain.StrategySequential, wf.Task("a", "test", 0))
	run := wf.CreateRun(t, f.store, def, nil)
	history[run.ID] = []domain.EventRecord{{
		Sequence: 1,
		Workflow: &domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: run.ID},
	}}

	rec := f.do(t, http.MethodGet, "/api/executions/"+run.ID+"/history", "")

	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]domain.EventRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, domain.EventWorkflowStarted, records[0].Workflow.Type)
}

func TestReviewRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/reviews/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]domain.UserReviewPoint](t, rec))

	rec = f.do(t, http.MethodPost, "/api/reviews/missing", `{"decision": "MAYBE", "reviewer": "ada"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/reviews/missing", `{"decision": "APPROVE", "reviewer": "ada"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[observability.HealthStatus](t, rec).Healthy)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "").Code)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weave_up")

	f.health.Register("storage", func(context.Context) error { return errors.New("disk gone") })
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disk gone", decode[observability.HealthStatus](t, rec).Components["storage"].Error)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/ready", "").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.NewNotFoundError("run", "x"), http.StatusNotFound},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.NewStateError("pause", "x", domain.WorkflowStatusCompleted), http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{echo.NewHTTPError(http.StatusTeapot), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
