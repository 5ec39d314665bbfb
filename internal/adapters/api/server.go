// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/eleven-am/weave/internal/adapters/observability"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// HistoryReader returns the recorded events of one run.
type HistoryReader interface {
	History(ctx context.Context, runID string) ([]domain.EventRecord, error)
}

type HealthReporter interface {
	GetHealth(ctx context.Context) observability.HealthStatus
	IsReady(ctx context.Context) bool
}

// Services is everything the routes call into. Metrics may be nil.
type Services struct {
	Definitions ports.DefinitionService
	Executions  ports.ExecutionService
	Reviews     ports.ReviewService
	History     HistoryReader
	Health      HealthReporter
	Metrics     http.Handler
}

type Server struct {
	services Services
	logger   *slog.Logger
}

func NewServer(services Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{services: services, logger: logger.With("component", "api")}
}

// Echo returns a configured echo instance with every route mounted.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.health)
	e.GET("/ready", s.ready)
	if s.services.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.services.Metrics))
	}

	g := e.Group("/api")

	workflows := g.Group("/workflows")
	workflows.GET("", s.listDefinitions)
	workflows.POST("", s.createDefinition)
	workflows.GET("/name/:name", s.latestDefinition)
	workflows.GET("/name/:name/versions/:version", s.definitionVersion)
	workflows.GET("/:id", s.getDefinition)
	workflows.PUT("/:id", s.updateDefinition)
	workflows.DELETE("/:id", s.deleteDefinition)

	executions := g.Group("/executions")
	executions.POST("", s.startExecution)
	executions.GET("", s.listExecutions)
	executions.GET("/correlation/:correlationId", s.executionByCorrelation)
	executions.GET("/:id", s.getExecution)
	executions.DELETE("/:id", s.deleteExecution)
	executions.GET("/:id/tasks", s.executionTasks)
	executions.GET("/:id/history", s.executionHistory)
	executions.POST("/:id/pause", s.transition(s.services.Executions.Pause))
	executions.POST("/:id/resume", s.transition(s.services.Executions.Resume))
	executions.POST("/:id/cancel", s.transition(s.services.Executions.Cancel))
	executions.POST("/:id/retry", s.transition(s.services.Executions.Retry))
	executions.POST("/:id/retry-subset", s.retrySubset)
	executions.PUT("/:id/status", s.updateStatus)

	reviews := g.Group("/reviews")
	reviews.GET("/pending", s.pendingReviews)
	reviews.POST("/:id", s.submitReview)
}

func (s *Server) health(c echo.Context) error {
	status := s.services.Health.GetHealth(c.Request().Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (s *Server) ready(c echo.Context) error {
	if !s.services.Health.IsReady(c.Request().Context()) {
		return c.JSON(http.StatusServiceUnavailable, map[string]bool{"ready": false})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ready": true})
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	message := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if m, ok := httpErr.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request error", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorResponse{Error: message})
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error()).SetInternal(err)
	}
	return nil
}
