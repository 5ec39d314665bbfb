package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/weave/internal/domain"
)

func (s *Server) listDefinitions(c echo.Context) error {
	defs, err := s.services.Definitions.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) createDefinition(c echo.Context) error {
	var def domain.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return err
	}
	created, err := s.services.Definitions.Create(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getDefinition(c echo.Context) error {
	def, err := s.services.Definitions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) latestDefinition(c echo.Context) error {
	def, err := s.services.Definitions.Latest(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) definitionVersion(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return fmt.Errorf("version %q must be a positive integer: %w", c.Param("version"), domain.ErrInvalidInput)
	}
	def, err := s.services.Definitions.GetVersion(c.Request().Context(), c.Param("name"), version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updateDefinition(c echo.Context) error {
	var def domain.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return err
	}
	updated, err := s.services.Definitions.Update(c.Request().Context(), c.Param("id"), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteDefinition(c echo.Context) error {
	if err := s.services.Definitions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type startRequest struct {
	WorkflowName string            `json:"workflow_name"`
	Version      int               `json:"version,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

func (s *Server) startExecution(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.WorkflowName == "" {
		return fmt.Errorf("workflow_name is required: %w", domain.ErrInvalidInput)
	}
	run, err := s.services.Executions.Start(c.Request().Context(), req.WorkflowName, req.Version, req.Variables)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) listExecutions(c echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		return fmt.Errorf("status query parameter is required: %w", domain.ErrInvalidInput)
	}
	runs, err := s.services.Executions.ListByStatus(c.Request().Context(), domain.WorkflowStatus(status))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getExecution(c echo.Context) error {
	run, err := s.services.Executions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) executionByCorrelation(c echo.Context) error {
	run, err := s.services.Executions.GetByCorrelationID(c.Request().Context(), c.Param("correlationId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) executionTasks(c echo.Context) error {
	tasks, err := s.services.Executions.Tasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) executionHistory(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.services.Executions.Get(ctx, c.Param("id")); err != nil {
		return err
	}
	history, err := s.services.History.History(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) deleteExecution(c echo.Context) error {
	if err := s.services.Executions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type lifecycleFunc func(ctx context.Context, id string) (*domain.WorkflowExecution, error)

func (s *Server) transition(fn lifecycleFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		run, err := fn(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, run)
	}
}

type retrySubsetRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *Server) retrySubset(c echo.Context) error {
	var req retrySubsetRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	run, err := s.services.Executions.RetrySubset(c.Request().Context(), c.Param("id"), req.TaskIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

type statusRequest struct {
	Status domain.WorkflowStatus `json:"status"`
}

func (s *Server) updateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	run, err := s.services.Executions.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) pendingReviews(c echo.Context) error {
	points, err := s.services.Reviews.ListPending(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, points)
}

type reviewRequest struct {
	Decision domain.ReviewDecision `json:"decision"`
	Reviewer string                `json:"reviewer"`
	Comment  string                `json:"comment,omitempty"`
}

func (s *Server) submitReview(c echo.Context) error {
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	run, err := s.services.Reviews.SubmitReview(c.Request().Context(), c.Param("id"), req.Decision, req.Reviewer, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}
