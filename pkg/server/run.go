package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"offload/pkg/dispatch"
	"offload/pkg/log"
	"offload/pkg/metrics"
	"offload/pkg/models"
	"offload/pkg/security"
	"offload/pkg/tasks"

	"github.com/labstack/echo/v4"
)

// runTask handles POST /run: a peer hands this node a task to execute locally.
// Received tasks are never re-offloaded.
func (s *NodeServer) runTask(ctx echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.TasksReceivedTotal.WithLabelValues("rate_limited").Inc()
		return errorJSON(ctx, http.StatusTooManyRequests, "Too many tasks, try another peer")
	}

	body, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		metrics.TasksReceivedTotal.WithLabelValues("invalid").Inc()
		return errorJSON(ctx, http.StatusBadRequest, "Failed to read request body")
	}

	if err := s.opts.Signer.Verify(body, ctx.Request().Header.Get(security.SignatureHeader)); err != nil {
		metrics.TasksReceivedTotal.WithLabelValues("unauthorized").Inc()
		log.Warn().Err(err).Str("remote", ctx.RealIP()).Msg("Rejected unsigned or tampered task")
		return errorJSON(ctx, http.StatusUnauthorized, err.Error())
	}

	var req models.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.TasksReceivedTotal.WithLabelValues("invalid").Inc()
		return errorJSON(ctx, http.StatusBadRequest, "Invalid task payload")
	}

	task, err := tasks.FromRequest(req)
	if err != nil {
		metrics.TasksReceivedTotal.WithLabelValues("invalid").Inc()
		return errorJSON(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.Executor.Execute(ctx.Request().Context(), task)
	if err != nil {
		if tasks.IsRejection(err) {
			metrics.TasksReceivedTotal.WithLabelValues("invalid").Inc()
			return errorJSON(ctx, http.StatusBadRequest, err.Error())
		}

		metrics.TasksReceivedTotal.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("function", task.Function).
			Str("sender", req.SenderID).
			Msg("Received task failed")
		return ctx.JSON(http.StatusUnprocessableEntity, models.RunResponse{TaskID: task.ID, Error: err.Error()})
	}

	metrics.TasksReceivedTotal.WithLabelValues("ok").Inc()
	log.Debug().Str("task_id", task.ID).Str("sender", req.SenderID).Msg("Received task completed")

	return ctx.JSON(http.StatusOK, models.RunResponse{TaskID: task.ID, Result: result})
}

// submitTask handles POST /submit: the task goes through this node's dispatch engine.
func (s *NodeServer) submitTask(ctx echo.Context) error {
	var req models.RunRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
		return errorJSON(ctx, http.StatusBadRequest, "Invalid task payload")
	}

	task, err := tasks.FromRequest(req)
	if err != nil {
		return errorJSON(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.Engine.Submit(ctx.Request().Context(), task)
	if err != nil {
		if tasks.IsRejection(err) {
			return errorJSON(ctx, http.StatusBadRequest, err.Error())
		}

		var taskErr *dispatch.TaskError
		if errors.As(err, &taskErr) {
			return ctx.JSON(http.StatusUnprocessableEntity, models.RunResponse{TaskID: task.ID, Error: taskErr.Message})
		}
		return ctx.JSON(http.StatusUnprocessableEntity, models.RunResponse{TaskID: task.ID, Error: err.Error()})
	}

	return ctx.JSON(http.StatusOK, models.SubmitResponse{
		TaskID:     result.TaskID,
		Result:     result.Value,
		ExecutedBy: result.ExecutedBy,
		Decision:   string(result.Decision),
		Fallback:   result.Fallback,
	})
}
