package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mikkohei13/quiet-observer/internal/workers"
)

// stopTimeout bounds how long a stop request waits for the loop's in-flight
// iteration. Cancellation is only observed between iterations, so this must
// cover one full iteration.
const stopTimeout = 2 * time.Minute

func (c *Controller) initWorkerRoutes() {
	c.Group.POST("/projects/:id/workers/:kind/start", c.StartWorker)
	c.Group.POST("/projects/:id/workers/:kind/stop", c.StopWorker)
	c.Group.GET("/projects/:id/workers", c.WorkerStatus)
}

func workerKind(ctx echo.Context) (workers.Kind, bool) {
	switch ctx.Param("kind") {
	case string(workers.KindAcquisition):
		return workers.KindAcquisition, true
	case string(workers.KindInference):
		return workers.KindInference, true
	default:
		return "", false
	}
}

// StartWorker starts the loop of the given kind. Starting an already
// tracked loop returns its current status rather than a duplicate. The
// project's advisory intent flag is updated; it records the last request
// only and is never read to auto-resume after a restart.
func (c *Controller) StartWorker(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	kind, ok := workerKind(ctx)
	if !ok {
		return c.badRequest(ctx, echo.NewHTTPError(http.StatusBadRequest), "Unknown worker kind")
	}

	status, err := c.registry.Start(projectID, kind)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to start worker")
	}

	if err := c.DS.SetIntendedState(projectID, string(kind), true); err != nil {
		apiLogger.Warn("Could not record worker intent",
			"project_id", projectID, "kind", kind, "error", err)
	}

	return ctx.JSON(http.StatusOK, status)
}

// StopWorker cancels the loop and waits for its in-flight iteration.
// Stopping an untracked loop succeeds as a no-op.
func (c *Controller) StopWorker(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	kind, ok := workerKind(ctx)
	if !ok {
		return c.badRequest(ctx, echo.NewHTTPError(http.StatusBadRequest), "Unknown worker kind")
	}

	stopCtx, cancel := context.WithTimeout(ctx.Request().Context(), stopTimeout)
	defer cancel()
	if err := c.registry.Stop(stopCtx, projectID, kind); err != nil {
		return c.HandleError(ctx, err, "Failed to stop worker")
	}

	if err := c.DS.SetIntendedState(projectID, string(kind), false); err != nil {
		apiLogger.Warn("Could not record worker intent",
			"project_id", projectID, "kind", kind, "error", err)
	}

	return ctx.JSON(http.StatusOK, workers.Status{Tracked: false})
}

// WorkerStatus reports both loop kinds for a project, distinguishing "not
// started", "running" and "idle with reason".
func (c *Controller) WorkerStatus(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	return ctx.JSON(http.StatusOK, c.registry.StatusFor(projectID))
}
