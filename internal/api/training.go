package api

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
)

func (c *Controller) initTrainingRoutes() {
	c.Group.POST("/projects/:id/training", c.StartTraining)
	c.Group.GET("/projects/:id/training", c.ListTrainingRuns)
	c.Group.GET("/training/:runId/log", c.TrainingRunLog)

	c.Group.GET("/projects/:id/models", c.ListModelVersions)
	c.Group.POST("/projects/:id/models/:modelId/deploy", c.DeployModel)

	c.initMonitoringRoutes()
}

// StartTraining snapshots the project's labeled frames and launches a
// training run. Returns the pending run immediately; progress is polled
// through the run listing and log.
func (c *Controller) StartTraining(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}

	run, err := c.orchestrator.StartRun(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to start training")
	}
	return ctx.JSON(http.StatusAccepted, run)
}

// ListTrainingRuns returns the project's runs. Stale runs (running in the
// store with no live task) are reconciled to failed before listing, so a
// crashed run never reads as stuck.
func (c *Controller) ListTrainingRuns(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}

	if _, err := c.orchestrator.ReconcileStaleRuns(); err != nil {
		apiLogger.Error("Stale run reconciliation failed", "error", err)
	}

	runs, err := c.DS.ListTrainingRuns(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list training runs")
	}
	return ctx.JSON(http.StatusOK, runs)
}

// TrainingRunLog streams the run's log file content.
func (c *Controller) TrainingRunLog(ctx echo.Context) error {
	runID, err := paramID(ctx, "runId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid run ID")
	}
	run, err := c.DS.GetTrainingRun(runID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get training run")
	}
	if run.LogPath == "" {
		return ctx.String(http.StatusOK, "")
	}
	content, err := os.ReadFile(run.LogPath)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read training log")
	}
	return ctx.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, content)
}

// ListModelVersions returns the project's registered models.
func (c *Controller) ListModelVersions(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	versions, err := c.DS.ListModelVersions(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list model versions")
	}
	return ctx.JSON(http.StatusOK, versions)
}

// DeployModel atomically activates a model version for the project. The
// inference loop picks it up at its next hot-swap check, bounded by one
// inference interval.
func (c *Controller) DeployModel(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	modelVersionID, err := paramID(ctx, "modelId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid model version ID")
	}

	if err := c.DS.DeployModelVersion(projectID, modelVersionID); err != nil {
		return c.HandleError(ctx, err, "Failed to deploy model version")
	}

	deployment, err := c.DS.ActiveDeployment(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read deployment")
	}
	return ctx.JSON(http.StatusOK, deployment)
}
