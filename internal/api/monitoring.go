package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mikkohei13/quiet-observer/internal/datastore"
)

func (c *Controller) initMonitoringRoutes() {
	c.Group.GET("/projects/:id/detections", c.RecentDetections)
	c.Group.GET("/projects/:id/detections/summary", c.DetectionSummary)
	c.Group.GET("/projects/:id/sessions", c.ListSessions)
}

// RecentDetections returns the newest detections for a project.
func (c *Controller) RecentDetections(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	detections, err := c.DS.RecentDetections(projectID, 100)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list detections")
	}
	return ctx.JSON(http.StatusOK, detections)
}

// DetectionSummary returns per-class detection counts over a window, 24h by
// default. Summaries are cached briefly; dashboards poll them.
func (c *Controller) DetectionSummary(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}

	window := 24 * time.Hour
	if raw := ctx.QueryParam("window"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil {
			return c.badRequest(ctx, err, "Invalid window duration")
		}
	}

	cacheKey := fmt.Sprintf("summary:%d:%s", projectID, window)
	if cached, found := c.summaryCache.Get(cacheKey); found {
		return ctx.JSON(http.StatusOK, cached.([]datastore.ClassCount))
	}

	until := time.Now().UTC()
	summary, err := c.DS.DetectionSummary(projectID, until.Add(-window), until)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to summarize detections")
	}
	c.summaryCache.SetDefault(cacheKey, summary)

	return ctx.JSON(http.StatusOK, summary)
}

// ListSessions returns the project's inference session history.
func (c *Controller) ListSessions(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	sessions, err := c.DS.ListInferenceSessions(projectID, 50)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list sessions")
	}
	return ctx.JSON(http.StatusOK, sessions)
}
