// Package api exposes the control surface: projects, labeling, workers,
// training and deployment. Handlers schedule or query state only; none of
// them blocks on a loop iteration.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/errors"
	"github.com/mikkohei13/quiet-observer/internal/logging"
	"github.com/mikkohei13/quiet-observer/internal/observability"
	"github.com/mikkohei13/quiet-observer/internal/training"
	"github.com/mikkohei13/quiet-observer/internal/workers"
)

var (
	apiLogger   *slog.Logger
	apiLevelVar = new(slog.LevelVar)
)

func init() {
	apiLevelVar.Set(slog.LevelInfo)

	var err error
	apiLogger, _, err = logging.NewFileLogger("logs/api.log", "api", apiLevelVar)
	if err != nil {
		apiLogger = logging.NoopLogger("api")
	}
}

// Controller wires the HTTP routes to the store, the worker registry and
// the training orchestrator.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings

	registry     *workers.Registry
	orchestrator *training.Orchestrator
	metrics      *observability.Metrics

	// summaryCache holds detection summaries; they aggregate over many rows
	// and dashboards poll them aggressively.
	summaryCache *gocache.Cache
}

// New creates the controller and registers every route under /api/v1.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings,
	registry *workers.Registry, orchestrator *training.Orchestrator,
	metrics *observability.Metrics) *Controller {

	c := &Controller{
		Echo:         e,
		Group:        e.Group("/api/v1"),
		DS:           ds,
		Settings:     settings,
		registry:     registry,
		orchestrator: orchestrator,
		metrics:      metrics,
		summaryCache: gocache.New(30*time.Second, time.Minute),
	}

	e.Use(middleware.Recover())

	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Echo.GET("/healthz", c.HealthCheck)
	c.Echo.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))

	c.initProjectRoutes()
	c.initLabelingRoutes()
	c.initWorkerRoutes()
	c.initTrainingRoutes()
}

// HealthCheck reports process liveness.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// ErrorResponse is the JSON error body every handler returns on failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HandleError maps an error to a status code from its category and logs it.
func (c *Controller) HandleError(ctx echo.Context, err error, message string) error {
	code := statusForCategory(errors.CategoryOf(err))

	apiLogger.Error("API error",
		"message", message,
		"error", err,
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method)

	return ctx.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Message: message,
		Code:    code,
	})
}

func statusForCategory(category errors.ErrorCategory) int {
	switch category {
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryConflict, errors.CategoryState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// badRequest is HandleError for malformed input with no deeper cause.
func (c *Controller) badRequest(ctx echo.Context, err error, message string) error {
	apiLogger.Warn("Bad request",
		"message", message, "error", err, "path", ctx.Request().URL.Path)
	return ctx.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   err.Error(),
		Message: message,
		Code:    http.StatusBadRequest,
	})
}
