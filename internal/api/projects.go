package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/errors"
	"github.com/mikkohei13/quiet-observer/internal/workers"
)

func (c *Controller) initProjectRoutes() {
	c.Group.POST("/projects", c.CreateProject)
	c.Group.GET("/projects", c.ListProjects)
	c.Group.GET("/projects/:id", c.GetProject)
	c.Group.PATCH("/projects/:id", c.UpdateProject)
	c.Group.GET("/projects/:id/status", c.ProjectStatus)

	c.Group.POST("/projects/:id/classes", c.CreateClass)
	c.Group.GET("/projects/:id/classes", c.ListClasses)
	c.Group.PATCH("/projects/:id/classes/:classId", c.UpdateClass)
	c.Group.DELETE("/projects/:id/classes/:classId", c.DeleteClass)
}

func paramID(ctx echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

type projectRequest struct {
	Name                   string   `json:"name"`
	StreamURL              string   `json:"stream_url"`
	AcquisitionIntervalSec *int     `json:"acquisition_interval_sec"`
	InferenceIntervalSec   *int     `json:"inference_interval_sec"`
	AutoSampleIntervalSec  *int     `json:"auto_sample_interval_sec"`
	LowConfidence          *float64 `json:"low_confidence"`
	HighConfidence         *float64 `json:"high_confidence"`
}

// CreateProject creates a project; omitted tunables take the configured
// defaults and become the project's own values from then on.
func (c *Controller) CreateProject(ctx echo.Context) error {
	var req projectRequest
	if err := ctx.Bind(&req); err != nil {
		return c.badRequest(ctx, err, "Invalid project payload")
	}
	if req.Name == "" || req.StreamURL == "" {
		return c.badRequest(ctx, echo.NewHTTPError(http.StatusBadRequest),
			"name and stream_url are required")
	}

	defaults := c.Settings.Project
	project := datastore.Project{
		Name:                   req.Name,
		StreamURL:              req.StreamURL,
		AcquisitionIntervalSec: defaults.AcquisitionIntervalSec,
		InferenceIntervalSec:   defaults.InferenceIntervalSec,
		AutoSampleIntervalSec:  defaults.AutoSampleIntervalSec,
		LowConfidence:          defaults.LowConfidence,
		HighConfidence:         defaults.HighConfidence,
	}
	applyProjectRequest(&project, &req)
	if err := validateProjectTunables(&project); err != nil {
		return c.HandleError(ctx, err, "Invalid project tunables")
	}

	if err := c.DS.CreateProject(&project); err != nil {
		return c.HandleError(ctx, err, "Failed to create project")
	}
	return ctx.JSON(http.StatusCreated, project)
}

// validateProjectTunables enforces the same constraints on per-project
// values that conf.Validate enforces on the configured defaults. An
// inverted band would admit nothing; a non-positive interval would turn a
// loop's sleep into a busy spin against the stream tools.
func validateProjectTunables(project *datastore.Project) error {
	if project.AcquisitionIntervalSec <= 0 || project.InferenceIntervalSec <= 0 {
		return errors.Newf("intervals must be positive, got acquisition=%d inference=%d",
			project.AcquisitionIntervalSec, project.InferenceIntervalSec).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	if project.AutoSampleIntervalSec < 0 {
		return errors.Newf("auto_sample_interval_sec must not be negative, got %d",
			project.AutoSampleIntervalSec).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	if project.LowConfidence < 0 || project.HighConfidence > 1 ||
		project.LowConfidence >= project.HighConfidence {
		return errors.Newf("confidence band [%.2f, %.2f) must satisfy 0 <= low < high <= 1",
			project.LowConfidence, project.HighConfidence).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func applyProjectRequest(project *datastore.Project, req *projectRequest) {
	if req.AcquisitionIntervalSec != nil {
		project.AcquisitionIntervalSec = *req.AcquisitionIntervalSec
	}
	if req.InferenceIntervalSec != nil {
		project.InferenceIntervalSec = *req.InferenceIntervalSec
	}
	if req.AutoSampleIntervalSec != nil {
		project.AutoSampleIntervalSec = *req.AutoSampleIntervalSec
	}
	if req.LowConfidence != nil {
		project.LowConfidence = *req.LowConfidence
	}
	if req.HighConfidence != nil {
		project.HighConfidence = *req.HighConfidence
	}
}

// ListProjects returns all projects.
func (c *Controller) ListProjects(ctx echo.Context) error {
	projects, err := c.DS.ListProjects()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list projects")
	}
	return ctx.JSON(http.StatusOK, projects)
}

// GetProject returns one project.
func (c *Controller) GetProject(ctx echo.Context) error {
	id, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	project, err := c.DS.GetProject(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get project")
	}
	return ctx.JSON(http.StatusOK, project)
}

// UpdateProject updates a project's tunables. Running loops pick up new
// intervals and thresholds on their next iteration; no restart needed.
func (c *Controller) UpdateProject(ctx echo.Context) error {
	id, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	project, err := c.DS.GetProject(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get project")
	}

	var req projectRequest
	if err := ctx.Bind(&req); err != nil {
		return c.badRequest(ctx, err, "Invalid project payload")
	}
	if req.Name != "" {
		project.Name = req.Name
	}
	if req.StreamURL != "" {
		project.StreamURL = req.StreamURL
	}
	applyProjectRequest(&project, &req)
	if err := validateProjectTunables(&project); err != nil {
		return c.HandleError(ctx, err, "Invalid project tunables")
	}

	if err := c.DS.UpdateProject(&project); err != nil {
		return c.HandleError(ctx, err, "Failed to update project")
	}
	return ctx.JSON(http.StatusOK, project)
}

// projectStatusResponse is a single poll's view of a project: loop states,
// frame counts and per-class annotation totals.
type projectStatusResponse struct {
	Project     datastore.Project               `json:"project"`
	Workers     map[workers.Kind]workers.Status `json:"workers"`
	Counts      datastore.ProjectCounts         `json:"counts"`
	ClassCounts []classCountEntry               `json:"class_counts"`
}

type classCountEntry struct {
	ClassID     uint   `json:"class_id"`
	Name        string `json:"name"`
	Annotations int64  `json:"annotations"`
}

// ProjectStatus reports loop tracking state (including idle reasons),
// counts and last activity timestamps. The Tracked field answers "is it
// running now"; the project's advisory flags only record the last intent.
func (c *Controller) ProjectStatus(ctx echo.Context) error {
	id, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	project, err := c.DS.GetProject(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get project")
	}

	counts, err := c.DS.ProjectCounts(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to count frames")
	}

	classes, err := c.DS.ListClasses(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list classes")
	}
	annotationCounts, err := c.DS.AnnotationCountsByClass(id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to count annotations")
	}
	classCounts := make([]classCountEntry, 0, len(classes))
	for _, class := range classes {
		classCounts = append(classCounts, classCountEntry{
			ClassID:     class.ID,
			Name:        class.Name,
			Annotations: annotationCounts[class.ID],
		})
	}

	return ctx.JSON(http.StatusOK, projectStatusResponse{
		Project:     project,
		Workers:     c.registry.StatusFor(id),
		Counts:      counts,
		ClassCounts: classCounts,
	})
}

type classRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// CreateClass adds a detection class to a project.
func (c *Controller) CreateClass(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	if _, err := c.DS.GetProject(projectID); err != nil {
		return c.HandleError(ctx, err, "Failed to get project")
	}

	var req classRequest
	if err := ctx.Bind(&req); err != nil {
		return c.badRequest(ctx, err, "Invalid class payload")
	}
	if req.Name == "" {
		return c.badRequest(ctx, echo.NewHTTPError(http.StatusBadRequest), "name is required")
	}

	class := datastore.Class{ProjectID: projectID, Name: req.Name, Color: req.Color}
	if err := c.DS.CreateClass(&class); err != nil {
		return c.HandleError(ctx, err, "Failed to create class")
	}
	return ctx.JSON(http.StatusCreated, class)
}

// ListClasses returns a project's classes.
func (c *Controller) ListClasses(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	classes, err := c.DS.ListClasses(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list classes")
	}
	return ctx.JSON(http.StatusOK, classes)
}

// UpdateClass renames or recolors a class. Annotations reference the class
// by ID so a rename never touches them.
func (c *Controller) UpdateClass(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	classID, err := paramID(ctx, "classId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid class ID")
	}

	classes, err := c.DS.ListClasses(projectID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list classes")
	}
	var class *datastore.Class
	for i := range classes {
		if classes[i].ID == classID {
			class = &classes[i]
			break
		}
	}
	if class == nil {
		return ctx.JSON(http.StatusNotFound, ErrorResponse{
			Error: "class not found", Message: "Failed to get class", Code: http.StatusNotFound,
		})
	}

	var req classRequest
	if err := ctx.Bind(&req); err != nil {
		return c.badRequest(ctx, err, "Invalid class payload")
	}
	if req.Name != "" {
		class.Name = req.Name
	}
	if req.Color != "" {
		class.Color = req.Color
	}
	if err := c.DS.UpdateClass(class); err != nil {
		return c.HandleError(ctx, err, "Failed to update class")
	}
	return ctx.JSON(http.StatusOK, class)
}

// DeleteClass removes a class.
func (c *Controller) DeleteClass(ctx echo.Context) error {
	classID, err := paramID(ctx, "classId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid class ID")
	}
	if err := c.DS.DeleteClass(classID); err != nil {
		return c.HandleError(ctx, err, "Failed to delete class")
	}
	return ctx.NoContent(http.StatusNoContent)
}
