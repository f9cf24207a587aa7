package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mikkohei13/quiet-observer/internal/datastore"
)

func (c *Controller) initLabelingRoutes() {
	c.Group.GET("/projects/:id/frames", c.ListFrames)
	c.Group.GET("/frames/:frameId", c.GetFrame)
	c.Group.PUT("/frames/:frameId/annotations", c.ReplaceAnnotations)
	c.Group.GET("/frames/:frameId/annotations", c.ListAnnotations)
	c.Group.POST("/frames/:frameId/negative", c.MarkNegative)
	c.Group.DELETE("/frames/:frameId/negative", c.UnmarkNegative)

	c.Group.GET("/projects/:id/review", c.ListReviewQueue)
	c.Group.POST("/frames/:frameId/reviewed", c.ResolveReviewItem)
}

// ListFrames returns a project's frames, optionally filtered by
// label_status and origin query parameters.
func (c *Controller) ListFrames(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}

	limit := 100
	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return c.badRequest(ctx, err, "Invalid limit")
		}
	}

	frames, err := c.DS.ListFrames(projectID,
		ctx.QueryParam("label_status"), ctx.QueryParam("origin"), limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list frames")
	}
	return ctx.JSON(http.StatusOK, frames)
}

// GetFrame returns one frame record.
func (c *Controller) GetFrame(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	frame, err := c.DS.GetFrame(frameID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get frame")
	}
	return ctx.JSON(http.StatusOK, frame)
}

type annotationRequest struct {
	ClassID uint    `json:"class_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// ReplaceAnnotations replaces the frame's full annotation set in one
// operation. A non-empty set marks the frame annotated; an empty set
// reverts it to unlabeled. The frame's review item, if any, is resolved.
func (c *Controller) ReplaceAnnotations(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	if _, err := c.DS.GetFrame(frameID); err != nil {
		return c.HandleError(ctx, err, "Failed to get frame")
	}

	var reqs []annotationRequest
	if err := ctx.Bind(&reqs); err != nil {
		return c.badRequest(ctx, err, "Invalid annotation payload")
	}

	annotations := make([]datastore.Annotation, 0, len(reqs))
	for _, req := range reqs {
		annotations = append(annotations, datastore.Annotation{
			FrameID: frameID,
			ClassID: req.ClassID,
			X:       req.X,
			Y:       req.Y,
			Width:   req.Width,
			Height:  req.Height,
		})
	}

	if err := c.DS.ReplaceAnnotations(frameID, annotations); err != nil {
		return c.HandleError(ctx, err, "Failed to save annotations")
	}
	return ctx.JSON(http.StatusOK, map[string]int{"annotations": len(annotations)})
}

// ListAnnotations returns a frame's annotations.
func (c *Controller) ListAnnotations(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	annotations, err := c.DS.ListAnnotations(frameID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list annotations")
	}
	return ctx.JSON(http.StatusOK, annotations)
}

// MarkNegative marks an unlabeled frame as containing none of the
// project's classes. Conflicts (already annotated or negative) map to 409.
func (c *Controller) MarkNegative(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	if err := c.DS.MarkFrameNegative(frameID); err != nil {
		return c.HandleError(ctx, err, "Failed to mark frame negative")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// UnmarkNegative reverts a negative frame to unlabeled.
func (c *Controller) UnmarkNegative(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	if err := c.DS.UnmarkFrame(frameID); err != nil {
		return c.HandleError(ctx, err, "Failed to unmark frame")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// ListReviewQueue returns the project's pending review items with their
// admission reasons.
func (c *Controller) ListReviewQueue(ctx echo.Context) error {
	projectID, err := paramID(ctx, "id")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid project ID")
	}
	items, err := c.DS.ListReviewItems(projectID, 0)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list review queue")
	}
	return ctx.JSON(http.StatusOK, items)
}

// ResolveReviewItem marks a frame's review entry handled without labeling.
func (c *Controller) ResolveReviewItem(ctx echo.Context) error {
	frameID, err := paramID(ctx, "frameId")
	if err != nil {
		return c.badRequest(ctx, err, "Invalid frame ID")
	}
	if err := c.DS.MarkReviewed(frameID); err != nil {
		return c.HandleError(ctx, err, "Failed to resolve review item")
	}
	return ctx.NoContent(http.StatusNoContent)
}
