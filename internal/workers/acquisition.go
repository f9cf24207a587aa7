package workers

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// newFramePath builds a fresh frame file path: the relative path stored on
// the Frame row plus the absolute path to write to.
func (r *Registry) newFramePath(projectID uint, at time.Time) (rel, abs string) {
	name := fmt.Sprintf("%s_%s.jpg", at.Format("20060102_150405"), uuid.NewString()[:8])
	rel = filepath.Join("projects", fmt.Sprintf("%d", projectID), "frames", name)
	abs = filepath.Join(r.deps.Settings.DataDir, rel)
	return rel, abs
}

// runAcquisition is the acquisition loop: capture one frame, record it,
// sleep, repeat until cancelled. A single failed capture never stops the
// loop; the next attempt happens on the next scheduled tick, not in a tight
// inner retry.
func (r *Registry) runAcquisition(ctx context.Context, projectID uint, h *handle) {
	logger := workersLogger.With("project_id", projectID, "kind", KindAcquisition)
	logger.Info("Acquisition loop starting")

	for {
		if ctx.Err() != nil {
			logger.Info("Acquisition loop cancelled")
			return
		}

		project, err := r.deps.Store.GetProject(projectID)
		if err != nil {
			if errors.CategoryOf(err) == errors.CategoryNotFound {
				logger.Error("Project gone, stopping acquisition")
				return
			}
			logger.Error("Failed to load project", "error", err)
			r.deps.Metrics.RecordLoopIteration(projectID, string(KindAcquisition), "error")
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		interval := time.Duration(project.AcquisitionIntervalSec) * time.Second

		if err := r.acquireOnce(ctx, &project); err != nil {
			// Transient source failures are skipped; the stream handle is
			// re-resolved on the next iteration.
			logger.Warn("Capture failed, skipping iteration", "error", err)
			r.deps.Metrics.RecordLoopIteration(projectID, string(KindAcquisition), "skipped")
		} else {
			r.deps.Metrics.RecordLoopIteration(projectID, string(KindAcquisition), "ok")
		}

		if !sleep(ctx, interval) {
			logger.Info("Acquisition loop cancelled during sleep")
			return
		}
	}
}

// acquireOnce captures one frame and commits the iteration's writes.
func (r *Registry) acquireOnce(ctx context.Context, project *datastore.Project) error {
	capturedAt := time.Now().UTC()
	rel, abs := r.newFramePath(project.ID, capturedAt)

	info, err := r.deps.Source.Acquire(ctx, project.StreamURL, abs)
	if err != nil {
		return err
	}

	frame := &datastore.Frame{
		ProjectID:   project.ID,
		CapturedAt:  capturedAt,
		FilePath:    rel,
		Width:       info.Width,
		Height:      info.Height,
		Origin:      datastore.OriginAcquisition,
		LabelStatus: datastore.LabelUnlabeled,
	}
	if err := r.deps.Store.SaveAcquiredFrame(frame); err != nil {
		return err
	}

	r.deps.Metrics.RecordFrameCaptured(project.ID, datastore.OriginAcquisition)
	workersLogger.Debug("Captured frame",
		"project_id", project.ID, "frame_id", frame.ID, "path", rel)
	return nil
}
