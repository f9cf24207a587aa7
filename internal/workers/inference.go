package workers

import (
	"context"
	"os"
	"time"

	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/errors"
	"github.com/mikkohei13/quiet-observer/internal/sampling"
)

// loadedModel is the inference loop's in-memory view of the deployed model.
// The loop compares it against the active deployment every iteration and
// reloads on mismatch; that is the hot-swap path, bounded by one inference
// interval.
type loadedModel struct {
	versionID   uint
	weightsPath string
	classes     map[int]datastore.ClassMapEntry
}

// runInference is the inference loop: hot-swap check, capture, detect,
// record, sample, sleep. The session opened by Start is closed when the
// loop exits, cleanly or not.
func (r *Registry) runInference(ctx context.Context, projectID, sessionID uint, h *handle) {
	logger := workersLogger.With("project_id", projectID, "kind", KindInference)
	logger.Info("Inference loop starting", "session_id", sessionID)

	defer func() {
		if err := r.deps.Store.CloseInferenceSession(sessionID); err != nil {
			logger.Error("Failed to close inference session", "error", err)
		}
		logger.Info("Inference session closed", "session_id", sessionID)
	}()

	var model loadedModel
	lastSampleAt := r.lastSampleTime(projectID)

	for {
		if ctx.Err() != nil {
			logger.Info("Inference loop cancelled")
			return
		}

		project, err := r.deps.Store.GetProject(projectID)
		if err != nil {
			if errors.CategoryOf(err) == errors.CategoryNotFound {
				logger.Error("Project gone, stopping inference")
				return
			}
			logger.Error("Failed to load project", "error", err)
			r.deps.Metrics.RecordLoopIteration(projectID, string(KindInference), "error")
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		interval := time.Duration(project.InferenceIntervalSec) * time.Second

		outcome := r.inferOnce(ctx, &project, sessionID, h, &model, &lastSampleAt)
		r.deps.Metrics.RecordLoopIteration(projectID, string(KindInference), outcome)

		if !sleep(ctx, interval) {
			logger.Info("Inference loop cancelled during sleep")
			return
		}
	}
}

// inferOnce runs one iteration and returns its outcome label: "ok",
// "skipped" (transient failure), "error" (persistence failure) or "idle"
// (missing configuration; the loop no-ops rather than crashing).
func (r *Registry) inferOnce(ctx context.Context, project *datastore.Project,
	sessionID uint, h *handle, model *loadedModel, lastSampleAt *time.Time) string {

	logger := workersLogger.With("project_id", project.ID, "kind", KindInference)

	deployment, err := r.deps.Store.ActiveDeployment(project.ID)
	if err != nil {
		logger.Error("Failed to read active deployment", "error", err)
		return "error"
	}
	if deployment == nil {
		h.setState(StateIdle + ": no model deployed")
		return "idle"
	}

	if model.versionID != deployment.ModelVersionID {
		if err := r.swapModel(project.ID, sessionID, deployment.ModelVersionID, model); err != nil {
			logger.Error("Model load failed", "error", err,
				"model_version_id", deployment.ModelVersionID)
			h.setState(StateIdle + ": model weights unavailable")
			return "idle"
		}
	}
	h.setState(StateRunning)

	capturedAt := time.Now().UTC()
	rel, abs := r.newFramePath(project.ID, capturedAt)

	info, err := r.deps.Source.Acquire(ctx, project.StreamURL, abs)
	if err != nil {
		logger.Warn("Capture failed, skipping iteration", "error", err)
		return "skipped"
	}

	inferStart := time.Now()
	predictions, err := r.deps.Runtime.Infer(ctx, model.weightsPath, abs, r.deps.Settings.Runtime.MinConfidence)
	if err != nil {
		logger.Warn("Detector call failed, skipping iteration", "error", err)
		return "skipped"
	}
	r.deps.Metrics.ObserveInferenceDuration(project.ID, time.Since(inferStart).Seconds())

	detections := make([]datastore.Detection, 0, len(predictions))
	confidences := make([]float64, 0, len(predictions))
	for _, p := range predictions {
		det := datastore.Detection{
			ModelVersionID: model.versionID,
			Confidence:     p.Confidence,
			X:              p.X,
			Y:              p.Y,
			Width:          p.Width,
			Height:         p.Height,
			DetectedAt:     capturedAt,
		}
		if entry, ok := model.classes[p.ClassIndex]; ok {
			classID := entry.ClassID
			det.ClassID = &classID
			det.ClassName = entry.Name
		} else {
			det.ClassName = "unknown"
		}
		detections = append(detections, det)
		confidences = append(confidences, p.Confidence)
	}

	decision := sampling.Evaluate(confidences, sampling.Config{
		LowConfidence:      project.LowConfidence,
		HighConfidence:     project.HighConfidence,
		AutoSampleInterval: time.Duration(project.AutoSampleIntervalSec) * time.Second,
	}, capturedAt.Sub(*lastSampleAt))

	result := &datastore.InferenceResult{
		Frame: &datastore.Frame{
			ProjectID:   project.ID,
			CapturedAt:  capturedAt,
			FilePath:    rel,
			Width:       info.Width,
			Height:      info.Height,
			Origin:      datastore.OriginInference,
			LabelStatus: datastore.LabelUnlabeled,
		},
		Detections: detections,
		SessionID:  sessionID,
		At:         capturedAt,
	}
	if decision.Admit {
		result.Review = &datastore.ReviewItem{Reason: decision.Reason}
	}

	if err := r.deps.Store.SaveInferenceResult(result); err != nil {
		// Persistence failures abandon the iteration; the next tick retries.
		logger.Error("Failed to commit inference iteration", "error", err)
		return "error"
	}

	r.deps.Metrics.RecordFrameCaptured(project.ID, datastore.OriginInference)
	r.deps.Metrics.RecordDetections(project.ID, len(detections))
	if decision.Admit {
		*lastSampleAt = capturedAt
		r.deps.Metrics.RecordReviewAdmission(project.ID)
		logger.Info("Frame admitted to review queue",
			"frame_id", result.Frame.ID, "reason", decision.Reason)
	}

	if r.deps.Publisher != nil && len(detections) > 0 {
		r.deps.Publisher.PublishDetections(project.ID, result.Frame.ID, detections)
	}

	logger.Debug("Inference iteration committed",
		"frame_id", result.Frame.ID, "detections", len(detections))
	return "ok"
}

// swapModel loads the newly deployed model version into the loop's memory
// and records the swap on the session.
func (r *Registry) swapModel(projectID, sessionID, modelVersionID uint, model *loadedModel) error {
	mv, err := r.deps.Store.GetModelVersion(modelVersionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(mv.WeightsPath); err != nil {
		return errors.Newf("weights file missing: %s", mv.WeightsPath).
			Component("workers").
			Category(errors.CategoryDetector).
			Context("model_version_id", modelVersionID).
			Build()
	}

	classes, err := mv.ClassMap()
	if err != nil {
		return err
	}

	firstLoad := model.versionID == 0
	model.versionID = mv.ID
	model.weightsPath = mv.WeightsPath
	model.classes = classes

	if err := r.deps.Store.SetSessionModelVersion(sessionID, mv.ID); err != nil {
		workersLogger.Warn("Failed to record session model version", "error", err)
	}
	if !firstLoad {
		r.deps.Metrics.RecordModelSwap(projectID)
	}

	workersLogger.Info("Model loaded",
		"project_id", projectID, "model_version_id", mv.ID, "weights", mv.WeightsPath)
	return nil
}

// lastSampleTime recovers the auto-sample clock across loop restarts. With
// no prior sample the zero time makes the first evaluation admit, which
// bootstraps the review queue for a new project.
func (r *Registry) lastSampleTime(projectID uint) time.Time {
	at, err := r.deps.Store.LastReviewItemAt(projectID)
	if err != nil {
		workersLogger.Warn("Could not read last sample time", "error", err)
		return time.Time{}
	}
	if at == nil {
		return time.Time{}
	}
	return *at
}
