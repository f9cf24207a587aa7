package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// SaveInferenceResult commits one inference iteration as a single
// transaction: frame, detections, optional review-queue entry, the
// project's last-processed pointer and the session frame counter. The
// pointer and timestamp are updated even with zero detections so pollers
// can tell "no new frame" from "new frame, nothing detected".
func (ds *DataStore) SaveInferenceResult(result *InferenceResult) error {
	if result.Frame == nil {
		return errors.NewStd("inference result has no frame")
	}

	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result.Frame).Error; err != nil {
			return fmt.Errorf("saving frame: %w", err)
		}

		for i := range result.Detections {
			result.Detections[i].FrameID = result.Frame.ID
			if err := tx.Create(&result.Detections[i]).Error; err != nil {
				return fmt.Errorf("saving detection: %w", err)
			}
		}

		if result.Review != nil {
			result.Review.FrameID = result.Frame.ID
			result.Review.ProjectID = result.Frame.ProjectID
			result.Review.AddedAt = result.At
			// One queue entry per frame; the unique index backs this up.
			if err := tx.Create(result.Review).Error; err != nil {
				return fmt.Errorf("saving review item: %w", err)
			}
		}

		updates := map[string]any{
			"last_processed_frame_id": result.Frame.ID,
			"last_inference_at":       result.At,
		}
		if err := tx.Model(&Project{}).Where("id = ?", result.Frame.ProjectID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("updating last-processed pointer: %w", err)
		}

		if result.SessionID != 0 {
			if err := tx.Model(&InferenceSession{}).Where("id = ?", result.SessionID).
				Update("frames_processed", gorm.Expr("frames_processed + 1")).Error; err != nil {
				return fmt.Errorf("updating session counter: %w", err)
			}
		}
		return nil
	})
}

// RecentDetections returns the newest detections for a project.
func (ds *DataStore) RecentDetections(projectID uint, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	var detections []Detection
	if err := ds.DB.
		Joins("JOIN frames ON frames.id = detections.frame_id").
		Where("frames.project_id = ?", projectID).
		Order("detections.detected_at DESC").
		Limit(limit).
		Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("listing detections for project %d: %w", projectID, err)
	}
	return detections, nil
}

// DetectionSummary counts detections per class name inside a time window,
// most frequent first. Used for the per-session summaries.
func (ds *DataStore) DetectionSummary(projectID uint, since, until time.Time) ([]ClassCount, error) {
	var rows []ClassCount
	if err := ds.DB.Model(&Detection{}).
		Select("detections.class_name, count(*) as count").
		Joins("JOIN frames ON frames.id = detections.frame_id").
		Where("frames.project_id = ? AND detections.detected_at >= ? AND detections.detected_at <= ?",
			projectID, since, until).
		Group("detections.class_name").
		Order("count DESC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("summarizing detections for project %d: %w", projectID, err)
	}
	return rows, nil
}

// OpenInferenceSession creates the audit record bracketing one inference
// loop run.
func (ds *DataStore) OpenInferenceSession(projectID uint) (InferenceSession, error) {
	session := InferenceSession{
		ProjectID: projectID,
		StartedAt: time.Now().UTC(),
	}
	if err := ds.DB.Create(&session).Error; err != nil {
		return InferenceSession{}, fmt.Errorf("opening inference session: %w", err)
	}
	return session, nil
}

// CloseInferenceSession stamps the session's stop time.
func (ds *DataStore) CloseInferenceSession(sessionID uint) error {
	now := time.Now().UTC()
	if err := ds.DB.Model(&InferenceSession{}).Where("id = ?", sessionID).
		Update("stopped_at", now).Error; err != nil {
		return fmt.Errorf("closing inference session %d: %w", sessionID, err)
	}
	return nil
}

// CloseOrphanSessions stamps a stop time on every open session of the
// project. Called before opening a new session, so sessions left over from
// an unclean shutdown are reconciled exactly once.
func (ds *DataStore) CloseOrphanSessions(projectID uint) (int64, error) {
	now := time.Now().UTC()
	result := ds.DB.Model(&InferenceSession{}).
		Where("project_id = ? AND stopped_at IS NULL", projectID).
		Update("stopped_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("closing orphan sessions for project %d: %w", projectID, result.Error)
	}
	return result.RowsAffected, nil
}

// SetSessionModelVersion records the model version a session is serving;
// updated again when a deployment change hot-swaps mid-session.
func (ds *DataStore) SetSessionModelVersion(sessionID, modelVersionID uint) error {
	if err := ds.DB.Model(&InferenceSession{}).Where("id = ?", sessionID).
		Update("model_version_id", modelVersionID).Error; err != nil {
		return fmt.Errorf("updating session %d model version: %w", sessionID, err)
	}
	return nil
}

// ListInferenceSessions returns a project's sessions, newest first.
func (ds *DataStore) ListInferenceSessions(projectID uint, limit int) ([]InferenceSession, error) {
	if limit <= 0 {
		limit = 10
	}
	var sessions []InferenceSession
	if err := ds.DB.Where("project_id = ?", projectID).
		Order("started_at DESC").Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions for project %d: %w", projectID, err)
	}
	return sessions, nil
}
