package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// CreateDatasetSnapshot freezes the current trainable frame set (label
// status annotated or negative) into a new immutable dataset version. Later
// label changes never alter the frozen ID set.
func (ds *DataStore) CreateDatasetSnapshot(projectID uint, name string) (DatasetVersion, error) {
	var version DatasetVersion

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var frameIDs []uint
		if err := tx.Model(&Frame{}).
			Where("project_id = ? AND label_status IN ?", projectID,
				[]string{LabelAnnotated, LabelNegative}).
			Order("id ASC").
			Pluck("id", &frameIDs).Error; err != nil {
			return fmt.Errorf("selecting trainable frames: %w", err)
		}

		if len(frameIDs) == 0 {
			return errors.Newf("project %d has no labeled frames to snapshot", projectID).
				Component("datastore").
				Category(errors.CategoryValidation).
				Build()
		}

		version = DatasetVersion{
			ProjectID:  projectID,
			Name:       name,
			CreatedAt:  time.Now().UTC(),
			FrameCount: len(frameIDs),
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("creating dataset version: %w", err)
		}

		for _, frameID := range frameIDs {
			link := DatasetVersionFrame{DatasetVersionID: version.ID, FrameID: frameID}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("freezing frame %d into version: %w", frameID, err)
			}
		}
		return nil
	})
	if err != nil {
		return DatasetVersion{}, err
	}
	return version, nil
}

// GetDatasetVersion retrieves a dataset version by ID.
func (ds *DataStore) GetDatasetVersion(id uint) (DatasetVersion, error) {
	var version DatasetVersion
	if err := ds.DB.First(&version, id).Error; err != nil {
		return DatasetVersion{}, fmt.Errorf("getting dataset version %d: %w", id, err)
	}
	return version, nil
}

// DatasetFrameIDs returns the frozen frame ID set of a dataset version.
func (ds *DataStore) DatasetFrameIDs(datasetVersionID uint) ([]uint, error) {
	var frameIDs []uint
	if err := ds.DB.Model(&DatasetVersionFrame{}).
		Where("dataset_version_id = ?", datasetVersionID).
		Order("frame_id ASC").
		Pluck("frame_id", &frameIDs).Error; err != nil {
		return nil, fmt.Errorf("listing frames of dataset version %d: %w", datasetVersionID, err)
	}
	return frameIDs, nil
}

// CreateTrainingRun inserts a run in its initial state.
func (ds *DataStore) CreateTrainingRun(run *TrainingRun) error {
	if run.Status == "" {
		run.Status = RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := ds.DB.Create(run).Error; err != nil {
		return fmt.Errorf("creating training run: %w", err)
	}
	return nil
}

// GetTrainingRun retrieves a training run by ID.
func (ds *DataStore) GetTrainingRun(id uint) (TrainingRun, error) {
	var run TrainingRun
	if err := ds.DB.First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TrainingRun{}, errors.Newf("training run %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return TrainingRun{}, fmt.Errorf("getting training run %d: %w", id, err)
	}
	return run, nil
}

// ListTrainingRuns returns a project's runs, newest first.
func (ds *DataStore) ListTrainingRuns(projectID uint) ([]TrainingRun, error) {
	var runs []TrainingRun
	if err := ds.DB.Where("project_id = ?", projectID).
		Order("started_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing training runs for project %d: %w", projectID, err)
	}
	return runs, nil
}

// SetTrainingRunLog records the run's log artifact path.
func (ds *DataStore) SetTrainingRunLog(runID uint, logPath string) error {
	if err := ds.DB.Model(&TrainingRun{}).Where("id = ?", runID).
		Update("log_path", logPath).Error; err != nil {
		return fmt.Errorf("setting log path for run %d: %w", runID, err)
	}
	return nil
}

// TransitionTrainingRun moves a run from one state to another with a guarded
// update: the write only applies when the run is still in the expected state,
// which makes stale-run reconciliation idempotent. Terminal transitions
// stamp FinishedAt.
func (ds *DataStore) TransitionTrainingRun(runID uint, from, to, errorMessage string) error {
	updates := map[string]any{"status": to}
	if to == RunSucceeded || to == RunFailed {
		updates["finished_at"] = time.Now().UTC()
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	result := ds.DB.Model(&TrainingRun{}).
		Where("id = ? AND status = ?", runID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("transitioning run %d %s -> %s: %w", runID, from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf("training run %d is not in state %s", runID, from).
			Component("datastore").
			Category(errors.CategoryState).
			Context("run_id", runID).
			Context("expected", from).
			Context("requested", to).
			Build()
	}
	return nil
}

// UnfinishedTrainingRuns returns every run still in a non-terminal state
// (pending or running), across all projects. Reconciliation compares these
// against the tracked tasks.
func (ds *DataStore) UnfinishedTrainingRuns() ([]TrainingRun, error) {
	var runs []TrainingRun
	if err := ds.DB.Where("status IN ?", []string{RunPending, RunRunning}).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing unfinished training runs: %w", err)
	}
	return runs, nil
}

// CreateModelVersion registers a new immutable model version.
func (ds *DataStore) CreateModelVersion(mv *ModelVersion) error {
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	if err := ds.DB.Create(mv).Error; err != nil {
		return fmt.Errorf("creating model version: %w", err)
	}
	return nil
}

// GetModelVersion retrieves a model version by ID.
func (ds *DataStore) GetModelVersion(id uint) (ModelVersion, error) {
	var mv ModelVersion
	if err := ds.DB.First(&mv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ModelVersion{}, errors.Newf("model version %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return ModelVersion{}, fmt.Errorf("getting model version %d: %w", id, err)
	}
	return mv, nil
}

// ListModelVersions returns a project's model versions, newest first.
func (ds *DataStore) ListModelVersions(projectID uint) ([]ModelVersion, error) {
	var versions []ModelVersion
	if err := ds.DB.Where("project_id = ?", projectID).
		Order("created_at DESC").Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("listing model versions for project %d: %w", projectID, err)
	}
	return versions, nil
}

// DeployModelVersion atomically deactivates the project's current deployment
// and activates the given model version. After the transaction exactly one
// deployment is active for the project.
func (ds *DataStore) DeployModelVersion(projectID, modelVersionID uint) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var mv ModelVersion
		if err := tx.First(&mv, modelVersionID).Error; err != nil {
			return fmt.Errorf("getting model version %d: %w", modelVersionID, err)
		}
		if mv.ProjectID != projectID {
			return errors.Newf("model version %d belongs to project %d, not %d",
				modelVersionID, mv.ProjectID, projectID).
				Component("datastore").
				Category(errors.CategoryValidation).
				Build()
		}

		if err := tx.Model(&Deployment{}).
			Where("project_id = ? AND is_active = ?", projectID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivating current deployment: %w", err)
		}

		deployment := Deployment{
			ProjectID:      projectID,
			ModelVersionID: modelVersionID,
			DeployedAt:     time.Now().UTC(),
			IsActive:       true,
		}
		if err := tx.Create(&deployment).Error; err != nil {
			return fmt.Errorf("activating deployment: %w", err)
		}
		return nil
	})
}

// ActiveDeployment returns the project's active deployment, or nil when no
// model is deployed.
func (ds *DataStore) ActiveDeployment(projectID uint) (*Deployment, error) {
	var deployment Deployment
	err := ds.DB.Where("project_id = ? AND is_active = ?", projectID, true).
		First(&deployment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active deployment for project %d: %w", projectID, err)
	}
	return &deployment, nil
}
