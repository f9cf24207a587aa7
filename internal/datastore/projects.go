package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// Loop kinds used by SetIntendedState. Mirrors workers.Kind values without
// importing the workers package.
const (
	KindAcquisition = "acquisition"
	KindInference   = "inference"
)

// CreateProject inserts a new project.
func (ds *DataStore) CreateProject(project *Project) error {
	if err := ds.DB.Create(project).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (ds *DataStore) GetProject(id uint) (Project, error) {
	var project Project
	if err := ds.DB.First(&project, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Project{}, errors.Newf("project %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return Project{}, fmt.Errorf("getting project %d: %w", id, err)
	}
	return project, nil
}

// ListProjects returns all projects, newest first.
func (ds *DataStore) ListProjects() ([]Project, error) {
	var projects []Project
	if err := ds.DB.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// UpdateProject saves the project's mutable fields.
func (ds *DataStore) UpdateProject(project *Project) error {
	if err := ds.DB.Save(project).Error; err != nil {
		return fmt.Errorf("updating project %d: %w", project.ID, err)
	}
	return nil
}

// SetIntendedState records the last user start/stop action for a loop kind.
// The flag is advisory only and never drives auto-resume on restart.
func (ds *DataStore) SetIntendedState(projectID uint, kind string, active bool) error {
	var column string
	switch kind {
	case KindAcquisition:
		column = "acquisition_active"
	case KindInference:
		column = "inference_active"
	default:
		return errors.Newf("unknown loop kind %q", kind).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := ds.DB.Model(&Project{}).Where("id = ?", projectID).
		Update(column, active).Error; err != nil {
		return fmt.Errorf("setting intended %s state for project %d: %w", kind, projectID, err)
	}
	return nil
}

// ClearLastProcessed resets the last-processed pointer and last-inference
// timestamp so downstream pollers see a clean state on session start.
func (ds *DataStore) ClearLastProcessed(projectID uint) error {
	updates := map[string]any{
		"last_processed_frame_id": nil,
		"last_inference_at":       nil,
	}
	if err := ds.DB.Model(&Project{}).Where("id = ?", projectID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("clearing last-processed pointer for project %d: %w", projectID, err)
	}
	return nil
}

// ProjectCounts computes frame counts by label status and origin plus the
// pending review-queue depth, all as explicit read-side queries.
func (ds *DataStore) ProjectCounts(projectID uint) (ProjectCounts, error) {
	var counts ProjectCounts

	type row struct {
		LabelStatus string
		Origin      string
		N           int64
	}
	var rows []row
	if err := ds.DB.Model(&Frame{}).
		Select("label_status, origin, count(*) as n").
		Where("project_id = ?", projectID).
		Group("label_status, origin").
		Scan(&rows).Error; err != nil {
		return counts, fmt.Errorf("counting frames for project %d: %w", projectID, err)
	}

	for _, r := range rows {
		counts.Frames += r.N
		switch r.LabelStatus {
		case LabelAnnotated:
			counts.Annotated += r.N
		case LabelNegative:
			counts.Negative += r.N
		case LabelUnlabeled:
			if r.Origin == OriginInference {
				counts.UnlabeledInference += r.N
			} else {
				counts.UnlabeledAcquired += r.N
			}
		}
	}

	if err := ds.DB.Model(&ReviewItem{}).
		Where("project_id = ? AND reviewed = ?", projectID, false).
		Count(&counts.ReviewPending).Error; err != nil {
		return counts, fmt.Errorf("counting review items for project %d: %w", projectID, err)
	}

	return counts, nil
}

// classPalette is cycled per project so consecutive classes render in
// distinct colors.
var classPalette = []string{
	"#e74c3c", "#3498db", "#2ecc71", "#f39c12",
	"#9b59b6", "#1abc9c", "#e67e22", "#34495e",
}

// CreateClass inserts a new class for a project. A class created without
// an explicit color takes the next palette color for its project.
func (ds *DataStore) CreateClass(class *Class) error {
	if class.Color == "" {
		var existing int64
		if err := ds.DB.Model(&Class{}).Where("project_id = ?", class.ProjectID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("counting classes for project %d: %w", class.ProjectID, err)
		}
		class.Color = classPalette[existing%int64(len(classPalette))]
	}
	if err := ds.DB.Create(class).Error; err != nil {
		return fmt.Errorf("creating class: %w", err)
	}
	return nil
}

// ListClasses returns a project's classes in creation order.
func (ds *DataStore) ListClasses(projectID uint) ([]Class, error) {
	var classes []Class
	if err := ds.DB.Where("project_id = ?", projectID).
		Order("id ASC").Find(&classes).Error; err != nil {
		return nil, fmt.Errorf("listing classes for project %d: %w", projectID, err)
	}
	return classes, nil
}

// UpdateClass renames/recolors a class. Annotations reference the class ID,
// so no annotation rows are touched.
func (ds *DataStore) UpdateClass(class *Class) error {
	if err := ds.DB.Save(class).Error; err != nil {
		return fmt.Errorf("updating class %d: %w", class.ID, err)
	}
	return nil
}

// DeleteClass removes a class and its annotations.
func (ds *DataStore) DeleteClass(id uint) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("class_id = ?", id).Delete(&Annotation{}).Error; err != nil {
			return fmt.Errorf("deleting annotations for class %d: %w", id, err)
		}
		if err := tx.Delete(&Class{}, id).Error; err != nil {
			return fmt.Errorf("deleting class %d: %w", id, err)
		}
		return nil
	})
}

// AnnotationCountsByClass returns annotation instance counts keyed by class ID.
func (ds *DataStore) AnnotationCountsByClass(projectID uint) (map[uint]int64, error) {
	type row struct {
		ClassID uint
		N       int64
	}
	var rows []row
	if err := ds.DB.Model(&Annotation{}).
		Select("annotations.class_id, count(*) as n").
		Joins("JOIN frames ON frames.id = annotations.frame_id").
		Where("frames.project_id = ?", projectID).
		Group("annotations.class_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting annotations for project %d: %w", projectID, err)
	}

	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.ClassID] = r.N
	}
	return counts, nil
}
