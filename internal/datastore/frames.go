package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// SaveAcquiredFrame commits one acquisition iteration: the frame row plus
// the project's last-acquisition timestamp, in a single transaction.
func (ds *DataStore) SaveAcquiredFrame(frame *Frame) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(frame).Error; err != nil {
			return fmt.Errorf("saving frame: %w", err)
		}
		if err := tx.Model(&Project{}).Where("id = ?", frame.ProjectID).
			Update("last_acquisition_at", frame.CapturedAt).Error; err != nil {
			return fmt.Errorf("updating last acquisition time: %w", err)
		}
		return nil
	})
}

// GetFrame retrieves a frame by ID.
func (ds *DataStore) GetFrame(id uint) (Frame, error) {
	var frame Frame
	if err := ds.DB.First(&frame, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Frame{}, errors.Newf("frame %d not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return Frame{}, fmt.Errorf("getting frame %d: %w", id, err)
	}
	return frame, nil
}

// ListFrames returns frames filtered by label status and/or origin, newest
// first. Empty filter values match everything; limit <= 0 means no limit.
func (ds *DataStore) ListFrames(projectID uint, labelStatus, origin string, limit int) ([]Frame, error) {
	query := ds.DB.Where("project_id = ?", projectID)
	if labelStatus != "" {
		query = query.Where("label_status = ?", labelStatus)
	}
	if origin != "" {
		query = query.Where("origin = ?", origin)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var frames []Frame
	if err := query.Order("captured_at DESC").Find(&frames).Error; err != nil {
		return nil, fmt.Errorf("listing frames for project %d: %w", projectID, err)
	}
	return frames, nil
}

// MarkFrameNegative transitions an unlabeled frame to negative. Annotated
// frames are never implicitly demoted; remove the annotations first.
func (ds *DataStore) MarkFrameNegative(frameID uint) error {
	result := ds.DB.Model(&Frame{}).
		Where("id = ? AND label_status = ?", frameID, LabelUnlabeled).
		Update("label_status", LabelNegative)
	if result.Error != nil {
		return fmt.Errorf("marking frame %d negative: %w", frameID, result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf("frame %d is not unlabeled", frameID).
			Component("datastore").
			Category(errors.CategoryState).
			Context("frame_id", frameID).
			Build()
	}
	return nil
}

// UnmarkFrame is the explicit reverse transition: negative back to unlabeled.
func (ds *DataStore) UnmarkFrame(frameID uint) error {
	result := ds.DB.Model(&Frame{}).
		Where("id = ? AND label_status = ?", frameID, LabelNegative).
		Update("label_status", LabelUnlabeled)
	if result.Error != nil {
		return fmt.Errorf("unmarking frame %d: %w", frameID, result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf("frame %d is not negative", frameID).
			Component("datastore").
			Category(errors.CategoryState).
			Context("frame_id", frameID).
			Build()
	}
	return nil
}

// ReplaceAnnotations atomically replaces the full annotation set of a frame
// and keeps the label status in step: a non-empty set marks the frame
// annotated, an empty set returns it to unlabeled. Setting the status in the
// same transaction is what keeps the labeled counts and the training
// snapshot selection in agreement.
func (ds *DataStore) ReplaceAnnotations(frameID uint, annotations []Annotation) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var frame Frame
		if err := tx.First(&frame, frameID).Error; err != nil {
			return fmt.Errorf("getting frame %d: %w", frameID, err)
		}

		if err := tx.Where("frame_id = ?", frameID).Delete(&Annotation{}).Error; err != nil {
			return fmt.Errorf("clearing annotations for frame %d: %w", frameID, err)
		}

		status := LabelUnlabeled
		if len(annotations) > 0 {
			for i := range annotations {
				annotations[i].ID = 0
				annotations[i].FrameID = frameID
			}
			if err := tx.Create(&annotations).Error; err != nil {
				return fmt.Errorf("saving annotations for frame %d: %w", frameID, err)
			}
			status = LabelAnnotated
		}

		if err := tx.Model(&Frame{}).Where("id = ?", frameID).
			Update("label_status", status).Error; err != nil {
			return fmt.Errorf("updating label status for frame %d: %w", frameID, err)
		}

		// The frame has received human attention; its review entry is done.
		if err := tx.Model(&ReviewItem{}).Where("frame_id = ?", frameID).
			Update("reviewed", true).Error; err != nil {
			return fmt.Errorf("resolving review item for frame %d: %w", frameID, err)
		}
		return nil
	})
}

// ListAnnotations returns a frame's annotations.
func (ds *DataStore) ListAnnotations(frameID uint) ([]Annotation, error) {
	var annotations []Annotation
	if err := ds.DB.Where("frame_id = ?", frameID).Find(&annotations).Error; err != nil {
		return nil, fmt.Errorf("listing annotations for frame %d: %w", frameID, err)
	}
	return annotations, nil
}

// ListReviewItems returns pending review-queue entries, newest first.
func (ds *DataStore) ListReviewItems(projectID uint, limit int) ([]ReviewItem, error) {
	query := ds.DB.Where("project_id = ? AND reviewed = ?", projectID, false).
		Order("added_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []ReviewItem
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing review items for project %d: %w", projectID, err)
	}
	return items, nil
}

// LastReviewItemAt returns when the project's most recent review item was
// added, or nil when nothing has ever been admitted. Seeds the auto-sample
// clock across process restarts.
func (ds *DataStore) LastReviewItemAt(projectID uint) (*time.Time, error) {
	var item ReviewItem
	err := ds.DB.Where("project_id = ?", projectID).
		Order("added_at DESC").First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading last review item for project %d: %w", projectID, err)
	}
	return &item.AddedAt, nil
}

// MarkReviewed resolves a frame's review-queue entry without labeling it.
func (ds *DataStore) MarkReviewed(frameID uint) error {
	if err := ds.DB.Model(&ReviewItem{}).Where("frame_id = ?", frameID).
		Update("reviewed", true).Error; err != nil {
		return fmt.Errorf("marking frame %d reviewed: %w", frameID, err)
	}
	return nil
}
