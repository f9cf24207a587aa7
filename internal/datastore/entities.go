package datastore

import (
	"encoding/json"
	"time"
)

// Frame origin values. Origin is set at creation and never changes.
const (
	OriginAcquisition = "acquisition"
	OriginInference   = "inference"
)

// Frame label status values. Transitions: unlabeled -> {annotated, negative}
// via the labeling layer; negative -> unlabeled via an explicit unmark.
const (
	LabelUnlabeled = "unlabeled"
	LabelAnnotated = "annotated"
	LabelNegative  = "negative"
)

// Training run states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Project is a monitored stream with its per-project tunables. The
// AcquisitionActive and InferenceActive flags record the last user intent
// only; they are never read to auto-resume loops after a process restart.
type Project struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	StreamURL string `gorm:"not null"`
	CreatedAt time.Time

	AcquisitionIntervalSec int     `gorm:"default:60"`
	InferenceIntervalSec   int     `gorm:"default:30"`
	AutoSampleIntervalSec  int     `gorm:"default:600"`
	LowConfidence          float64 `gorm:"default:0.3"`
	HighConfidence         float64 `gorm:"default:0.7"`

	AcquisitionActive bool `gorm:"default:false"`
	InferenceActive   bool `gorm:"default:false"`

	LastAcquisitionAt    *time.Time
	LastInferenceAt      *time.Time
	LastProcessedFrameID *uint
}

// Frame is an immutable image record; only LabelStatus may change after
// creation, and only through the labeling actions.
type Frame struct {
	ID          uint `gorm:"primaryKey"`
	ProjectID   uint `gorm:"index;not null"`
	CapturedAt  time.Time
	FilePath    string `gorm:"not null"` // relative to the data directory
	Width       int
	Height      int
	Origin      string `gorm:"type:varchar(20);index;not null"`
	LabelStatus string `gorm:"type:varchar(20);index;default:unlabeled"`
}

// Class is a named detection category scoped to a project. Annotations and
// detections reference the ID, so renames never rewrite those rows.
type Class struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID uint   `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	Color     string `gorm:"default:#e74c3c"`
}

// Annotation is a human-drawn normalized bounding box
// (x_center, y_center, width, height in [0,1]).
type Annotation struct {
	ID      uint `gorm:"primaryKey"`
	FrameID uint `gorm:"index;not null"`
	ClassID uint `gorm:"index;not null"`
	X       float64
	Y       float64
	Width   float64
	Height  float64
}

// Detection is a model-produced box with confidence, immutable once written.
type Detection struct {
	ID             uint `gorm:"primaryKey"`
	FrameID        uint `gorm:"index;not null"`
	ModelVersionID uint `gorm:"index;not null"`
	ClassID        *uint
	ClassName      string
	Confidence     float64
	X              float64
	Y              float64
	Width          float64
	Height         float64
	DetectedAt     time.Time `gorm:"index"`
}

// ReviewItem queues a frame for human attention. One row per frame: multiple
// admission reasons collapse into a single entry.
type ReviewItem struct {
	ID        uint `gorm:"primaryKey"`
	FrameID   uint `gorm:"uniqueIndex;not null"`
	ProjectID uint `gorm:"index;not null"`
	AddedAt   time.Time
	Reason    string
	Reviewed  bool `gorm:"default:false"`
}

// DatasetVersion is an immutable snapshot of trainable frame IDs. Label
// changes after creation never alter an existing version.
type DatasetVersion struct {
	ID         uint `gorm:"primaryKey"`
	ProjectID  uint `gorm:"index;not null"`
	Name       string
	CreatedAt  time.Time
	FrameCount int
}

// DatasetVersionFrame freezes one frame into a dataset version.
type DatasetVersionFrame struct {
	DatasetVersionID uint `gorm:"primaryKey;autoIncrement:false"`
	FrameID          uint `gorm:"primaryKey;autoIncrement:false"`
}

// TrainingRun tracks one fit invocation: pending -> running -> {succeeded,
// failed}. A run must never remain running once the process that started it
// has exited; reconciliation flips such runs to failed.
type TrainingRun struct {
	ID               uint `gorm:"primaryKey"`
	ProjectID        uint `gorm:"index;not null"`
	DatasetVersionID uint `gorm:"not null"`
	StartedAt        time.Time
	FinishedAt       *time.Time
	Status           string `gorm:"type:varchar(20);index;default:pending"`
	ConfigJSON       string
	LogPath          string
	ErrorMessage     string
}

// ModelVersion is an immutable registered model. TrainingRunID is nil for
// weights that are not the product of a run (e.g. an imported base model).
type ModelVersion struct {
	ID            uint `gorm:"primaryKey"`
	ProjectID     uint `gorm:"index;not null"`
	TrainingRunID *uint
	CreatedAt     time.Time
	WeightsPath   string `gorm:"not null"`
	MetricsJSON   string
	ClassMapJSON  string
}

// ClassMapEntry ties a detector output index to the project class it was
// trained against. The mapping is frozen per model version so detections
// stay interpretable after classes are renamed or removed.
type ClassMapEntry struct {
	Index   int    `json:"index"`
	ClassID uint   `json:"class_id"`
	Name    string `json:"name"`
}

// ClassMap decodes the stored class mapping keyed by detector index. An
// empty ClassMapJSON yields an empty map, not an error.
func (mv *ModelVersion) ClassMap() (map[int]ClassMapEntry, error) {
	classes := make(map[int]ClassMapEntry)
	if mv.ClassMapJSON == "" {
		return classes, nil
	}
	var entries []ClassMapEntry
	if err := json.Unmarshal([]byte(mv.ClassMapJSON), &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		classes[e.Index] = e
	}
	return classes, nil
}

// Deployment maps the currently active model version per project; at most
// one row per project has IsActive set.
type Deployment struct {
	ID             uint `gorm:"primaryKey"`
	ProjectID      uint `gorm:"index;not null"`
	ModelVersionID uint `gorm:"not null"`
	DeployedAt     time.Time
	IsActive       bool `gorm:"index"`
}

// InferenceSession brackets one run of the inference loop. A nil StoppedAt
// on a session that is not live marks an unclean shutdown (orphan).
type InferenceSession struct {
	ID              uint `gorm:"primaryKey"`
	ProjectID       uint `gorm:"index;not null"`
	ModelVersionID  *uint
	StartedAt       time.Time `gorm:"not null"`
	StoppedAt       *time.Time
	FramesProcessed int `gorm:"default:0"`
}
