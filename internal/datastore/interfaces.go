// interfaces.go: defines the interface for database operations.
package datastore

import (
	"time"

	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/conf"
)

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	// Projects
	CreateProject(project *Project) error
	GetProject(id uint) (Project, error)
	ListProjects() ([]Project, error)
	UpdateProject(project *Project) error
	SetIntendedState(projectID uint, kind string, active bool) error
	ClearLastProcessed(projectID uint) error
	ProjectCounts(projectID uint) (ProjectCounts, error)

	// Classes
	CreateClass(class *Class) error
	ListClasses(projectID uint) ([]Class, error)
	UpdateClass(class *Class) error
	DeleteClass(id uint) error
	AnnotationCountsByClass(projectID uint) (map[uint]int64, error)

	// Frames and labeling
	SaveAcquiredFrame(frame *Frame) error
	GetFrame(id uint) (Frame, error)
	ListFrames(projectID uint, labelStatus, origin string, limit int) ([]Frame, error)
	MarkFrameNegative(frameID uint) error
	UnmarkFrame(frameID uint) error
	ReplaceAnnotations(frameID uint, annotations []Annotation) error
	ListAnnotations(frameID uint) ([]Annotation, error)

	// Inference results
	SaveInferenceResult(result *InferenceResult) error
	RecentDetections(projectID uint, limit int) ([]Detection, error)
	DetectionSummary(projectID uint, since, until time.Time) ([]ClassCount, error)

	// Review queue
	ListReviewItems(projectID uint, limit int) ([]ReviewItem, error)
	MarkReviewed(frameID uint) error
	LastReviewItemAt(projectID uint) (*time.Time, error)

	// Dataset versions
	CreateDatasetSnapshot(projectID uint, name string) (DatasetVersion, error)
	GetDatasetVersion(id uint) (DatasetVersion, error)
	DatasetFrameIDs(datasetVersionID uint) ([]uint, error)

	// Training runs
	CreateTrainingRun(run *TrainingRun) error
	GetTrainingRun(id uint) (TrainingRun, error)
	ListTrainingRuns(projectID uint) ([]TrainingRun, error)
	SetTrainingRunLog(runID uint, logPath string) error
	TransitionTrainingRun(runID uint, from, to, errorMessage string) error
	UnfinishedTrainingRuns() ([]TrainingRun, error)

	// Model versions and deployments
	CreateModelVersion(mv *ModelVersion) error
	GetModelVersion(id uint) (ModelVersion, error)
	ListModelVersions(projectID uint) ([]ModelVersion, error)
	DeployModelVersion(projectID, modelVersionID uint) error
	ActiveDeployment(projectID uint) (*Deployment, error)

	// Inference sessions
	OpenInferenceSession(projectID uint) (InferenceSession, error)
	CloseInferenceSession(sessionID uint) error
	CloseOrphanSessions(projectID uint) (int64, error)
	SetSessionModelVersion(sessionID, modelVersionID uint) error
	ListInferenceSessions(projectID uint, limit int) ([]InferenceSession, error)
}

// ProjectCounts summarizes a project's frames by the canonical labeled
// definition: a frame is trainable iff its label status is annotated or
// negative.
type ProjectCounts struct {
	Frames             int64 `json:"frames"`
	Annotated          int64 `json:"annotated"`
	Negative           int64 `json:"negative"`
	UnlabeledAcquired  int64 `json:"unlabeled_acquired"`
	UnlabeledInference int64 `json:"unlabeled_inference"`
	ReviewPending      int64 `json:"review_pending"`
}

// ClassCount is one row of a detection summary.
type ClassCount struct {
	ClassName string `json:"class_name"`
	Count     int64  `json:"count"`
}

// InferenceResult bundles the writes of one inference iteration. The store
// commits all of it in a single transaction so an external poller sees a
// fully-written iteration or the previous one, never a partial one.
type InferenceResult struct {
	Frame      *Frame
	Detections []Detection
	Review     *ReviewItem // nil when the sampling policy did not admit
	SessionID  uint
	At         time.Time
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store for the configured backend. Only sqlite is supported.
func New(settings *conf.Settings) Interface {
	return &SQLiteStore{Settings: settings}
}
