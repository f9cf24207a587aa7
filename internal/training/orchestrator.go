// Package training owns the training-run lifecycle: snapshot the labeled
// frame set, export it for the detector runtime, run the fit and register
// the produced model version. Runs execute as their own concurrent task
// with a retained handle, so a run's outcome is always observable and a
// crashed process can be reconciled at the next start.
package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/logging"
	"github.com/mikkohei13/quiet-observer/internal/observability"
)

var (
	trainingLogger   *slog.Logger
	trainingLevelVar = new(slog.LevelVar)
)

func init() {
	trainingLevelVar.Set(slog.LevelInfo)

	var err error
	trainingLogger, _, err = logging.NewFileLogger("logs/training.log", "training", trainingLevelVar)
	if err != nil {
		trainingLogger = logging.NoopLogger("training")
	}
}

// runConfig is the hyperparameter set frozen onto a training run. Field
// names follow the runtime's argument names.
type runConfig struct {
	Epochs    int     `json:"epochs"`
	ImageSize int     `json:"imgsz"`
	Freeze    int     `json:"freeze"`
	LearnRate float64 `json:"lr0"`
	Patience  int     `json:"patience"`
}

// Orchestrator starts training runs and tracks their task handles. One
// orchestrator per process; training runs concurrently with the inference
// loops, including the same project's.
type Orchestrator struct {
	store    datastore.Interface
	runtime  detector.Runtime
	settings *conf.Settings
	metrics  *observability.Metrics

	mu      sync.Mutex
	running map[uint]chan struct{} // run ID -> closed on completion
}

// NewOrchestrator creates an orchestrator with no tracked runs.
func NewOrchestrator(store datastore.Interface, runtime detector.Runtime,
	settings *conf.Settings, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:    store,
		runtime:  runtime,
		settings: settings,
		metrics:  metrics,
		running:  make(map[uint]chan struct{}),
	}
}

// StartRun snapshots the project's labeled frames into a new dataset
// version, creates a pending training run against it and launches the fit
// as a background task. Returns as soon as the run row exists; progress is
// observed through the run's status and log.
func (o *Orchestrator) StartRun(projectID uint) (datastore.TrainingRun, error) {
	if _, err := o.store.GetProject(projectID); err != nil {
		return datastore.TrainingRun{}, err
	}

	name := fmt.Sprintf("snapshot-%s", time.Now().UTC().Format("20060102-150405"))
	version, err := o.store.CreateDatasetSnapshot(projectID, name)
	if err != nil {
		return datastore.TrainingRun{}, err
	}

	cfg := runConfig{
		Epochs:    o.settings.Training.Epochs,
		ImageSize: o.settings.Training.ImageSize,
		Freeze:    o.settings.Training.Freeze,
		LearnRate: o.settings.Training.LearnRate,
		Patience:  o.settings.Training.Patience,
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return datastore.TrainingRun{}, fmt.Errorf("encoding run config: %w", err)
	}

	run := datastore.TrainingRun{
		ProjectID:        projectID,
		DatasetVersionID: version.ID,
		StartedAt:        time.Now().UTC(),
		Status:           datastore.RunPending,
		ConfigJSON:       string(rawCfg),
	}
	if err := o.store.CreateTrainingRun(&run); err != nil {
		return datastore.TrainingRun{}, err
	}

	done := make(chan struct{})
	o.mu.Lock()
	o.running[run.ID] = done
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, run.ID)
			o.mu.Unlock()
			close(done)
		}()
		o.execute(run, cfg)
	}()

	trainingLogger.Info("Training run started",
		"run_id", run.ID, "project_id", projectID,
		"dataset_version_id", version.ID, "frames", version.FrameCount)
	return run, nil
}

// IsTracked reports whether the run's task is live in this process. A run
// recorded as running in the store but not tracked here crashed with a
// previous process.
func (o *Orchestrator) IsTracked(runID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[runID]
	return ok
}

// Done exposes the run's completion channel, or nil when the run is not
// tracked.
func (o *Orchestrator) Done(runID uint) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[runID]
}

// execute drives one run to a terminal state. Every exit path writes
// succeeded or failed; a run is never left running by this function.
func (o *Orchestrator) execute(run datastore.TrainingRun, cfg runConfig) {
	logger := trainingLogger.With("run_id", run.ID, "project_id", run.ProjectID)

	if err := o.store.TransitionTrainingRun(run.ID, datastore.RunPending, datastore.RunRunning, ""); err != nil {
		logger.Error("Could not transition run to running", "error", err)
		if terr := o.store.TransitionTrainingRun(run.ID, datastore.RunPending,
			datastore.RunFailed, err.Error()); terr != nil {
			logger.Error("Could not record run failure", "error", terr)
		}
		o.metrics.RecordTrainingRun(run.ProjectID, "failed")
		return
	}

	fail := func(err error) {
		logger.Error("Training run failed", "error", err)
		if terr := o.store.TransitionTrainingRun(run.ID, datastore.RunRunning,
			datastore.RunFailed, err.Error()); terr != nil {
			logger.Error("Could not record run failure", "error", terr)
		}
		o.metrics.RecordTrainingRun(run.ProjectID, "failed")
	}

	runDir := o.settings.RunDir(run.ProjectID, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		fail(fmt.Errorf("creating run directory: %w", err))
		return
	}

	logPath := filepath.Join(runDir, "train.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		fail(fmt.Errorf("creating run log: %w", err))
		return
	}
	defer logFile.Close()
	if err := o.store.SetTrainingRunLog(run.ID, logPath); err != nil {
		fail(err)
		return
	}

	runLog := func(format string, args ...any) {
		fmt.Fprintf(logFile, format+"\n", args...)
	}
	runLog("Training run %d started at %s", run.ID, run.StartedAt.Format(time.RFC3339))

	datasetDir := filepath.Join(runDir, "dataset")
	runLog("Exporting dataset version %d", run.DatasetVersionID)
	export, err := exportDataset(o.store, o.settings, run.ProjectID, run.DatasetVersionID, datasetDir)
	if err != nil {
		runLog("Export failed: %v", err)
		fail(err)
		return
	}
	runLog("Exported %d train / %d val frames, %d classes",
		export.trainCount, export.valCount, len(export.classMap))
	runLog("Hyperparameters: epochs=%d imgsz=%d freeze=%d lr0=%g patience=%d",
		cfg.Epochs, cfg.ImageSize, cfg.Freeze, cfg.LearnRate, cfg.Patience)

	result, err := o.runtime.Fit(context.Background(), detector.FitSpec{
		DatasetYAML: export.datasetYAML,
		RunDir:      runDir,
		BaseWeights: o.settings.Training.BaseWeights,
		Epochs:      cfg.Epochs,
		ImageSize:   cfg.ImageSize,
		Freeze:      cfg.Freeze,
		LearnRate:   cfg.LearnRate,
		Patience:    cfg.Patience,
		LogWriter:   logFile,
	})
	if err != nil {
		runLog("Training FAILED: %v", err)
		fail(err)
		return
	}

	rawMetrics, err := json.Marshal(result.Metrics)
	if err != nil {
		fail(fmt.Errorf("encoding metrics: %w", err))
		return
	}
	rawClassMap, err := json.Marshal(export.classMap)
	if err != nil {
		fail(fmt.Errorf("encoding class map: %w", err))
		return
	}

	runID := run.ID
	mv := datastore.ModelVersion{
		ProjectID:     run.ProjectID,
		TrainingRunID: &runID,
		CreatedAt:     time.Now().UTC(),
		WeightsPath:   result.WeightsPath,
		MetricsJSON:   string(rawMetrics),
		ClassMapJSON:  string(rawClassMap),
	}
	if err := o.store.CreateModelVersion(&mv); err != nil {
		fail(err)
		return
	}

	if err := o.store.TransitionTrainingRun(run.ID, datastore.RunRunning, datastore.RunSucceeded, ""); err != nil {
		logger.Error("Could not record run success", "error", err)
		return
	}
	o.metrics.RecordTrainingRun(run.ProjectID, "succeeded")

	runLog("Training completed. Weights: %s", result.WeightsPath)
	logger.Info("Training run succeeded",
		"model_version_id", mv.ID, "weights", result.WeightsPath)
}
