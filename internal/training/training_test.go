package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/observability"
)

// fakeFitRuntime scripts the fit outcome; on success it writes a weights
// file under the run directory like the real runtime does.
type fakeFitRuntime struct {
	fitErr error
}

func (f *fakeFitRuntime) Infer(_ context.Context, _, _ string, _ float64) ([]detector.Prediction, error) {
	return nil, nil
}

func (f *fakeFitRuntime) Fit(_ context.Context, spec detector.FitSpec) (detector.FitResult, error) {
	if f.fitErr != nil {
		return detector.FitResult{}, f.fitErr
	}
	weights := filepath.Join(spec.RunDir, "best.pt")
	if err := os.WriteFile(weights, []byte("weights"), 0o644); err != nil {
		return detector.FitResult{}, err
	}
	return detector.FitResult{
		WeightsPath: weights,
		Metrics:     map[string]string{"metrics/mAP50(B)": "0.91"},
	}, nil
}

func newTestOrchestrator(t *testing.T, runtime detector.Runtime) (*Orchestrator, datastore.Interface, *conf.Settings) {
	t.Helper()

	settings := &conf.Settings{
		DataDir: t.TempDir(),
		Output:  conf.OutputSettings{SQLitePath: "observer.db"},
		Training: conf.TrainingSettings{
			BaseWeights: "yolo11n.pt",
			Epochs:      10,
			ImageSize:   640,
			Freeze:      10,
			LearnRate:   0.001,
			Patience:    5,
			ValSplit:    0.2,
		},
	}
	store := datastore.New(settings)
	require.NoError(t, store.Open())

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	return NewOrchestrator(store, runtime, settings, metrics), store, settings
}

// seedLabeledFrames creates a project with one class, annotated frames and
// one negative frame, with image files on disk.
func seedLabeledFrames(t *testing.T, store datastore.Interface, settings *conf.Settings, annotated int) (datastore.Project, datastore.Class) {
	t.Helper()

	project := datastore.Project{Name: "yard-cam", StreamURL: "https://stream.example/live"}
	require.NoError(t, store.CreateProject(&project))
	class := datastore.Class{ProjectID: project.ID, Name: "fox"}
	require.NoError(t, store.CreateClass(&class))

	addFrame := func(n int) datastore.Frame {
		rel := filepath.Join("projects", "1", "frames", time.Now().UTC().Format("20060102_150405")+"_"+string(rune('a'+n))+".jpg")
		abs := filepath.Join(settings.DataDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte("jpg"), 0o644))
		frame := datastore.Frame{
			ProjectID:   project.ID,
			CapturedAt:  time.Now().UTC(),
			FilePath:    rel,
			Origin:      datastore.OriginAcquisition,
			LabelStatus: datastore.LabelUnlabeled,
		}
		require.NoError(t, store.SaveAcquiredFrame(&frame))
		return frame
	}

	for i := 0; i < annotated; i++ {
		frame := addFrame(i)
		require.NoError(t, store.ReplaceAnnotations(frame.ID, []datastore.Annotation{
			{FrameID: frame.ID, ClassID: class.ID, X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25},
		}))
	}
	negative := addFrame(annotated)
	require.NoError(t, store.MarkFrameNegative(negative.ID))

	return project, class
}

func TestExportDatasetLayout(t *testing.T) {
	_, store, settings := newTestOrchestrator(t, &fakeFitRuntime{})
	project, class := seedLabeledFrames(t, store, settings, 4)

	version, err := store.CreateDatasetSnapshot(project.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, 5, version.FrameCount)

	datasetDir := filepath.Join(settings.DataDir, "export")
	result, err := exportDataset(store, settings, project.ID, version.ID, datasetDir)
	require.NoError(t, err)

	assert.Equal(t, 4, result.trainCount)
	assert.Equal(t, 1, result.valCount)
	require.Len(t, result.classMap, 1)
	assert.Equal(t, class.ID, result.classMap[0].ClassID)
	assert.Equal(t, 0, result.classMap[0].Index)
	assert.Equal(t, "fox", result.classMap[0].Name)

	// Every frame has a matching image and label file in its split.
	frameIDs, err := store.DatasetFrameIDs(version.ID)
	require.NoError(t, err)
	negativeSeen := false
	for _, id := range frameIDs {
		frame, err := store.GetFrame(id)
		require.NoError(t, err)

		var found bool
		for _, split := range []string{"train", "val"} {
			img := filepath.Join(datasetDir, "images", split, fmt.Sprintf("%d.jpg", id))
			lbl := filepath.Join(datasetDir, "labels", split, fmt.Sprintf("%d.txt", id))
			if _, err := os.Stat(img); err != nil {
				continue
			}
			found = true
			raw, err := os.ReadFile(lbl)
			require.NoError(t, err)
			if frame.LabelStatus == datastore.LabelNegative {
				assert.Empty(t, raw, "negative frame exports an empty label file")
				negativeSeen = true
			} else {
				assert.Contains(t, string(raw), "0 0.500000 0.500000 0.250000 0.250000")
			}
		}
		assert.True(t, found, "frame %d missing from export", id)
	}
	assert.True(t, negativeSeen)

	var cfg datasetConfig
	raw, err := os.ReadFile(result.datasetYAML)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &cfg))
	assert.Equal(t, datasetDir, cfg.Path)
	assert.Equal(t, "images/train", cfg.Train)
	assert.Equal(t, "images/val", cfg.Val)
	assert.Equal(t, 1, cfg.NC)
	assert.Equal(t, []string{"fox"}, cfg.Names)
}

func TestStartRunSucceedsAndRegistersModel(t *testing.T) {
	orch, store, settings := newTestOrchestrator(t, &fakeFitRuntime{})
	project, class := seedLabeledFrames(t, store, settings, 3)

	run, err := orch.StartRun(project.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunPending, run.Status)

	done := orch.Done(run.ID)
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("training run did not finish")
		}
	}

	final, err := store.GetTrainingRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunSucceeded, final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.NotEmpty(t, final.LogPath)

	versions, err := store.ListModelVersions(project.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.NotNil(t, versions[0].TrainingRunID)
	assert.Equal(t, run.ID, *versions[0].TrainingRunID)
	assert.FileExists(t, versions[0].WeightsPath)

	classes, err := versions[0].ClassMap()
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, class.ID, classes[0].ClassID)

	log, err := os.ReadFile(final.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "Training completed")
}

func TestStartRunFailureIsTerminal(t *testing.T) {
	orch, store, settings := newTestOrchestrator(t, &fakeFitRuntime{fitErr: assert.AnError})
	project, _ := seedLabeledFrames(t, store, settings, 2)

	run, err := orch.StartRun(project.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetTrainingRun(run.ID)
		return err == nil && got.Status == datastore.RunFailed
	}, 5*time.Second, 20*time.Millisecond)

	final, err := store.GetTrainingRun(run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, final.ErrorMessage)
	assert.NotNil(t, final.FinishedAt)

	versions, err := store.ListModelVersions(project.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestStartRunWithoutLabeledFrames(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, &fakeFitRuntime{})
	project := datastore.Project{Name: "empty", StreamURL: "https://stream.example/live"}
	require.NoError(t, store.CreateProject(&project))

	_, err := orch.StartRun(project.ID)
	require.Error(t, err)

	runs, err := store.ListTrainingRuns(project.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReconcileStaleRuns(t *testing.T) {
	orch, store, settings := newTestOrchestrator(t, &fakeFitRuntime{})
	project, _ := seedLabeledFrames(t, store, settings, 2)

	version, err := store.CreateDatasetSnapshot(project.ID, "v1")
	require.NoError(t, err)

	// A run left in running by a process that no longer exists.
	stale := datastore.TrainingRun{
		ProjectID:        project.ID,
		DatasetVersionID: version.ID,
		StartedAt:        time.Now().UTC().Add(-time.Hour),
		Status:           datastore.RunRunning,
	}
	require.NoError(t, store.CreateTrainingRun(&stale))

	reconciled, err := orch.ReconcileStaleRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)

	got, err := store.GetTrainingRun(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)

	// Re-running reconciliation is a no-op.
	reconciled, err = orch.ReconcileStaleRuns()
	require.NoError(t, err)
	assert.Zero(t, reconciled)
}

func TestReconcileStalePendingRun(t *testing.T) {
	orch, store, settings := newTestOrchestrator(t, &fakeFitRuntime{})
	project, _ := seedLabeledFrames(t, store, settings, 2)

	version, err := store.CreateDatasetSnapshot(project.ID, "v1")
	require.NoError(t, err)

	// A process can die between creating the run and starting the fit; the
	// run is then stuck in pending with no task that could ever advance it.
	stale := datastore.TrainingRun{
		ProjectID:        project.ID,
		DatasetVersionID: version.ID,
		StartedAt:        time.Now().UTC().Add(-time.Hour),
		Status:           datastore.RunPending,
	}
	require.NoError(t, store.CreateTrainingRun(&stale))

	reconciled, err := orch.ReconcileStaleRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)

	got, err := store.GetTrainingRun(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.RunFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
}
