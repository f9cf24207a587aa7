package workers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/framesource"
	"github.com/mikkohei13/quiet-observer/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// fakeSource counts acquisitions and reports a fixed frame size without
// touching any external process.
type fakeSource struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSource) Acquire(_ context.Context, _ string, outputPath string) (framesource.FrameInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return framesource.FrameInfo{}, f.err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return framesource.FrameInfo{}, err
	}
	if err := os.WriteFile(outputPath, []byte("jpg"), 0o644); err != nil {
		return framesource.FrameInfo{}, err
	}
	return framesource.FrameInfo{Width: 320, Height: 240}, nil
}

// fakeRuntime returns a scripted set of predictions.
type fakeRuntime struct {
	predictions []detector.Prediction
	calls       atomic.Int64
}

func (f *fakeRuntime) Infer(_ context.Context, _, _ string, _ float64) ([]detector.Prediction, error) {
	f.calls.Add(1)
	return f.predictions, nil
}

func (f *fakeRuntime) Fit(_ context.Context, _ detector.FitSpec) (detector.FitResult, error) {
	return detector.FitResult{}, nil
}

func newTestDeps(t *testing.T) (Deps, datastore.Interface) {
	t.Helper()

	settings := &conf.Settings{
		DataDir: t.TempDir(),
		Output:  conf.OutputSettings{SQLitePath: "observer.db"},
		Runtime: conf.RuntimeSettings{MinConfidence: 0.1},
	}
	store := datastore.New(settings)
	require.NoError(t, store.Open())

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	return Deps{
		Store:    store,
		Source:   &fakeSource{},
		Runtime:  &fakeRuntime{},
		Settings: settings,
		Metrics:  metrics,
	}, store
}

func createTestProject(t *testing.T, store datastore.Interface) datastore.Project {
	t.Helper()
	project := datastore.Project{
		Name:                   "yard-cam",
		StreamURL:              "https://stream.example/live",
		AcquisitionIntervalSec: 1,
		InferenceIntervalSec:   1,
		AutoSampleIntervalSec:  600,
		LowConfidence:          0.3,
		HighConfidence:         0.7,
	}
	require.NoError(t, store.CreateProject(&project))
	return project
}

// deployTestModel creates a model version with real weights on disk, a class
// map, and an active deployment.
func deployTestModel(t *testing.T, store datastore.Interface, deps Deps, projectID uint) datastore.ModelVersion {
	t.Helper()

	weights := filepath.Join(deps.Settings.DataDir, "best.pt")
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0o644))

	class := datastore.Class{ProjectID: projectID, Name: "fox"}
	require.NoError(t, store.CreateClass(&class))

	classMap, err := json.Marshal([]datastore.ClassMapEntry{
		{Index: 0, ClassID: class.ID, Name: class.Name},
	})
	require.NoError(t, err)

	mv := datastore.ModelVersion{
		ProjectID:    projectID,
		WeightsPath:  weights,
		ClassMapJSON: string(classMap),
	}
	require.NoError(t, store.CreateModelVersion(&mv))
	require.NoError(t, store.DeployModelVersion(projectID, mv.ID))
	return mv
}

func TestStartIsIdempotent(t *testing.T) {
	deps, store := newTestDeps(t)
	project := createTestProject(t, store)
	registry := NewRegistry(deps)
	defer func() { require.NoError(t, registry.StopAll(context.Background())) }()

	first, err := registry.Start(project.ID, KindAcquisition)
	require.NoError(t, err)
	assert.True(t, first.Tracked)

	second, err := registry.Start(project.ID, KindAcquisition)
	require.NoError(t, err)
	assert.True(t, second.Tracked)

	// One tracked task, not two.
	assert.True(t, registry.IsTracked(project.ID, KindAcquisition))
	assert.False(t, registry.IsTracked(project.ID, KindInference))
}

func TestStartUnknownProject(t *testing.T) {
	deps, _ := newTestDeps(t)
	registry := NewRegistry(deps)

	_, err := registry.Start(999, KindAcquisition)
	require.Error(t, err)
	assert.False(t, registry.IsTracked(999, KindAcquisition))
}

func TestStopUntrackedIsNoop(t *testing.T) {
	deps, store := newTestDeps(t)
	project := createTestProject(t, store)
	registry := NewRegistry(deps)

	require.NoError(t, registry.Stop(context.Background(), project.ID, KindInference))
}

func TestAcquisitionLoopRecordsFrames(t *testing.T) {
	deps, store := newTestDeps(t)
	source := deps.Source.(*fakeSource)
	project := createTestProject(t, store)
	registry := NewRegistry(deps)

	_, err := registry.Start(project.ID, KindAcquisition)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frames, err := store.ListFrames(project.ID, "", "", 0)
		return err == nil && len(frames) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, registry.Stop(context.Background(), project.ID, KindAcquisition))
	assert.False(t, registry.IsTracked(project.ID, KindAcquisition))
	assert.GreaterOrEqual(t, source.calls.Load(), int64(1))

	frames, err := store.ListFrames(project.ID, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, datastore.OriginAcquisition, frames[0].Origin)
	assert.Equal(t, datastore.LabelUnlabeled, frames[0].LabelStatus)
	assert.Equal(t, 320, frames[0].Width)

	got, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastAcquisitionAt)
}

func TestInferenceIdleWithoutDeployment(t *testing.T) {
	deps, store := newTestDeps(t)
	project := createTestProject(t, store)
	registry := NewRegistry(deps)

	_, err := registry.Start(project.ID, KindInference)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := registry.StatusFor(project.ID)[KindInference]
		return status.Tracked && status.State == "idle: no model deployed"
	}, 3*time.Second, 20*time.Millisecond)

	// No frames were captured while idle.
	source := deps.Source.(*fakeSource)
	assert.Zero(t, source.calls.Load())

	require.NoError(t, registry.Stop(context.Background(), project.ID, KindInference))
}

func TestInferenceLoopCommitsIterations(t *testing.T) {
	deps, store := newTestDeps(t)
	deps.Runtime = &fakeRuntime{predictions: []detector.Prediction{
		{ClassIndex: 0, Confidence: 0.45, X: 0.5, Y: 0.5, Width: 0.2, Height: 0.2},
	}}
	project := createTestProject(t, store)
	mv := deployTestModel(t, store, deps, project.ID)
	registry := NewRegistry(deps)

	_, err := registry.Start(project.ID, KindInference)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		detections, err := store.RecentDetections(project.ID, 10)
		return err == nil && len(detections) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, registry.Stop(context.Background(), project.ID, KindInference))

	detections, err := store.RecentDetections(project.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, detections)
	assert.Equal(t, "fox", detections[0].ClassName)
	require.NotNil(t, detections[0].ClassID)
	assert.Equal(t, mv.ID, detections[0].ModelVersionID)

	// 0.45 is inside the default uncertainty band, so the frame was admitted.
	items, err := store.ListReviewItems(project.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Contains(t, items[0].Reason, "uncertain confidence")

	// The session was recorded against the loaded model and closed on stop.
	sessions, err := store.ListInferenceSessions(project.ID, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].ModelVersionID)
	assert.Equal(t, mv.ID, *sessions[0].ModelVersionID)
	assert.NotNil(t, sessions[0].StoppedAt)
	assert.GreaterOrEqual(t, sessions[0].FramesProcessed, 1)

	got, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastProcessedFrameID)
}

func TestInferenceStartClosesOrphanSessions(t *testing.T) {
	deps, store := newTestDeps(t)
	project := createTestProject(t, store)

	// Session left open by a previous process.
	orphan, err := store.OpenInferenceSession(project.ID)
	require.NoError(t, err)

	registry := NewRegistry(deps)
	_, err = registry.Start(project.ID, KindInference)
	require.NoError(t, err)
	require.NoError(t, registry.Stop(context.Background(), project.ID, KindInference))

	sessions, err := store.ListInferenceSessions(project.ID, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotNil(t, s.StoppedAt, "session %d should be closed", s.ID)
	}
	require.NotZero(t, orphan.ID)
}

func TestStopAllDrainsEveryLoop(t *testing.T) {
	deps, store := newTestDeps(t)
	first := createTestProject(t, store)
	second := createTestProject(t, store)
	registry := NewRegistry(deps)

	for _, id := range []uint{first.ID, second.ID} {
		_, err := registry.Start(id, KindAcquisition)
		require.NoError(t, err)
		_, err = registry.Start(id, KindInference)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.StopAll(ctx))

	for _, id := range []uint{first.ID, second.ID} {
		assert.False(t, registry.IsTracked(id, KindAcquisition))
		assert.False(t, registry.IsTracked(id, KindInference))
	}
}

// blockingSource holds every acquisition open until release is closed,
// simulating an external process that ignores cancellation.
type blockingSource struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingSource) Acquire(context.Context, string, string) (framesource.FrameInfo, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return framesource.FrameInfo{}, context.Canceled
}

func TestStopTimeoutKeepsLoopTracked(t *testing.T) {
	deps, store := newTestDeps(t)
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	deps.Source = src
	registry := NewRegistry(deps)
	project := createTestProject(t, store)

	_, err := registry.Start(project.ID, KindAcquisition)
	require.NoError(t, err)
	<-src.started

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	err = registry.Stop(expired, project.ID, KindAcquisition)
	require.Error(t, err)

	// The loop is still draining, so it must stay tracked and a new Start
	// must not spin up a second loop on top of it.
	assert.True(t, registry.IsTracked(project.ID, KindAcquisition))

	close(src.release)
	require.Eventually(t, func() bool {
		return !registry.IsTracked(project.ID, KindAcquisition)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, registry.Stop(context.Background(), project.ID, KindAcquisition))
}
