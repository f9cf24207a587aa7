package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/framesource"
	"github.com/mikkohei13/quiet-observer/internal/observability"
	"github.com/mikkohei13/quiet-observer/internal/training"
	"github.com/mikkohei13/quiet-observer/internal/workers"
)

type stubSource struct{}

func (stubSource) Acquire(_ context.Context, _, _ string) (framesource.FrameInfo, error) {
	return framesource.FrameInfo{Width: 320, Height: 240}, nil
}

type stubRuntime struct{}

func (stubRuntime) Infer(_ context.Context, _, _ string, _ float64) ([]detector.Prediction, error) {
	return nil, nil
}

func (stubRuntime) Fit(_ context.Context, _ detector.FitSpec) (detector.FitResult, error) {
	return detector.FitResult{}, nil
}

func newTestController(t *testing.T) (*Controller, datastore.Interface) {
	t.Helper()

	settings := &conf.Settings{
		DataDir: t.TempDir(),
		Output:  conf.OutputSettings{SQLitePath: "observer.db"},
		Project: conf.ProjectDefaults{
			AcquisitionIntervalSec: 60,
			InferenceIntervalSec:   30,
			AutoSampleIntervalSec:  600,
			LowConfidence:          0.3,
			HighConfidence:         0.7,
		},
	}
	store := datastore.New(settings)
	require.NoError(t, store.Open())

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	registry := workers.NewRegistry(workers.Deps{
		Store:    store,
		Source:   stubSource{},
		Runtime:  stubRuntime{},
		Settings: settings,
		Metrics:  metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.StopAll(ctx)
	})

	orchestrator := training.NewOrchestrator(store, stubRuntime{}, settings, metrics)

	e := echo.New()
	return New(e, store, settings, registry, orchestrator, metrics), store
}

func doJSON(t *testing.T, c *Controller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateProjectAppliesDefaults(t *testing.T) {
	c, _ := newTestController(t)

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects",
		`{"name":"yard-cam","stream_url":"https://stream.example/live"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var project datastore.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	assert.NotZero(t, project.ID)
	assert.Equal(t, 60, project.AcquisitionIntervalSec)
	assert.Equal(t, 0.3, project.LowConfidence)
	assert.Equal(t, 0.7, project.HighConfidence)
}

func TestCreateProjectRequiresStreamURL(t *testing.T) {
	c, _ := newTestController(t)

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects", `{"name":"no-stream"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProjectRejectsBadTunables(t *testing.T) {
	c, store := newTestController(t)

	// Inverted confidence band would never admit a frame for review.
	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects",
		`{"name":"yard-cam","stream_url":"https://stream.example/live","low_confidence":0.9,"high_confidence":0.1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A zero interval would make the loop spin without sleeping.
	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects",
		`{"name":"yard-cam","stream_url":"https://stream.example/live","inference_interval_sec":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects",
		`{"name":"yard-cam","stream_url":"https://stream.example/live","acquisition_interval_sec":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	projects, err := store.ListProjects()
	require.NoError(t, err)
	assert.Empty(t, projects, "no invalid project may be persisted")
}

func TestUpdateProjectRejectsBadTunables(t *testing.T) {
	c, store := newTestController(t)
	project := datastore.Project{
		Name: "yard-cam", StreamURL: "https://stream.example/live",
		AcquisitionIntervalSec: 60, InferenceIntervalSec: 30,
		AutoSampleIntervalSec: 600, LowConfidence: 0.3, HighConfidence: 0.7,
	}
	require.NoError(t, store.CreateProject(&project))

	rec := doJSON(t, c, http.MethodPatch, "/api/v1/projects/1",
		`{"low_confidence":0.8}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, c, http.MethodPatch, "/api/v1/projects/1",
		`{"inference_interval_sec":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.HighConfidence)
	assert.Equal(t, 30, got.InferenceIntervalSec)

	// A legal partial update still goes through.
	rec = doJSON(t, c, http.MethodPatch, "/api/v1/projects/1",
		`{"low_confidence":0.4,"high_confidence":0.8}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	c, _ := newTestController(t)

	rec := doJSON(t, c, http.MethodGet, "/api/v1/projects/42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerLifecycleEndpoints(t *testing.T) {
	c, store := newTestController(t)
	project := datastore.Project{
		Name: "yard-cam", StreamURL: "https://stream.example/live",
		AcquisitionIntervalSec: 60, InferenceIntervalSec: 30,
	}
	require.NoError(t, store.CreateProject(&project))

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects/1/workers/acquisition/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status workers.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Tracked)

	// Starting again is idempotent, not an error.
	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects/1/workers/acquisition/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.True(t, got.AcquisitionActive)

	rec = doJSON(t, c, http.MethodGet, "/api/v1/projects/1/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses map[workers.Kind]workers.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.True(t, statuses[workers.KindAcquisition].Tracked)
	assert.False(t, statuses[workers.KindInference].Tracked)

	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects/1/workers/acquisition/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = store.GetProject(project.ID)
	require.NoError(t, err)
	assert.False(t, got.AcquisitionActive)

	// Stopping an untracked loop is a no-op.
	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects/1/workers/inference/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownWorkerKind(t *testing.T) {
	c, store := newTestController(t)
	project := datastore.Project{Name: "yard-cam", StreamURL: "https://stream.example/live"}
	require.NoError(t, store.CreateProject(&project))

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects/1/workers/export/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkNegativeConflict(t *testing.T) {
	c, store := newTestController(t)
	project := datastore.Project{Name: "yard-cam", StreamURL: "https://stream.example/live"}
	require.NoError(t, store.CreateProject(&project))
	frame := datastore.Frame{
		ProjectID: project.ID, CapturedAt: time.Now().UTC(),
		FilePath: "projects/1/frames/a.jpg",
		Origin:   datastore.OriginAcquisition, LabelStatus: datastore.LabelUnlabeled,
	}
	require.NoError(t, store.SaveAcquiredFrame(&frame))

	rec := doJSON(t, c, http.MethodPost, "/api/v1/frames/1/negative", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Second mark conflicts: the frame is no longer unlabeled.
	rec = doJSON(t, c, http.MethodPost, "/api/v1/frames/1/negative", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, c, http.MethodDelete, "/api/v1/frames/1/negative", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := store.GetFrame(frame.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.LabelUnlabeled, got.LabelStatus)
}

func TestStartTrainingWithoutLabeledFrames(t *testing.T) {
	c, store := newTestController(t)
	project := datastore.Project{Name: "yard-cam", StreamURL: "https://stream.example/live"}
	require.NoError(t, store.CreateProject(&project))

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects/1/training", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployModelVersionCrossProjectRejected(t *testing.T) {
	c, store := newTestController(t)
	for _, name := range []string{"first", "second"} {
		project := datastore.Project{Name: name, StreamURL: "https://stream.example/live"}
		require.NoError(t, store.CreateProject(&project))
	}
	mv := datastore.ModelVersion{ProjectID: 1, WeightsPath: "/tmp/best.pt"}
	require.NoError(t, store.CreateModelVersion(&mv))

	rec := doJSON(t, c, http.MethodPost, "/api/v1/projects/2/models/1/deploy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, c, http.MethodPost, "/api/v1/projects/1/models/1/deploy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var deployment datastore.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployment))
	assert.True(t, deployment.IsActive)
	assert.Equal(t, mv.ID, deployment.ModelVersionID)
}

func TestHealthCheck(t *testing.T) {
	c, _ := newTestController(t)

	rec := doJSON(t, c, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
