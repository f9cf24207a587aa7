package conf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		DataDir: "data",
		Project: ProjectDefaults{
			AcquisitionIntervalSec: 60,
			InferenceIntervalSec:   30,
			AutoSampleIntervalSec:  600,
			LowConfidence:          0.3,
			HighConfidence:         0.7,
		},
		Training: TrainingSettings{ValSplit: 0.2},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validSettings().Validate())

	s := validSettings()
	s.Project.LowConfidence = 0.7
	assert.Error(t, s.Validate(), "low == high must be rejected")

	s = validSettings()
	s.Project.InferenceIntervalSec = 0
	assert.Error(t, s.Validate())

	s = validSettings()
	s.Training.ValSplit = 1.0
	assert.Error(t, s.Validate())
}

func TestPathHelpers(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.DataDir = "/srv/observer"
	s.Output.SQLitePath = "observer.db"

	assert.Equal(t, filepath.Join("/srv/observer", "observer.db"), s.SQLiteAbsolutePath())

	s.Output.SQLitePath = "/var/lib/observer.db"
	assert.Equal(t, "/var/lib/observer.db", s.SQLiteAbsolutePath())

	assert.Equal(t, "/srv/observer/projects/7/frames", s.FramesDir(7))
	assert.Equal(t, "/srv/observer/projects/7/runs/3", s.RunDir(7, 3))
}
