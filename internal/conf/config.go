// Package conf handles loading and validating application settings.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ProjectDefaults holds default per-project tunables applied when a project
// is created without explicit values. Each project keeps its own copy in the
// database afterwards.
type ProjectDefaults struct {
	AcquisitionIntervalSec int     // seconds between acquisition captures
	InferenceIntervalSec   int     // seconds between inference iterations
	AutoSampleIntervalSec  int     // admit a frame for review at least this often
	LowConfidence          float64 // lower bound of the uncertainty band
	HighConfidence         float64 // upper bound of the uncertainty band
}

// TrainingSettings holds fine-tuning defaults passed to the detector runtime.
type TrainingSettings struct {
	BaseWeights string  // base model weights to fine-tune from
	Epochs      int     // training epochs
	ImageSize   int     // square image size
	Freeze      int     // number of frozen backbone layers
	LearnRate   float64 // initial learning rate
	Patience    int     // early-stopping patience in epochs
	ValSplit    float64 // validation fraction of the dataset
}

// RuntimeSettings points at the external binaries the loops shell out to.
type RuntimeSettings struct {
	YtDlpPath     string  // yt-dlp binary, resolves stream URLs
	FfmpegPath    string  // ffmpeg binary, grabs single frames
	YoloPath      string  // yolo CLI binary, runs predict/train
	MinConfidence float64 // detector floor, below the sampling band
}

// MQTTSettings configures the optional detection event publisher.
type MQTTSettings struct {
	Enabled  bool
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // topic prefix, project id is appended
	ClientID string
	Username string
	Password string
}

// WebServerSettings configures the control API listener.
type WebServerSettings struct {
	Host string
	Port string
}

// OutputSettings configures persistence targets.
type OutputSettings struct {
	SQLitePath string // sqlite database file, relative paths resolve under DataDir
}

// Settings is the root configuration structure.
type Settings struct {
	Debug bool

	DataDir string // root directory for frames, datasets and run artifacts

	WebServer WebServerSettings
	Output    OutputSettings
	Runtime   RuntimeSettings
	Project   ProjectDefaults
	Training  TrainingSettings
	MQTT      MQTTSettings
}

// Load reads configuration from config.yaml (searched in ., $HOME/.config/
// quiet-observer and /etc/quiet-observer) merged over defaults. A missing
// config file is not an error; flags and environment still apply via viper.
func Load() (*Settings, error) {
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating data directory %s: %w", settings.DataDir, err)
	}

	return settings, nil
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "quiet-observer"))
	}
	viper.AddConfigPath("/etc/quiet-observer")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// Validate checks cross-field constraints that viper cannot express.
func (s *Settings) Validate() error {
	if s.Project.LowConfidence >= s.Project.HighConfidence {
		return fmt.Errorf("project.lowconfidence (%.2f) must be below project.highconfidence (%.2f)",
			s.Project.LowConfidence, s.Project.HighConfidence)
	}
	if s.Project.AcquisitionIntervalSec <= 0 || s.Project.InferenceIntervalSec <= 0 {
		return fmt.Errorf("project intervals must be positive")
	}
	if s.Training.ValSplit <= 0 || s.Training.ValSplit >= 1 {
		return fmt.Errorf("training.valsplit must be in (0, 1), got %.2f", s.Training.ValSplit)
	}
	return nil
}

// SQLiteAbsolutePath resolves the configured sqlite path against DataDir.
func (s *Settings) SQLiteAbsolutePath() string {
	if filepath.IsAbs(s.Output.SQLitePath) {
		return s.Output.SQLitePath
	}
	return filepath.Join(s.DataDir, s.Output.SQLitePath)
}

// ProjectDir returns the artifact root for a project: frames, exported
// datasets and training-run outputs all live under it.
func (s *Settings) ProjectDir(projectID uint) string {
	return filepath.Join(s.DataDir, "projects", fmt.Sprintf("%d", projectID))
}

// FramesDir returns the frame image directory for a project.
func (s *Settings) FramesDir(projectID uint) string {
	return filepath.Join(s.ProjectDir(projectID), "frames")
}

// RunDir returns the output directory for one training run.
func (s *Settings) RunDir(projectID, runID uint) string {
	return filepath.Join(s.ProjectDir(projectID), "runs", fmt.Sprintf("%d", runID))
}
