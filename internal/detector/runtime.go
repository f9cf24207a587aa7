// Package detector wraps the external detector runtime: inference over
// single frames and dataset fitting. The runtime is a long-running,
// possibly accelerator-bound black box; this package only needs it to
// report success or failure and to produce weights, labels and metrics.
package detector

import (
	"context"
	"io"
	"log/slog"

	"github.com/mikkohei13/quiet-observer/internal/logging"
)

var (
	detectorLogger   *slog.Logger
	detectorLevelVar = new(slog.LevelVar)
)

func init() {
	detectorLevelVar.Set(slog.LevelInfo)

	var err error
	detectorLogger, _, err = logging.NewFileLogger("logs/detector.log", "detector", detectorLevelVar)
	if err != nil {
		detectorLogger = logging.NoopLogger("detector")
	}
}

// Prediction is one detection the runtime produced for a frame: a class
// index into the model's class map, a confidence, and a normalized
// center-format box.
type Prediction struct {
	ClassIndex int
	Confidence float64
	X          float64 // x center, [0,1]
	Y          float64 // y center, [0,1]
	Width      float64
	Height     float64
}

// FitSpec describes one training invocation.
type FitSpec struct {
	DatasetYAML string // dataset description file inside the export
	RunDir      string // output directory for weights, plots and metrics
	BaseWeights string // weights to fine-tune from
	Epochs      int
	ImageSize   int
	Freeze      int // frozen backbone layers
	LearnRate   float64
	Patience    int       // early-stopping patience
	LogWriter   io.Writer // receives the runtime's progress output
}

// FitResult carries the artifacts of a successful fit.
type FitResult struct {
	WeightsPath string
	Metrics     map[string]string // final-epoch metrics, as reported
}

// Runtime is the detector runtime contract.
type Runtime interface {
	// Infer runs the model on one image and returns predictions at or
	// above minConfidence.
	Infer(ctx context.Context, weightsPath, imagePath string, minConfidence float64) ([]Prediction, error)
	// Fit fine-tunes on an exported dataset, streaming progress to
	// spec.LogWriter.
	Fit(ctx context.Context, spec FitSpec) (FitResult, error)
}
