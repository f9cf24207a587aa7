package detector

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/errors"
)

const inferTimeout = 2 * time.Minute

// YoloRuntime drives the YOLO CLI as a subprocess. Predictions are read
// back from the label files the CLI writes (save_txt/save_conf), which use
// the same encoding as the dataset export.
type YoloRuntime struct {
	binaryPath string
}

// NewYoloRuntime builds a Runtime using the configured yolo binary.
func NewYoloRuntime(settings *conf.Settings) *YoloRuntime {
	return &YoloRuntime{binaryPath: settings.Runtime.YoloPath}
}

// Infer implements Runtime. The CLI writes one label file per input image
// under <tmp>/predict/labels/; an absent file means zero detections.
func (y *YoloRuntime) Infer(ctx context.Context, weightsPath, imagePath string, minConfidence float64) ([]Prediction, error) {
	outDir, err := os.MkdirTemp("", "observer-predict-*")
	if err != nil {
		return nil, fmt.Errorf("creating prediction directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	ctx, cancel := context.WithTimeout(ctx, inferTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.binaryPath,
		"predict",
		"model="+weightsPath,
		"source="+imagePath,
		fmt.Sprintf("conf=%.3f", minConfidence),
		"save=False",
		"save_txt=True",
		"save_conf=True",
		"verbose=False",
		"project="+outDir,
		"name=predict",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryDetector).
			Context("image", filepath.Base(imagePath)).
			Context("output_tail", tail(string(output), 500)).
			Build()
	}

	labelPath := filepath.Join(outDir, "predict", "labels", labelFileName(imagePath))
	f, err := os.Open(labelPath)
	if os.IsNotExist(err) {
		return nil, nil // zero detections
	}
	if err != nil {
		return nil, fmt.Errorf("opening prediction labels: %w", err)
	}
	defer f.Close()

	boxes, err := ParseLabels(f)
	if err != nil {
		return nil, err
	}

	predictions := make([]Prediction, 0, len(boxes))
	for _, b := range boxes {
		predictions = append(predictions, Prediction{
			ClassIndex: b.ClassIndex,
			Confidence: b.Confidence,
			X:          b.X,
			Y:          b.Y,
			Width:      b.Width,
			Height:     b.Height,
		})
	}
	return predictions, nil
}

// Fit implements Runtime. Progress streams into spec.LogWriter; on success
// the best checkpoint and the final-epoch metrics row are returned.
func (y *YoloRuntime) Fit(ctx context.Context, spec FitSpec) (FitResult, error) {
	cmd := exec.CommandContext(ctx, y.binaryPath,
		"train",
		"model="+spec.BaseWeights,
		"data="+spec.DatasetYAML,
		fmt.Sprintf("epochs=%d", spec.Epochs),
		fmt.Sprintf("imgsz=%d", spec.ImageSize),
		fmt.Sprintf("freeze=%d", spec.Freeze),
		fmt.Sprintf("lr0=%g", spec.LearnRate),
		fmt.Sprintf("patience=%d", spec.Patience),
		"plots=True",
		"project="+spec.RunDir,
		"name=yolo",
	)
	cmd.Stdout = spec.LogWriter
	cmd.Stderr = spec.LogWriter

	detectorLogger.Info("Starting fit", "dataset", spec.DatasetYAML, "epochs", spec.Epochs)
	if err := cmd.Run(); err != nil {
		return FitResult{}, errors.New(err).
			Component("detector").
			Category(errors.CategoryTraining).
			Context("dataset", spec.DatasetYAML).
			Build()
	}

	outputDir := filepath.Join(spec.RunDir, "yolo")
	weights, err := findBestWeights(outputDir)
	if err != nil {
		return FitResult{}, err
	}

	metrics, err := readFinalMetrics(filepath.Join(outputDir, "results.csv"))
	if err != nil {
		// Metrics are best-effort; a fit without a readable results file
		// still produced usable weights.
		detectorLogger.Warn("Could not parse training metrics", "error", err)
		metrics = nil
	}

	return FitResult{WeightsPath: weights, Metrics: metrics}, nil
}

// findBestWeights locates the checkpoint to register: best.pt when early
// stopping selected one, last.pt otherwise.
func findBestWeights(outputDir string) (string, error) {
	weightsDir := filepath.Join(outputDir, "weights")
	for _, name := range []string{"best.pt", "last.pt"} {
		candidate := filepath.Join(weightsDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Newf("no weights found in %s", weightsDir).
		Component("detector").
		Category(errors.CategoryTraining).
		Build()
}

// readFinalMetrics returns the last row of the runtime's results.csv keyed
// by trimmed column names.
func readFinalMetrics(csvPath string) (map[string]string, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", csvPath, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s has no metric rows", csvPath)
	}

	header, last := rows[0], rows[len(rows)-1]
	metrics := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(last) {
			metrics[strings.TrimSpace(col)] = strings.TrimSpace(last[i])
		}
	}
	return metrics, nil
}

// labelFileName maps an image path to its label file name.
func labelFileName(imagePath string) string {
	base := filepath.Base(imagePath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".txt"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
