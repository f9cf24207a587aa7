package training

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/detector"
	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// shuffleSeed keeps the train/val split reproducible across re-exports of
// the same dataset version.
const shuffleSeed = 42

// exportResult describes a materialized dataset export.
type exportResult struct {
	datasetYAML string
	classMap    []datastore.ClassMapEntry
	trainCount  int
	valCount    int
}

// datasetConfig is the runtime's dataset description file.
type datasetConfig struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// exportDataset materializes a dataset version into the runtime's on-disk
// layout under datasetDir: one image plus one label file per frame, split
// into train and val partitions. Negative frames get an empty label file,
// which the runtime reads as an explicit background sample.
func exportDataset(store datastore.Interface, settings *conf.Settings,
	projectID, datasetVersionID uint, datasetDir string) (exportResult, error) {

	frameIDs, err := store.DatasetFrameIDs(datasetVersionID)
	if err != nil {
		return exportResult{}, err
	}
	if len(frameIDs) == 0 {
		return exportResult{}, errors.Newf("dataset version %d is empty", datasetVersionID).
			Component("training").
			Category(errors.CategoryExport).
			Build()
	}

	classes, err := store.ListClasses(projectID)
	if err != nil {
		return exportResult{}, err
	}

	// Class indices are positional over the project's class list at export
	// time; the mapping is frozen into the model version afterwards.
	indexByClassID := make(map[uint]int, len(classes))
	classMap := make([]datastore.ClassMapEntry, 0, len(classes))
	names := make([]string, 0, len(classes))
	for i, class := range classes {
		indexByClassID[class.ID] = i
		classMap = append(classMap, datastore.ClassMapEntry{
			Index:   i,
			ClassID: class.ID,
			Name:    class.Name,
		})
		names = append(names, class.Name)
	}

	// Shuffle before splitting so partitions are not biased by capture order.
	rng := rand.New(rand.NewSource(shuffleSeed))
	rng.Shuffle(len(frameIDs), func(i, j int) {
		frameIDs[i], frameIDs[j] = frameIDs[j], frameIDs[i]
	})

	splitIdx := len(frameIDs) - int(float64(len(frameIDs))*settings.Training.ValSplit)
	if splitIdx < 1 {
		splitIdx = 1
	}
	trainIDs := frameIDs[:splitIdx]
	valIDs := frameIDs[splitIdx:]
	if len(valIDs) == 0 {
		// A single-frame dataset validates against its own training image.
		valIDs = trainIDs
	}

	for split, ids := range map[string][]uint{"train": trainIDs, "val": valIDs} {
		if err := exportSplit(store, settings, datasetDir, split, ids, indexByClassID); err != nil {
			return exportResult{}, err
		}
	}

	cfg := datasetConfig{
		Path:  datasetDir,
		Train: "images/train",
		Val:   "images/val",
		NC:    len(classes),
		Names: names,
	}
	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		return exportResult{}, fmt.Errorf("encoding dataset config: %w", err)
	}
	yamlPath := filepath.Join(datasetDir, "dataset.yaml")
	if err := os.WriteFile(yamlPath, raw, 0o644); err != nil {
		return exportResult{}, fmt.Errorf("writing dataset config: %w", err)
	}

	return exportResult{
		datasetYAML: yamlPath,
		classMap:    classMap,
		trainCount:  len(trainIDs),
		valCount:    len(valIDs),
	}, nil
}

func exportSplit(store datastore.Interface, settings *conf.Settings,
	datasetDir, split string, frameIDs []uint, indexByClassID map[uint]int) error {

	imgDir := filepath.Join(datasetDir, "images", split)
	lblDir := filepath.Join(datasetDir, "labels", split)
	for _, dir := range []string{imgDir, lblDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating export directory %s: %w", dir, err)
		}
	}

	for _, frameID := range frameIDs {
		frame, err := store.GetFrame(frameID)
		if err != nil {
			return err
		}

		src := filepath.Join(settings.DataDir, frame.FilePath)
		dst := filepath.Join(imgDir, fmt.Sprintf("%d.jpg", frameID))
		if err := copyFile(src, dst); err != nil {
			// A frame whose image was removed from disk is skipped, not
			// fatal; the dataset trains on what exists.
			trainingLogger.Warn("Skipping frame with missing image",
				"frame_id", frameID, "path", src, "error", err)
			continue
		}

		lblPath := filepath.Join(lblDir, fmt.Sprintf("%d.txt", frameID))
		if frame.LabelStatus == datastore.LabelNegative {
			if err := os.WriteFile(lblPath, nil, 0o644); err != nil {
				return fmt.Errorf("writing negative label for frame %d: %w", frameID, err)
			}
			continue
		}

		annotations, err := store.ListAnnotations(frameID)
		if err != nil {
			return err
		}
		lbl, err := os.Create(lblPath)
		if err != nil {
			return fmt.Errorf("writing labels for frame %d: %w", frameID, err)
		}
		for _, ann := range annotations {
			idx, ok := indexByClassID[ann.ClassID]
			if !ok {
				// Annotation against a since-deleted class carries no
				// trainable signal.
				continue
			}
			line := detector.EncodeLabelLine(idx, ann.X, ann.Y, ann.Width, ann.Height)
			if _, err := fmt.Fprintln(lbl, line); err != nil {
				lbl.Close()
				return fmt.Errorf("writing labels for frame %d: %w", frameID, err)
			}
		}
		if err := lbl.Close(); err != nil {
			return fmt.Errorf("closing labels for frame %d: %w", frameID, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
