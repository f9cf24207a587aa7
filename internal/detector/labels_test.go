package detector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelRoundTrip(t *testing.T) {
	t.Parallel()

	// normalize -> export -> re-import must agree within float tolerance
	in := []struct {
		class      int
		x, y, w, h float64
	}{
		{0, 0.512345, 0.498765, 0.25, 0.125},
		{3, 0.000001, 0.999999, 1.0, 0.333333},
	}

	var lines []string
	for _, b := range in {
		lines = append(lines, EncodeLabelLine(b.class, b.x, b.y, b.w, b.h))
	}

	boxes, err := ParseLabels(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.Len(t, boxes, len(in))

	for i, b := range in {
		assert.Equal(t, b.class, boxes[i].ClassIndex)
		assert.InDelta(t, b.x, boxes[i].X, 1e-6)
		assert.InDelta(t, b.y, boxes[i].Y, 1e-6)
		assert.InDelta(t, b.w, boxes[i].Width, 1e-6)
		assert.InDelta(t, b.h, boxes[i].Height, 1e-6)
		assert.Zero(t, boxes[i].Confidence)
	}
}

func TestParseLabelsWithConfidence(t *testing.T) {
	t.Parallel()

	boxes, err := ParseLabels(strings.NewReader("1 0.5 0.5 0.2 0.2 0.87\n\n0 0.1 0.1 0.05 0.05 0.42\n"))
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.InDelta(t, 0.87, boxes[0].Confidence, 1e-9)
	assert.InDelta(t, 0.42, boxes[1].Confidence, 1e-9)
}

func TestParseLabelsEmptyFile(t *testing.T) {
	t.Parallel()

	// an empty label file is the explicit negative signal
	boxes, err := ParseLabels(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, boxes)
}

func TestParseLabelsRejectsMalformedLine(t *testing.T) {
	t.Parallel()

	_, err := ParseLabels(strings.NewReader("0 0.5 0.5\n"))
	assert.Error(t, err)

	_, err = ParseLabels(strings.NewReader("x 0.5 0.5 0.2 0.2\n"))
	assert.Error(t, err)
}

func TestReadFinalMetrics(t *testing.T) {
	t.Parallel()

	csvPath := filepath.Join(t.TempDir(), "results.csv")
	content := "epoch, metrics/mAP50(B), metrics/precision(B)\n" +
		"0, 0.21, 0.40\n" +
		"1, 0.55, 0.71\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0o644))

	metrics, err := readFinalMetrics(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "1", metrics["epoch"])
	assert.Equal(t, "0.55", metrics["metrics/mAP50(B)"])
	assert.Equal(t, "0.71", metrics["metrics/precision(B)"])
}

func TestFindBestWeights(t *testing.T) {
	t.Parallel()

	outputDir := t.TempDir()
	weightsDir := filepath.Join(outputDir, "weights")
	require.NoError(t, os.MkdirAll(weightsDir, 0o755))

	_, err := findBestWeights(outputDir)
	assert.Error(t, err, "no checkpoint at all")

	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, "last.pt"), []byte("w"), 0o644))
	got, err := findBestWeights(outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(weightsDir, "last.pt"), got)

	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, "best.pt"), []byte("w"), 0o644))
	got, err = findBestWeights(outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(weightsDir, "best.pt"), got, "best.pt wins when present")
}

func TestLabelFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "frame_01.txt", labelFileName("/data/projects/1/frames/frame_01.jpg"))
	assert.Equal(t, "a.txt", labelFileName("a.png"))
}
