package detector

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// LabelBox is one line of a label file: a class index plus a normalized
// center-format box, optionally followed by a confidence. The same encoding
// is written by the dataset export and read back from the runtime's
// prediction output.
type LabelBox struct {
	ClassIndex int
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Confidence float64 // 0 when the line carries no confidence column
}

// EncodeLabelLine renders one label line in the runtime's on-disk format.
func EncodeLabelLine(classIndex int, x, y, width, height float64) string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", classIndex, x, y, width, height)
}

// ParseLabels reads label lines from r. Lines have 5 columns (ground truth)
// or 6 (predictions with a trailing confidence); blank lines are skipped.
func ParseLabels(r io.Reader) ([]LabelBox, error) {
	var boxes []LabelBox

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 5 && len(fields) != 6 {
			return nil, errors.Newf("label line %d has %d fields, want 5 or 6", lineNo, len(fields)).
				Component("detector").
				Category(errors.CategoryFileIO).
				Build()
		}

		classIndex, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("label line %d: bad class index: %w", lineNo, err)
		}

		values := make([]float64, 0, 5)
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("label line %d: bad value %q: %w", lineNo, f, err)
			}
			values = append(values, v)
		}

		box := LabelBox{
			ClassIndex: classIndex,
			X:          values[0],
			Y:          values[1],
			Width:      values[2],
			Height:     values[3],
		}
		if len(values) == 5 {
			box.Confidence = values[4]
		}
		boxes = append(boxes, box)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading labels: %w", err)
	}
	return boxes, nil
}
