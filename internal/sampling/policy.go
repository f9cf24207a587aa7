// Package sampling implements the active-learning admission policy: the
// decision whether an inferred frame enters the review queue for labeling.
package sampling

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the per-project thresholds the policy evaluates against.
type Config struct {
	// LowConfidence and HighConfidence bound the half-open uncertainty band
	// [low, high). Confidences below low are treated as noise and never
	// admit on their own; confidences at or above high are confident hits.
	LowConfidence  float64
	HighConfidence float64
	// AutoSampleInterval is the maximum time between admitted samples.
	AutoSampleInterval time.Duration
}

// Decision is the policy outcome for one frame.
type Decision struct {
	Admit bool
	// Reason is a human-readable record of every condition that fired,
	// including the numeric thresholds crossed.
	Reason string
}

// Evaluate decides whether a frame is admitted to the review queue.
// confidences are the detection confidences that survived the runtime's
// minimum-confidence floor; sinceLastSample is the elapsed time since the
// last admitted sample for the project. Multiple satisfied conditions still
// produce a single decision whose reason records each of them.
func Evaluate(confidences []float64, cfg Config, sinceLastSample time.Duration) Decision {
	var reasons []string

	for _, conf := range confidences {
		if conf >= cfg.LowConfidence && conf < cfg.HighConfidence {
			reasons = append(reasons,
				fmt.Sprintf("uncertain confidence %.2f in [%.2f, %.2f)",
					conf, cfg.LowConfidence, cfg.HighConfidence))
			break
		}
	}

	if cfg.AutoSampleInterval > 0 && sinceLastSample >= cfg.AutoSampleInterval {
		reasons = append(reasons,
			fmt.Sprintf("auto sample after %s without a sample", cfg.AutoSampleInterval))
	}

	if len(reasons) == 0 {
		return Decision{}
	}
	return Decision{Admit: true, Reason: strings.Join(reasons, "; ")}
}
