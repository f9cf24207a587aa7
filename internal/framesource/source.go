// Package framesource produces still images from a continuous external
// video stream. The concrete mechanics (stream URL resolution, frame
// extraction) run as subprocesses; callers only see the Source interface.
package framesource

import (
	"context"
	"log/slog"

	"github.com/mikkohei13/quiet-observer/internal/logging"
)

var (
	sourceLogger   *slog.Logger
	sourceLevelVar = new(slog.LevelVar)
)

func init() {
	sourceLevelVar.Set(slog.LevelInfo)

	var err error
	sourceLogger, _, err = logging.NewFileLogger("logs/framesource.log", "framesource", sourceLevelVar)
	if err != nil {
		sourceLogger = logging.NoopLogger("framesource")
	}
}

// FrameInfo describes one grabbed frame.
type FrameInfo struct {
	Width  int
	Height int
}

// Source grabs one still image on demand, or fails. A failure is never
// retried internally; the calling loop skips the iteration and tries again
// on its next tick.
type Source interface {
	// Acquire resolves streamURL and writes one frame to outputPath.
	Acquire(ctx context.Context, streamURL, outputPath string) (FrameInfo, error)
}
