package framesource

import (
	"context"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	// Registered for image.DecodeConfig; frames come out of ffmpeg as jpeg.
	_ "image/jpeg"
	_ "image/png"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/errors"
)

const (
	resolveTimeout = 30 * time.Second
	captureTimeout = 60 * time.Second

	// Resolved stream URLs expire server-side; cache them briefly and drop
	// them the moment a capture fails so the next iteration re-resolves.
	urlCacheTTL = 15 * time.Minute
)

// runCommand executes a binary and returns its combined stdout. Separated
// out so tests can substitute a fake.
type runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// StreamSource resolves a stream handle with yt-dlp and grabs frames with
// ffmpeg.
type StreamSource struct {
	ytDlpPath  string
	ffmpegPath string
	urlCache   *gocache.Cache
	run        runCommand
}

// NewStreamSource builds a Source using the configured binary paths.
func NewStreamSource(settings *conf.Settings) *StreamSource {
	return &StreamSource{
		ytDlpPath:  settings.Runtime.YtDlpPath,
		ffmpegPath: settings.Runtime.FfmpegPath,
		urlCache:   gocache.New(urlCacheTTL, 5*time.Minute),
		run:        execCommand,
	}
}

// Acquire implements Source. On capture failure the cached resolved URL is
// invalidated; the caller's next iteration triggers a fresh resolution.
func (s *StreamSource) Acquire(ctx context.Context, streamURL, outputPath string) (FrameInfo, error) {
	directURL, err := s.resolve(ctx, streamURL)
	if err != nil {
		return FrameInfo{}, err
	}

	if err := s.capture(ctx, directURL, outputPath); err != nil {
		s.urlCache.Delete(streamURL)
		return FrameInfo{}, err
	}

	info, err := readDimensions(outputPath)
	if err != nil {
		// The frame was written; missing dimensions are not fatal.
		sourceLogger.Warn("Could not read frame dimensions",
			"path", outputPath, "error", err)
	}
	return info, nil
}

// resolve turns the stream handle into a direct media URL, caching the
// result until it expires or a capture against it fails.
func (s *StreamSource) resolve(ctx context.Context, streamURL string) (string, error) {
	if cached, found := s.urlCache.Get(streamURL); found {
		return cached.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	output, err := s.run(ctx, s.ytDlpPath,
		"--no-warnings",
		"-f", "best[height<=720]/best",
		"-g",
		streamURL,
	)
	if err != nil {
		return "", errors.New(err).
			Component("framesource").
			Category(errors.CategoryStreamURL).
			Context("stream_url", streamURL).
			Build()
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", errors.Newf("stream resolution produced no URL").
			Component("framesource").
			Category(errors.CategoryStreamURL).
			Context("stream_url", streamURL).
			Build()
	}

	directURL := lines[0]
	s.urlCache.Set(streamURL, directURL, gocache.DefaultExpiration)
	sourceLogger.Debug("Resolved stream URL", "stream_url", streamURL)
	return directURL, nil
}

// capture grabs a single frame from the direct URL into outputPath.
func (s *StreamSource) capture(ctx context.Context, directURL, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errors.New(err).
			Component("framesource").
			Category(errors.CategoryFileIO).
			Context("path", outputPath).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	_, err := s.run(ctx, s.ffmpegPath,
		"-y",
		"-i", directURL,
		"-vframes", "1",
		"-q:v", "2",
		outputPath,
	)
	if err != nil {
		return errors.New(err).
			Component("framesource").
			Category(errors.CategoryFrameSource).
			Context("output", outputPath).
			Build()
	}

	if _, err := os.Stat(outputPath); err != nil {
		return errors.Newf("capture reported success but frame file is missing").
			Component("framesource").
			Category(errors.CategoryFrameSource).
			Context("output", outputPath).
			Build()
	}
	return nil
}

func readDimensions(path string) (FrameInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FrameInfo{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return FrameInfo{}, err
	}
	return FrameInfo{Width: cfg.Width, Height: cfg.Height}, nil
}
