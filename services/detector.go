package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vid2slides/backend/models"
	"go.uber.org/zap"
)

// DetectProgress is reported periodically while a detection runs.
type DetectProgress struct {
	FramesRead      int
	FramesProcessed int
	FramesDetected  int
}

// DetectHooks connect a detection to its caller. All hooks are optional and
// are called from the detecting goroutine.
type DetectHooks struct {
	// ShouldStop is polled before every decode.
	ShouldStop func() bool
	OnDetect   func(models.FrameRef)
	OnProgress func(DetectProgress)
}

// Detection is the result of one pass over a video. Frames is strictly
// increasing by index and, when non-empty, starts with frame 0.
type Detection struct {
	Frames          []models.FrameRef
	FramesRead      int
	FramesProcessed int
}

type Detector struct {
	progressEvery    int
	progressInterval time.Duration
	logger           *zap.Logger
}

func NewDetector(progressEvery int, progressInterval time.Duration, logger *zap.Logger) *Detector {
	if progressEvery <= 0 {
		progressEvery = 10
	}
	return &Detector{
		progressEvery:    progressEvery,
		progressInterval: progressInterval,
		logger:           logger,
	}
}

// Detect walks the source once. Every stride-th frame is retained and compared
// with the previously retained frame; it is reported as a scene change when the
// distance reaches the threshold and at least MinInterval source frames have
// passed since the last change. Frame 0 is always reported.
//
// On a stop request or context cancellation the frames detected so far are
// returned together with ErrStopped. Any other failure also returns the
// partial result. A truncated stream ends the pass normally.
func (d *Detector) Detect(ctx context.Context, src FrameSource, scorer Scorer, params models.DetectionParams, hooks DetectHooks) (Detection, error) {
	stride := max(params.Stride, 1)
	fps := src.FPS()

	var (
		det        Detection
		last       Signature
		haveLast   bool
		lastChange int
		lastReport = time.Now()
	)

	report := func() {
		if hooks.OnProgress != nil {
			hooks.OnProgress(DetectProgress{
				FramesRead:      det.FramesRead,
				FramesProcessed: det.FramesProcessed,
				FramesDetected:  len(det.Frames),
			})
		}
		lastReport = time.Now()
	}

	record := func(index int) {
		ref := models.NewFrameRef(index, fps)
		det.Frames = append(det.Frames, ref)
		lastChange = index
		if hooks.OnDetect != nil {
			hooks.OnDetect(ref)
		}
		d.logger.Debug("scene change", zap.Int("frame", index), zap.Float64("timestamp", ref.Timestamp))
	}

	for {
		if ctx.Err() != nil || (hooks.ShouldStop != nil && hooks.ShouldStop()) {
			report()
			return det, ErrStopped
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			report()
			if ctx.Err() != nil {
				return det, ErrStopped
			}
			return det, fmt.Errorf("reading frame %d: %w", det.FramesRead, err)
		}
		det.FramesRead = frame.Index + 1

		if frame.Index%stride != 0 {
			continue
		}

		sig, err := scorer.Prepare(ctx, frame.Image)
		if err != nil {
			report()
			// A scorer call aborted by cancellation is a stop, not a failure.
			if ctx.Err() != nil {
				return det, ErrStopped
			}
			return det, fmt.Errorf("scoring frame %d: %w", frame.Index, err)
		}
		det.FramesProcessed++

		switch {
		case !haveLast:
			record(frame.Index)
		case frame.Index-lastChange >= params.MinInterval:
			if scorer.Distance(last, sig) >= params.Threshold {
				record(frame.Index)
			}
		}
		last, haveLast = sig, true

		if det.FramesProcessed%d.progressEvery == 0 ||
			(d.progressInterval > 0 && time.Since(lastReport) >= d.progressInterval) {
			report()
		}
	}

	if err := src.Err(); err != nil {
		d.logger.Warn("video truncated, keeping frames read so far",
			zap.Int("frames_read", det.FramesRead), zap.Error(err))
	}
	report()
	return det, nil
}
