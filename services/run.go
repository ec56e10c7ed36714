package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/vid2slides/backend/metrics"
	"github.com/vid2slides/backend/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const stopMessage = "Processing stopped by user. You can continue processing to extract more frames."

// run executes one detection on its own goroutine. Failures never escape it;
// they are published as the error stage.
func (o *Orchestrator) run(s *session, params models.DetectionParams, gen int, done chan struct{}) {
	id := s.info.ID
	log := o.logger.With(zap.String("session_id", id))
	started := time.Now()

	metrics.ActiveRuns.Inc()
	defer close(done)
	defer o.tracker.End(id)
	defer metrics.ActiveRuns.Dec()

	stage, runErr := o.execute(s, params, gen, log)

	elapsed := time.Since(started)
	metrics.RunsTotal.WithLabelValues(string(stage)).Inc()
	metrics.RunDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

	frames := s.result()
	s.touch()
	o.recordRun(s, params, stage, runErr, frames, started)

	log.Info("run finished",
		zap.String("stage", string(stage)),
		zap.Int("frames_detected", len(frames)),
		zap.Duration("elapsed", elapsed),
	)
}

func (s *session) result() []models.FrameRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.FrameRef(nil), s.frames...)
}

func (s *session) appendFrame(gen int, ref models.FrameRef) {
	s.mu.Lock()
	if s.gen == gen {
		s.frames = append(s.frames, ref)
	}
	s.mu.Unlock()
}

func (o *Orchestrator) execute(s *session, params models.DetectionParams, gen int, log *zap.Logger) (stage models.Stage, err error) {
	id := s.info.ID
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
			log.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
			stage = o.fail(s, err)
		}
	}()

	o.tracker.Update(id, func(p *models.Progress) {
		p.Stage = models.StageInitializing
		p.Scorer = o.scorer.Name()
		p.Message = "Opening video"
	})

	src, err := o.opener.Open(o.ctx, s.info.FilePath)
	if err != nil {
		log.Error("failed to open video", zap.Error(err))
		return o.fail(s, err), err
	}
	defer src.Close()

	fps, total := src.FPS(), src.TotalFrames()
	o.tracker.Update(id, func(p *models.Progress) {
		p.Stage = models.StageExtracting
		p.TotalFrames = total
		p.FPS = math.Round(fps*100) / 100
		if fps > 0 {
			p.VideoDuration = math.Round(float64(total)/fps*100) / 100
		}
		p.Message = ""
	})

	hooks := DetectHooks{
		ShouldStop: func() bool { return o.tracker.StopRequested(id) },
		OnDetect:   func(ref models.FrameRef) { s.appendFrame(gen, ref) },
		OnProgress: func(dp DetectProgress) {
			o.tracker.Update(id, func(p *models.Progress) {
				p.CurrentFrame = dp.FramesRead
				p.FramesProcessed = dp.FramesProcessed
				p.FramesDetected = dp.FramesDetected
			})
		},
	}

	det, err := o.detector.Detect(o.ctx, src, o.scorer, params, hooks)
	metrics.FramesProcessedTotal.Add(float64(det.FramesProcessed))
	metrics.SceneChangesTotal.Add(float64(len(det.Frames)))

	switch {
	case errors.Is(err, ErrStopped):
		o.tracker.Update(id, func(p *models.Progress) {
			p.Stage = models.StageStopped
			p.Stopped = true
			p.CurrentFrame = det.FramesRead
			p.FramesProcessed = det.FramesProcessed
			p.FramesDetected = len(det.Frames)
			p.Message = stopMessage
		})
		return models.StageStopped, nil
	case err != nil:
		log.Error("detection failed", zap.Error(err), zap.Int("frames_detected", len(det.Frames)))
		return o.fail(s, err), err
	}
	src.Close()

	// A stop arriving after extraction only skips optional work below.
	stopped := func() bool { return o.tracker.StopRequested(id) }

	if params.RemoveDuplicates && len(det.Frames) > 1 {
		o.tracker.Update(id, func(p *models.Progress) {
			p.Stage = models.StageRemovingDuplicates
			p.CurrentFrame = det.FramesRead
			p.Percentage = 85
			p.Message = "Removing duplicate frames"
		})
		o.ensureThumbnails(o.ctx, s, gen, thumbOptions{withHash: true, cancelled: stopped})
		if removed, err := o.removeDuplicates(s, gen, params.DuplicateDistance); err != nil {
			log.Warn("duplicate removal failed, keeping all frames", zap.Error(err))
		} else if removed > 0 {
			log.Info("duplicates removed", zap.Int("removed", removed))
		}
	}

	o.tracker.Update(id, func(p *models.Progress) {
		p.Stage = models.StageGeneratingThumbnails
		p.CurrentFrame = det.FramesRead
		p.FramesDetected = len(s.result())
		p.Percentage = 90
		p.Message = "Generating thumbnails"
	})
	o.ensureThumbnails(o.ctx, s, gen, thumbOptions{
		cancelled: stopped,
		progress: func(done, total int) {
			o.tracker.Update(id, func(p *models.Progress) {
				if pct := 90 + 10*float64(done)/float64(total); pct > p.Percentage {
					p.Percentage = math.Round(pct*10) / 10
				}
			})
		},
	})

	detected := len(s.result())
	o.tracker.Update(id, func(p *models.Progress) {
		p.Stage = models.StageCompleted
		p.Completed = true
		p.Percentage = 100
		p.CurrentFrame = det.FramesRead
		p.TotalFrames = det.FramesRead
		p.FramesProcessed = det.FramesProcessed
		p.FramesDetected = detected
		p.Message = fmt.Sprintf("Detected %d slides", detected)
	})
	return models.StageCompleted, nil
}

func (o *Orchestrator) fail(s *session, err error) models.Stage {
	msg := err.Error()
	detected := len(s.result())
	o.tracker.Update(s.info.ID, func(p *models.Progress) {
		p.Stage = models.StageError
		p.Error = &msg
		p.FramesDetected = detected
		p.Message = ""
	})
	return models.StageError
}

func (o *Orchestrator) recordRun(s *session, params models.DetectionParams, stage models.Stage, runErr error, frames []models.FrameRef, started time.Time) {
	if o.store == nil {
		return
	}
	indices := make([]int, len(frames))
	for i, f := range frames {
		indices[i] = f.Index
	}
	entry := models.RunHistoryEntry{
		SessionID:      s.info.ID,
		Filename:       s.info.Filename,
		Threshold:      params.Threshold,
		MinInterval:    params.MinInterval,
		FrameSkip:      params.Stride,
		Scorer:         o.scorer.Name(),
		Stage:          stage,
		FramesDetected: len(frames),
		DetectedFrames: indices,
		StartedAt:      started,
		FinishedAt:     time.Now(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := o.store.AddRunHistory(entry); err != nil {
		o.logger.Warn("failed to record run history", zap.String("session_id", s.info.ID), zap.Error(err))
	}
}

type thumbOptions struct {
	withHash  bool
	cancelled func() bool
	progress  func(done, total int)
}

// ensureThumbnails renders missing thumbnails of the session's current result
// in parallel. Failures are replaced by placeholders. Results of an outdated
// generation are discarded.
func (o *Orchestrator) ensureThumbnails(ctx context.Context, s *session, gen int, opts thumbOptions) {
	s.mu.RLock()
	var missing []models.FrameRef
	for _, f := range s.frames {
		e, ok := s.thumbs[f.Index]
		if !ok || (opts.withHash && e.hash == nil && !e.placeholder) {
			missing = append(missing, f)
		}
	}
	s.mu.RUnlock()

	total := len(missing)
	if total == 0 {
		return
	}

	var completed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Detection.ThumbnailWorkers, 1))
	for _, ref := range missing {
		g.Go(func() error {
			if gctx.Err() != nil || (opts.cancelled != nil && opts.cancelled()) {
				return nil
			}
			entry := o.renderThumbnail(gctx, s, ref, opts.withHash)

			s.mu.Lock()
			if s.gen == gen {
				s.thumbs[ref.Index] = entry
			}
			s.mu.Unlock()

			n := completed.Add(1)
			if opts.progress != nil {
				opts.progress(int(n), total)
			}
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) renderThumbnail(ctx context.Context, s *session, ref models.FrameRef, withHash bool) *thumbEntry {
	img, err := o.materializer.RenderThumbnail(ctx, s.info.FilePath, ref)
	if err != nil {
		metrics.MaterializeFailures.WithLabelValues("thumbnail").Inc()
		o.logger.Warn("thumbnail failed, using placeholder",
			zap.String("session_id", s.info.ID), zap.Int("frame", ref.Index), zap.Error(err))
		data := placeholderJPEG(o.cfg.Thumbnail.MaxWidth, o.cfg.Thumbnail.MaxHeight)
		return &thumbEntry{
			thumb: models.Thumbnail{
				FrameNumber: ref.Index,
				Timestamp:   ref.Timestamp,
				Thumbnail:   jpegDataURI(data),
			},
			data:        data,
			placeholder: true,
		}
	}

	e := &thumbEntry{
		thumb: models.Thumbnail{
			FrameNumber: ref.Index,
			Timestamp:   ref.Timestamp,
			Width:       img.Width,
			Height:      img.Height,
			Thumbnail:   jpegDataURI(img.Data),
		},
		data: img.Data,
	}
	if withHash && img.Image != nil {
		hash, err := HashFrame(img.Image)
		if err != nil {
			o.logger.Warn("hashing thumbnail failed", zap.Int("frame", ref.Index), zap.Error(err))
		} else {
			e.hash = hash
		}
	}
	return e
}

// removeDuplicates drops near-duplicate frames from the current result and
// returns how many were removed.
func (o *Orchestrator) removeDuplicates(s *session, gen, threshold int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return 0, nil
	}

	hashes := make(map[int]*goimagehash.ImageHash, len(s.thumbs))
	for idx, e := range s.thumbs {
		if e.hash != nil {
			hashes[idx] = e.hash
		}
	}

	kept, err := DeduplicateFrames(s.frames, hashes, threshold)
	if err != nil {
		return 0, err
	}

	keep := make(map[int]bool, len(kept))
	for _, f := range kept {
		keep[f.Index] = true
	}
	for idx := range s.thumbs {
		if !keep[idx] {
			delete(s.thumbs, idx)
		}
	}
	removed := len(s.frames) - len(kept)
	s.frames = kept
	return removed, nil
}
