package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/metrics"
	"github.com/vid2slides/backend/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionStore persists session metadata and run history. *Storage
// implements it.
type SessionStore interface {
	SaveSession(info models.SessionInfo) error
	DeleteSession(id string) error
	ListSessions() ([]models.SessionInfo, error)
	AddRunHistory(entry models.RunHistoryEntry) error
}

type OrchestratorOptions struct {
	Opener       VideoOpener
	Scorer       Scorer
	Materializer Materializer
	Renderers    []Renderer
	// Store is optional; without it sessions live only in memory.
	Store  SessionStore
	Logger *zap.Logger
}

// Orchestrator owns every session: its source file, its latest detection
// result, thumbnails and generated artifacts. Each session has at most one
// active run, executed on its own goroutine.
type Orchestrator struct {
	cfg          *config.AppConfig
	opener       VideoOpener
	scorer       Scorer
	materializer Materializer
	renderers    []Renderer
	store        SessionStore
	logger       *zap.Logger

	detector *Detector
	tracker  *ProgressTracker

	// ctx is cancelled by Shutdown and bounds every run.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	info models.SessionInfo

	mu         sync.RWMutex
	gen        int
	frames     []models.FrameRef
	hasResult  bool
	thumbs     map[int]*thumbEntry
	artifacts  map[string]*Artifact
	done       chan struct{}
	closing    bool
	lastActive time.Time

	// inflight counts materializer work started outside a run.
	inflight sync.WaitGroup
}

type thumbEntry struct {
	thumb       models.Thumbnail
	data        []byte
	hash        *goimagehash.ImageHash
	placeholder bool
}

// Artifact is a generated export held in memory until the session is destroyed.
type Artifact struct {
	Format      string
	Filename    string
	ContentType string
	Data        []byte
}

// Snapshot is a consistent read of a session for pollers.
type Snapshot struct {
	Session   models.SessionInfo
	Progress  models.Progress
	Frames    []models.FrameRef
	HasResult bool
}

type GenerateResult struct {
	SlideCount int
	Formats    []string
}

func NewOrchestrator(cfg *config.AppConfig, opts OrchestratorOptions) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:          cfg,
		opener:       opts.Opener,
		scorer:       opts.Scorer,
		materializer: opts.Materializer,
		renderers:    opts.Renderers,
		store:        opts.Store,
		logger:       logger,
		detector: NewDetector(cfg.Detection.ProgressEvery,
			time.Duration(cfg.Detection.ProgressIntervalMs)*time.Millisecond, logger),
		tracker:  NewProgressTracker(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// ScorerName is the comparator selected for this process.
func (o *Orchestrator) ScorerName() string {
	return o.scorer.Name()
}

func (o *Orchestrator) session(id string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (o *Orchestrator) register(info models.SessionInfo) {
	o.mu.Lock()
	o.sessions[info.ID] = &session{
		info:       info,
		thumbs:     make(map[int]*thumbEntry),
		artifacts:  make(map[string]*Artifact),
		lastActive: time.Now(),
	}
	o.mu.Unlock()
}

// acquire registers materializer work against the session so Destroy can wait
// for it. It fails once the session is being destroyed.
func (s *session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// CreateSession stores an uploaded video and registers a new session for it.
// Returns the session and the number of bytes written.
func (o *Orchestrator) CreateSession(filename string, content io.Reader) (models.SessionInfo, int64, error) {
	id := uuid.NewString()
	path, n, err := SaveUpload(o.cfg.UploadDir(), id, content, filename)
	if err != nil {
		return models.SessionInfo{}, 0, err
	}

	info := models.SessionInfo{
		ID:        id,
		Filename:  filepath.Base(filename),
		FilePath:  path,
		CreatedAt: time.Now().UTC(),
	}
	o.register(info)

	if o.store != nil {
		if err := o.store.SaveSession(info); err != nil {
			o.logger.Warn("failed to persist session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return info, n, nil
}

// Restore re-registers sessions persisted by a previous process whose video
// file still exists. Progress and results are not restored.
func (o *Orchestrator) Restore() (int, error) {
	if o.store == nil {
		return 0, nil
	}
	infos, err := o.store.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	restored := 0
	for _, info := range infos {
		if _, err := os.Stat(info.FilePath); err != nil {
			o.logger.Info("dropping session without video", zap.String("session_id", info.ID))
			o.store.DeleteSession(info.ID)
			continue
		}
		o.register(info)
		restored++
	}
	return restored, nil
}

// Sessions lists registered sessions, oldest first.
func (o *Orchestrator) Sessions() []models.SessionInfo {
	o.mu.RLock()
	out := make([]models.SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.info)
	}
	o.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.SessionInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// SourcePath returns the uploaded video's location on disk.
func (o *Orchestrator) SourcePath(id string) (string, error) {
	s, err := o.session(id)
	if err != nil {
		return "", err
	}
	return s.info.FilePath, nil
}

// NormalizeParams rejects out-of-range parameters with ErrInvalidParams and
// fills in the stride and duplicate distance defaults.
func NormalizeParams(p models.DetectionParams) (models.DetectionParams, error) {
	if math.IsNaN(p.Threshold) || p.Threshold < 0 || p.Threshold > 1 {
		return p, fmt.Errorf("%w: threshold must be between 0 and 1", ErrInvalidParams)
	}
	if p.MinInterval < 0 {
		return p, fmt.Errorf("%w: min_interval must not be negative", ErrInvalidParams)
	}
	if p.Stride < 0 {
		return p, fmt.Errorf("%w: frame_skip must be at least 1", ErrInvalidParams)
	}
	p.Stride = max(p.Stride, 1)
	p.DuplicateDistance = max(p.DuplicateDistance, 0)
	return p, nil
}

// Start launches a detection run and returns immediately. Any previous result,
// thumbnails and artifacts of the session are discarded.
func (o *Orchestrator) Start(id string, params models.DetectionParams) error {
	s, err := o.session(id)
	if err != nil {
		return err
	}
	params, err = NormalizeParams(params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionNotFound
	}
	if err := o.tracker.Begin(id, params.Stride); err != nil {
		return err
	}

	s.gen++
	s.frames = nil
	s.hasResult = true
	s.thumbs = make(map[int]*thumbEntry)
	s.artifacts = make(map[string]*Artifact)
	s.lastActive = time.Now()
	done := make(chan struct{})
	s.done = done

	o.logger.Info("run started",
		zap.String("session_id", id),
		zap.Float64("threshold", params.Threshold),
		zap.Int("min_interval", params.MinInterval),
		zap.Int("frame_skip", params.Stride),
		zap.String("scorer", o.scorer.Name()),
	)
	go o.run(s, params, s.gen, done)
	return nil
}

// Stop requests cooperative cancellation of the session's active run.
func (o *Orchestrator) Stop(id string) error {
	if _, err := o.session(id); err != nil {
		return err
	}
	if !o.tracker.RequestStop(id) {
		return ErrNoActiveRun
	}
	o.logger.Info("stop requested", zap.String("session_id", id))
	return nil
}

// Snapshot returns the latest progress and the frames detected so far.
// FramesDetected always equals len(Frames).
func (o *Orchestrator) Snapshot(id string) (Snapshot, error) {
	s, err := o.session(id)
	if err != nil {
		return Snapshot{}, err
	}

	p, ok := o.tracker.Read(id)
	if !ok {
		p = models.Progress{Stage: models.StageIdle}
	}

	s.mu.RLock()
	snap := Snapshot{
		Session:   s.info,
		Progress:  p,
		Frames:    slices.Clone(s.frames),
		HasResult: s.hasResult,
	}
	s.mu.RUnlock()
	// The tracker count lags between progress reports; the frame list is
	// authoritative.
	snap.Progress.FramesDetected = len(snap.Frames)
	return snap, nil
}

// Wait blocks until the session's current run, if any, has exited.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	s, err := o.session(id)
	if err != nil {
		return err
	}
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Thumbnails returns one thumbnail per detected frame, in detection order.
// While a run is in progress only thumbnails that already exist are returned.
// Once it reaches a terminal stage missing thumbnails, such as those of a
// stopped run's partial result, are generated on demand.
func (o *Orchestrator) Thumbnails(ctx context.Context, id string) ([]models.Thumbnail, error) {
	s, err := o.session(id)
	if err != nil {
		return nil, err
	}

	// A terminal stage means the run does no further thumbnail work, even if
	// its goroutine is still recording history.
	p, _ := o.tracker.Read(id)
	if !o.tracker.Active(id) || p.Stage.Terminal() {
		if !s.acquire() {
			return nil, ErrSessionNotFound
		}
		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()
		o.ensureThumbnails(ctx, s, gen, thumbOptions{})
		s.inflight.Done()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Thumbnail, 0, len(s.frames))
	for _, f := range s.frames {
		if e, ok := s.thumbs[f.Index]; ok {
			out = append(out, e.thumb)
		}
	}
	return out, nil
}

func (s *session) cachedThumbnail(index int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.thumbs[index]; ok && !e.placeholder {
		return e.data
	}
	return nil
}

func (o *Orchestrator) selectFrames(s *session, indices []int) ([]models.FrameRef, error) {
	s.mu.RLock()
	frames := slices.Clone(s.frames)
	s.mu.RUnlock()

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames detected", ErrInvalidSelection)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: no frames selected", ErrInvalidSelection)
	}
	selected := make([]models.FrameRef, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(frames) {
			return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidSelection, idx, len(frames))
		}
		selected[i] = frames[idx]
	}
	return selected, nil
}

// fullFrame decodes a frame at full resolution, falling back to the cached
// thumbnail or a placeholder when the source cannot be decoded.
func (o *Orchestrator) fullFrame(ctx context.Context, s *session, ref models.FrameRef) ([]byte, error) {
	img, err := o.materializer.RenderFull(ctx, s.info.FilePath, ref)
	if err == nil {
		return img.Data, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	metrics.MaterializeFailures.WithLabelValues("full").Inc()
	o.logger.Warn("full frame decode failed, using fallback",
		zap.String("session_id", s.info.ID), zap.Int("frame", ref.Index), zap.Error(err))
	if data := s.cachedThumbnail(ref.Index); data != nil {
		return data, nil
	}
	return placeholderJPEG(1280, 720), nil
}

// Generate renders the selected frames with every configured renderer and
// keeps the artifacts for download. Indices are positions in the session's
// detection result; order and duplicates are preserved.
func (o *Orchestrator) Generate(ctx context.Context, id string, indices []int) (*GenerateResult, error) {
	s, err := o.session(id)
	if err != nil {
		return nil, err
	}
	selected, err := o.selectFrames(s, indices)
	if err != nil {
		return nil, err
	}
	if !s.acquire() {
		return nil, ErrSessionNotFound
	}
	defer s.inflight.Done()
	s.touch()

	exports := make([]ExportFrame, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Detection.ThumbnailWorkers, 1))
	for i, ref := range selected {
		g.Go(func() error {
			data, err := o.fullFrame(gctx, s, ref)
			if err != nil {
				return err
			}
			ef, err := PrepareExportFrame(ref, data, o.cfg.Export.MaxImageDim, o.cfg.Thumbnail.FullQuality)
			if err != nil {
				return err
			}
			exports[i] = ef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("materializing frames: %w", err)
	}

	title := strings.TrimSuffix(s.info.Filename, filepath.Ext(s.info.Filename))
	artifacts := make(map[string]*Artifact, len(o.renderers))
	result := &GenerateResult{SlideCount: len(exports)}
	for _, r := range o.renderers {
		data, err := r.Render(exports, title)
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", r.Format(), err)
		}
		artifacts[r.Format()] = &Artifact{
			Format:      r.Format(),
			Filename:    title + r.Extension(),
			ContentType: r.ContentType(),
			Data:        data,
		}
		result.Formats = append(result.Formats, r.Format())
		metrics.ExportsTotal.WithLabelValues(r.Format()).Inc()
	}

	s.mu.Lock()
	s.artifacts = artifacts
	s.mu.Unlock()

	o.logger.Info("exports generated",
		zap.String("session_id", id),
		zap.Int("slides", result.SlideCount),
		zap.Strings("formats", result.Formats),
	)
	return result, nil
}

// Artifact returns a previously generated export.
func (o *Orchestrator) Artifact(id, format string) (*Artifact, error) {
	s, err := o.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[format]
	if !ok {
		return nil, ErrNotGenerated
	}
	return a, nil
}

// FrameImage returns the full-resolution JPEG of the detected frame at the
// given position in the detection result.
func (o *Orchestrator) FrameImage(ctx context.Context, id string, position int) ([]byte, error) {
	s, err := o.session(id)
	if err != nil {
		return nil, err
	}
	selected, err := o.selectFrames(s, []int{position})
	if err != nil {
		return nil, err
	}
	if !s.acquire() {
		return nil, ErrSessionNotFound
	}
	defer s.inflight.Done()
	return o.fullFrame(ctx, s, selected[0])
}

// Destroy stops any active run, waits for it and for other in-flight work to
// exit, then deletes the session and its video.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if ok {
		delete(o.sessions, id)
	}
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	s.closing = true
	done := s.done
	s.mu.Unlock()

	o.tracker.RequestStop(id)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for run of session %s: %w", id, ctx.Err())
		}
	}
	s.inflight.Wait()
	o.tracker.Remove(id)

	if err := os.Remove(s.info.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("failed to remove video", zap.String("session_id", id), zap.Error(err))
	}
	if o.store != nil {
		if err := o.store.DeleteSession(id); err != nil {
			o.logger.Warn("failed to delete session record", zap.String("session_id", id), zap.Error(err))
		}
	}
	o.logger.Info("session destroyed", zap.String("session_id", id))
	return nil
}

// Shutdown stops every active run and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	var pending []chan struct{}
	for id, s := range o.sessions {
		o.tracker.RequestStop(id)
		s.mu.RLock()
		if s.done != nil {
			pending = append(pending, s.done)
		}
		s.mu.RUnlock()
	}
	o.mu.RUnlock()

	o.cancel()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
