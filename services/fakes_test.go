package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
	"go.uber.org/zap"
)

// grayFrame is a 4x4 frame filled with a single luma value.
func grayFrame(v uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// fakeSource yields one uniform gray frame per value.
type fakeSource struct {
	values []uint8
	fps    float64
	pos    int

	// failAt returns failErr instead of the frame at that index.
	failAt  int
	failErr error
	// truncateAt ends the stream early with a decode error.
	truncateAt int
	// gate, when set, is received from before every frame.
	gate chan struct{}

	err    error
	closed atomic.Bool
}

func newFakeSource(values ...uint8) *fakeSource {
	return &fakeSource{values: values, fps: 10, failAt: -1, truncateAt: -1}
}

func (s *fakeSource) TotalFrames() int { return len(s.values) }
func (s *fakeSource) FPS() float64     { return s.fps }
func (s *fakeSource) Err() error       { return s.err }

func (s *fakeSource) Next() (Frame, error) {
	if s.gate != nil {
		if _, ok := <-s.gate; !ok {
			s.gate = nil
		}
	}
	if s.pos == s.truncateAt {
		s.err = fmt.Errorf("%w: unexpected end of stream", ErrDecode)
		return Frame{}, io.EOF
	}
	if s.pos >= len(s.values) {
		return Frame{}, io.EOF
	}
	if s.pos == s.failAt {
		return Frame{}, s.failErr
	}
	f := Frame{Index: s.pos, Image: grayFrame(s.values[s.pos])}
	s.pos++
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

// luminanceScorer compares frames by their mean luma, scaled to [0, 1].
type luminanceScorer struct {
	prepared atomic.Int32
}

func (s *luminanceScorer) Name() string { return "luminance" }

func (s *luminanceScorer) Prepare(_ context.Context, img image.Image) (Signature, error) {
	s.prepared.Add(1)
	b := img.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return sum / float64(b.Dx()*b.Dy()) / 255, nil
}

func (s *luminanceScorer) Distance(a, b Signature) float64 {
	return math.Abs(a.(float64) - b.(float64))
}

// fakeOpener hands out a fresh fakeSource per Open call.
type fakeOpener struct {
	mu      sync.Mutex
	build   func() *fakeSource
	openErr error
	opened  []*fakeSource
}

func (o *fakeOpener) Open(_ context.Context, _ string) (FrameSource, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	src := o.build()
	o.mu.Lock()
	o.opened = append(o.opened, src)
	o.mu.Unlock()
	return src, nil
}

// fakeMaterializer renders a 32x24 noise JPEG per frame, seeded by the frame
// index unless seed says otherwise. Frames listed in fail cannot be decoded.
type fakeMaterializer struct {
	fail  map[int]bool
	seed  func(index int) int64
	calls atomic.Int32
}

func (m *fakeMaterializer) render(ref models.FrameRef) (*FrameImage, error) {
	m.calls.Add(1)
	if m.fail[ref.Index] {
		return nil, fmt.Errorf("%w: frame %d", ErrDecode, ref.Index)
	}
	seed := int64(ref.Index)
	if m.seed != nil {
		seed = m.seed(ref.Index)
	}
	img := noiseImage(seed, 32, 24)
	data, err := encodeJPEG(img, 90)
	if err != nil {
		return nil, err
	}
	return &FrameImage{Data: data, Image: img, Width: 32, Height: 24}, nil
}

func (m *fakeMaterializer) RenderThumbnail(_ context.Context, _ string, ref models.FrameRef) (*FrameImage, error) {
	return m.render(ref)
}

func (m *fakeMaterializer) RenderFull(_ context.Context, _ string, ref models.FrameRef) (*FrameImage, error) {
	return m.render(ref)
}

// recordingRenderer remembers the frames of its last render.
type recordingRenderer struct {
	mu     sync.Mutex
	format string
	frames []ExportFrame
	err    error
}

func (r *recordingRenderer) Format() string      { return r.format }
func (r *recordingRenderer) ContentType() string { return "application/octet-stream" }
func (r *recordingRenderer) Extension() string   { return "." + r.format }

func (r *recordingRenderer) Render(frames []ExportFrame, title string) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	r.frames = frames
	r.mu.Unlock()
	return []byte(fmt.Sprintf("%s:%s:%d", r.format, title, len(frames))), nil
}

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.SessionInfo
	history  []models.RunHistoryEntry

	// historyHold, when set, is received from before a run is recorded.
	historyHold chan struct{}
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]models.SessionInfo)}
}

func (s *memStore) SaveSession(info models.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[info.ID] = info
	return nil
}

func (s *memStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) ListSessions() ([]models.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	return out, nil
}

func (s *memStore) AddRunHistory(e models.RunHistoryEntry) error {
	if s.historyHold != nil {
		<-s.historyHold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
}

func (s *memStore) runs() []models.RunHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunHistoryEntry(nil), s.history...)
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.App.DataDir = t.TempDir()
	config.ApplyDefaults(cfg)
	cfg.Detection.ProgressEvery = 1
	cfg.Detection.ThumbnailWorkers = 2
	return cfg
}

type orchFixture struct {
	orch      *Orchestrator
	opener    *fakeOpener
	mat       *fakeMaterializer
	renderers []*recordingRenderer
	store     *memStore
}

func newOrchFixture(t *testing.T, build func() *fakeSource) *orchFixture {
	t.Helper()
	f := &orchFixture{
		opener: &fakeOpener{build: build},
		mat:    &fakeMaterializer{},
		renderers: []*recordingRenderer{
			{format: "pptx"},
			{format: "pdf"},
		},
		store: newMemStore(),
	}
	renderers := make([]Renderer, len(f.renderers))
	for i, r := range f.renderers {
		renderers[i] = r
	}
	f.orch = NewOrchestrator(testConfig(t), OrchestratorOptions{
		Opener:       f.opener,
		Scorer:       &luminanceScorer{},
		Materializer: f.mat,
		Renderers:    renderers,
		Store:        f.store,
		Logger:       zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		f.orch.Shutdown(ctx)
	})
	return f
}

func (f *orchFixture) newSession(t *testing.T) models.SessionInfo {
	t.Helper()
	info, _, err := f.orch.CreateSession("lecture.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	return info
}

// waitDone blocks until the session's run has exited.
func (f *orchFixture) waitDone(t *testing.T, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, f.orch.Wait(ctx, id))
	snap, err := f.orch.Snapshot(id)
	require.NoError(t, err)
	return snap
}

const testWait = 5 * time.Second

var errBoom = errors.New("boom")
