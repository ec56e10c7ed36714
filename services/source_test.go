package services

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
	"go.uber.org/zap"
)

func TestParseFrameRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.001)
	assert.Equal(t, 25.0, parseFrameRate("25/1"))
	assert.Equal(t, 24.0, parseFrameRate("24"))
	assert.Zero(t, parseFrameRate("0/0"))
	assert.Zero(t, parseFrameRate(""))
	assert.Zero(t, parseFrameRate("abc/1"))
}

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{
		"streams": [{"width": 1280, "height": 720, "r_frame_rate": "30/1", "avg_frame_rate": "30/1", "nb_frames": "900", "duration": "30.000"}],
		"format": {"duration": "30.05"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.Equal(t, 30.0, info.FPS)
	assert.Equal(t, 900, info.TotalFrames)
	assert.Equal(t, 30.0, info.Duration)
}

func TestParseProbeOutputEstimatesFrameCount(t *testing.T) {
	// Matroska files usually lack nb_frames and a stream duration.
	info, err := parseProbeOutput([]byte(`{
		"streams": [{"width": 640, "height": 480, "r_frame_rate": "25/1", "avg_frame_rate": "0/0"}],
		"format": {"duration": "12.0"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FPS)
	assert.Equal(t, 300, info.TotalFrames)
	assert.Equal(t, 12.0, info.Duration)
}

func TestParseProbeOutputRejectsMissingStream(t *testing.T) {
	_, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`))
	assert.ErrorIs(t, err, ErrUnreadableSource)

	_, err = parseProbeOutput([]byte(`{"streams": [{"width": 0, "height": 0}]}`))
	assert.ErrorIs(t, err, ErrUnreadableSource)

	_, err = parseProbeOutput([]byte(`not json`))
	assert.ErrorIs(t, err, ErrUnreadableSource)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("defgh"))
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", b.String())
}

func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

// makeTestVideo renders two seconds of color bars followed by one second of
// solid red at 10 fps.
func makeTestVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cut.avi")
	cmd := exec.Command("ffmpeg", "-v", "error",
		"-f", "lavfi", "-i", "testsrc=size=160x120:rate=10:duration=2",
		"-f", "lavfi", "-i", "color=c=red:size=160x120:rate=10:duration=1",
		"-filter_complex", "[0:v][1:v]concat=n=2:v=1:a=0",
		"-c:v", "mjpeg", "-q:v", "3",
		path,
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return path
}

func TestFFmpegOpenerDecodesAllFrames(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := makeTestVideo(t)

	opener := NewFFmpegOpener("ffmpeg", "ffprobe", zap.NewNop())
	require.NoError(t, opener.CheckInstallation())

	src, err := opener.Open(context.Background(), path)
	require.NoError(t, err)
	defer src.Close()

	assert.InDelta(t, 10, src.FPS(), 0.01)

	count := 0
	for {
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, count, f.Index)
		assert.Equal(t, 160, f.Image.Bounds().Dx())
		count++
	}
	assert.Equal(t, 30, count)
	assert.NoError(t, src.Err())
}

func TestFFmpegOpenerRejectsNonVideo(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := filepath.Join(t.TempDir(), "notes.mp4")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a video"), 0o644))

	_, err := NewFFmpegOpener("ffmpeg", "ffprobe", zap.NewNop()).Open(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnreadableSource)
}

func TestDetectOnRealVideo(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := makeTestVideo(t)

	src, err := NewFFmpegOpener("ffmpeg", "ffprobe", zap.NewNop()).Open(context.Background(), path)
	require.NoError(t, err)
	defer src.Close()

	det, err := newTestDetector().Detect(context.Background(), src, NewStructuralScorer(64),
		models.DetectionParams{Threshold: 0.5, MinInterval: 5, Stride: 1}, DetectHooks{})
	require.NoError(t, err)

	require.NotEmpty(t, det.Frames)
	assert.Equal(t, 0, det.Frames[0].Index)
	assert.Contains(t, indices(det.Frames), 20)
	// The solid red tail never changes.
	last := det.Frames[len(det.Frames)-1]
	assert.LessOrEqual(t, last.Index, 20)
}

func TestFFmpegMaterializer(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := makeTestVideo(t)

	thumb := config.ThumbnailSettings{MaxWidth: 80, MaxHeight: 80, Quality: 80, FullQuality: 90}
	m := NewFFmpegMaterializer("ffmpeg", thumb)

	img, err := m.RenderThumbnail(context.Background(), path, models.NewFrameRef(25, 10))
	require.NoError(t, err)
	assert.Equal(t, 160, img.Width)
	assert.Equal(t, 120, img.Height)
	assert.LessOrEqual(t, img.Image.Bounds().Dx(), 80)

	full, err := m.RenderFull(context.Background(), path, models.NewFrameRef(25, 10))
	require.NoError(t, err)
	assert.Equal(t, 160, full.Image.Bounds().Dx())

	_, err = m.RenderFull(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), models.FrameRef{})
	assert.ErrorIs(t, err, ErrDecode)
}
