package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Frame is one decoded frame. Image is only valid until the next call to
// FrameSource.Next.
type Frame struct {
	Index int
	Image image.Image
}

// FrameSource yields the frames of one video in order. It is not restartable;
// reopen the video to start again from frame 0.
type FrameSource interface {
	// TotalFrames is the container's best-effort frame count.
	TotalFrames() int
	FPS() float64
	// Next returns io.EOF at the end of the stream, including when decoding
	// fails mid-stream. Err reports the cause of such a truncation.
	Next() (Frame, error)
	Err() error
	Close() error
}

// VideoOpener opens a video for sequential decoding.
type VideoOpener interface {
	Open(ctx context.Context, path string) (FrameSource, error)
}

type VideoInfo struct {
	Width       int
	Height      int
	FPS         float64
	TotalFrames int
	Duration    float64
}

// FFmpegOpener decodes videos by piping raw RGBA frames out of an ffmpeg process.
type FFmpegOpener struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

func NewFFmpegOpener(ffmpegPath, ffprobePath string, logger *zap.Logger) *FFmpegOpener {
	return &FFmpegOpener{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}
}

// CheckInstallation verifies that ffmpeg and ffprobe are installed and runnable.
func (o *FFmpegOpener) CheckInstallation() error {
	for _, bin := range []string{o.ffmpegPath, o.ffprobePath} {
		if err := exec.Command(bin, "-version").Run(); err != nil {
			return fmt.Errorf("%s is not installed or not in PATH: %w", bin, err)
		}
	}
	return nil
}

// Probe reads stream metadata with ffprobe.
func (o *FFmpegOpener) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, o.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v", ErrUnreadableSource, path, err)
	}
	return parseProbeOutput(output)
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (*VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: parsing ffprobe output: %v", ErrUnreadableSource, err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrUnreadableSource)
	}

	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnreadableSource, st.Width, st.Height)
	}

	info := &VideoInfo{Width: st.Width, Height: st.Height}

	info.FPS = parseFrameRate(st.AvgFrameRate)
	if info.FPS == 0 {
		info.FPS = parseFrameRate(st.RFrameRate)
	}

	info.Duration, _ = strconv.ParseFloat(st.Duration, 64)
	if info.Duration == 0 {
		info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	}

	if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
		info.TotalFrames = n
	} else if info.Duration > 0 && info.FPS > 0 {
		info.TotalFrames = int(math.Round(info.Duration * info.FPS))
	}
	if info.Duration == 0 && info.FPS > 0 {
		info.Duration = float64(info.TotalFrames) / info.FPS
	}

	return info, nil
}

// parseFrameRate parses ffprobe rationals such as "30000/1001" or "25".
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open probes the file and starts an ffmpeg decoder. The first frame is
// decoded eagerly so that a video with zero decodable frames fails here with
// ErrUnreadableSource rather than later as an empty stream.
func (o *FFmpegOpener) Open(ctx context.Context, path string) (FrameSource, error) {
	info, err := o.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(decodeCtx, o.ffmpegPath,
		"-v", "error",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	src := &ffmpegSource{
		info:   info,
		cmd:    cmd,
		cancel: cancel,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		img:    image.NewRGBA(image.Rect(0, 0, info.Width, info.Height)),
	}

	first, err := src.Next()
	if err != nil {
		src.Close()
		cause := src.Err()
		if cause == nil {
			cause = errors.New("no frames")
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSource, path, cause)
	}
	src.pending = &first

	o.logger.Debug("video opened",
		zap.String("path", path),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("fps", info.FPS),
		zap.Int("total_frames", info.TotalFrames),
	)
	return src, nil
}

type ffmpegSource struct {
	info    *VideoInfo
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	reader  *bufio.Reader
	stderr  *limitedBuffer
	img     *image.RGBA
	pending *Frame
	next    int
	err     error
	eof     bool
	closed  bool
}

func (s *ffmpegSource) TotalFrames() int { return s.info.TotalFrames }
func (s *ffmpegSource) FPS() float64     { return s.info.FPS }
func (s *ffmpegSource) Err() error       { return s.err }

func (s *ffmpegSource) Next() (Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	if s.eof || s.closed {
		return Frame{}, io.EOF
	}

	if _, err := io.ReadFull(s.reader, s.img.Pix); err != nil {
		s.eof = true
		if !errors.Is(err, io.EOF) {
			s.err = fmt.Errorf("%w: truncated at frame %d: %v", ErrDecode, s.next, err)
		} else if waitErr := s.cmd.Wait(); waitErr != nil {
			s.err = fmt.Errorf("%w: ffmpeg exited after frame %d: %v: %s", ErrDecode, s.next, waitErr, strings.TrimSpace(s.stderr.String()))
		}
		return Frame{}, io.EOF
	}

	f := Frame{Index: s.next, Image: s.img}
	s.next++
	return f, nil
}

func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.cmd.ProcessState == nil {
		s.cmd.Wait()
	}
	return nil
}

// limitedBuffer keeps the first max bytes of ffmpeg's stderr.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
