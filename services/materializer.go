package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strings"

	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
)

// FrameImage is an encoded JPEG of one frame. Width and Height are the
// dimensions of the source frame, not of the encoded image.
type FrameImage struct {
	Data   []byte
	Image  image.Image
	Width  int
	Height int
}

// Materializer turns frame references back into pixels by re-decoding the
// source video.
type Materializer interface {
	RenderThumbnail(ctx context.Context, source string, ref models.FrameRef) (*FrameImage, error)
	RenderFull(ctx context.Context, source string, ref models.FrameRef) (*FrameImage, error)
}

type FFmpegMaterializer struct {
	ffmpegPath string
	thumb      config.ThumbnailSettings
}

func NewFFmpegMaterializer(ffmpegPath string, thumb config.ThumbnailSettings) *FFmpegMaterializer {
	return &FFmpegMaterializer{ffmpegPath: ffmpegPath, thumb: thumb}
}

// RenderThumbnail scales the frame to fit the thumbnail box.
func (m *FFmpegMaterializer) RenderThumbnail(ctx context.Context, source string, ref models.FrameRef) (*FrameImage, error) {
	img, err := m.decode(ctx, source, ref)
	if err != nil {
		return nil, err
	}
	small := fitWithin(img, m.thumb.MaxWidth, m.thumb.MaxHeight)
	data, err := encodeJPEG(small, m.thumb.Quality)
	if err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	b := img.Bounds()
	return &FrameImage{Data: data, Image: small, Width: b.Dx(), Height: b.Dy()}, nil
}

func (m *FFmpegMaterializer) RenderFull(ctx context.Context, source string, ref models.FrameRef) (*FrameImage, error) {
	img, err := m.decode(ctx, source, ref)
	if err != nil {
		return nil, err
	}
	data, err := encodeJPEG(img, m.thumb.FullQuality)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	b := img.Bounds()
	return &FrameImage{Data: data, Image: img, Width: b.Dx(), Height: b.Dy()}, nil
}

// decode seeks to the frame's timestamp and reads one frame as PNG.
func (m *FFmpegMaterializer) decode(ctx context.Context, source string, ref models.FrameRef) (image.Image, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", ref.Timestamp),
		"-i", source,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v: %s", ErrDecode, ref.Index, err, strings.TrimSpace(stderr.String()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: frame %d: no output at %.3fs", ErrDecode, ref.Index, ref.Timestamp)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrDecode, ref.Index, err)
	}
	return img, nil
}
