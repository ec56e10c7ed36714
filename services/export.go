package services

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
)

// ExportFrame is one slide's worth of input for a renderer.
type ExportFrame struct {
	Ref    models.FrameRef
	JPEG   []byte
	Width  int
	Height int
}

// Renderer turns a selection of frames into a document.
type Renderer interface {
	Format() string
	ContentType() string
	Extension() string
	Render(frames []ExportFrame, title string) ([]byte, error)
}

// DefaultRenderers returns the slide deck, PDF and HTML slideshow renderers.
func DefaultRenderers(cfg config.ExportSettings) []Renderer {
	return []Renderer{
		NewPPTXRenderer(cfg.SlideWidthIn, cfg.SlideHeightIn),
		NewPDFRenderer(cfg.SlideWidthIn, cfg.SlideHeightIn),
		NewHTMLRenderer(),
	}
}

// PrepareExportFrame downsizes the frame to maxDim on its longest side and
// re-encodes it as JPEG. Images that already fit are passed through.
func PrepareExportFrame(ref models.FrameRef, data []byte, maxDim, quality int) (ExportFrame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return ExportFrame{}, fmt.Errorf("decoding frame %d: %w", ref.Index, err)
	}
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return ExportFrame{Ref: ref, JPEG: data, Width: b.Dx(), Height: b.Dy()}, nil
	}

	scaled := fitWithin(img, maxDim, maxDim)
	out, err := encodeJPEG(scaled, quality)
	if err != nil {
		return ExportFrame{}, fmt.Errorf("encoding frame %d: %w", ref.Index, err)
	}
	sb := scaled.Bounds()
	return ExportFrame{Ref: ref, JPEG: out, Width: sb.Dx(), Height: sb.Dy()}, nil
}

// fitRect centers a w x h image inside a box, keeping the aspect ratio.
func fitRect(w, h int, boxW, boxH float64) (x, y, fw, fh float64) {
	if w <= 0 || h <= 0 {
		return 0, 0, boxW, boxH
	}
	aspect := float64(w) / float64(h)
	if aspect > boxW/boxH {
		fw = boxW
		fh = boxW / aspect
	} else {
		fh = boxH
		fw = boxH * aspect
	}
	return (boxW - fw) / 2, (boxH - fh) / 2, fw, fh
}

// FormatTimestamp renders seconds as MM:SS, or HH:MM:SS past one hour.
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
