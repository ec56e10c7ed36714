package services

import (
	"archive/zip"
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
)

func testExportFrames(t *testing.T, n int) []ExportFrame {
	t.Helper()
	frames := make([]ExportFrame, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, 32, 18))
		for p := range img.Pix {
			img.Pix[p] = uint8(40 * i)
		}
		data, err := encodeJPEG(img, 80)
		require.NoError(t, err)
		frames[i] = ExportFrame{
			Ref:    models.NewFrameRef(i*30, 30),
			JPEG:   data,
			Width:  32,
			Height: 18,
		}
	}
	return frames
}

func TestPPTXRendererWritesOneSlidePerFrame(t *testing.T) {
	data, err := NewPPTXRenderer(10, 7.5).Render(testExportFrames(t, 3), "lecture")
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make(map[string]*zip.File)
	for _, f := range zr.File {
		names[f.Name] = f
	}
	for _, want := range []string{
		"[Content_Types].xml",
		"_rels/.rels",
		"ppt/presentation.xml",
		"ppt/slides/slide1.xml",
		"ppt/slides/slide3.xml",
		"ppt/slides/_rels/slide2.xml.rels",
		"ppt/media/image3.jpeg",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "ppt/slides/slide4.xml")

	rc, err := names["ppt/presentation.xml"].Open()
	require.NoError(t, err)
	pres, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Contains(t, string(pres), `<p:sldSz cx="9144000" cy="6858000"/>`)
}

func TestPDFRenderer(t *testing.T) {
	data, err := NewPDFRenderer(10, 7.5).Render(testExportFrames(t, 2), "lecture")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	pages := bytes.Count(data, []byte("/Type /Page")) - bytes.Count(data, []byte("/Type /Pages"))
	assert.Equal(t, 2, pages)
}

func TestHTMLRenderer(t *testing.T) {
	data, err := NewHTMLRenderer().Render(testExportFrames(t, 2), "<lecture>")
	require.NoError(t, err)
	page := string(data)

	assert.Equal(t, 2, strings.Count(page, `<div class="slide"`))
	assert.Contains(t, page, `data-timestamp="00:01"`)
	assert.Contains(t, page, `src="data:image/jpeg;base64,`)
	assert.Contains(t, page, "&lt;lecture&gt;")
	assert.NotContains(t, page, "<lecture>")
}

func TestHTMLRendererDefaultTitle(t *testing.T) {
	data, err := NewHTMLRenderer().Render(testExportFrames(t, 1), "")
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Video Presentation</title>")
}

func TestRenderersRejectEmptySelection(t *testing.T) {
	for _, r := range DefaultRenderers(config.ExportSettings{SlideWidthIn: 10, SlideHeightIn: 7.5}) {
		_, err := r.Render(nil, "x")
		assert.ErrorIs(t, err, ErrInvalidSelection, r.Format())
	}
}

func TestPrepareExportFrameDownscales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	data, err := encodeJPEG(img, 90)
	require.NoError(t, err)

	ef, err := PrepareExportFrame(models.FrameRef{Index: 7}, data, 100, 90)
	require.NoError(t, err)
	assert.Equal(t, 100, ef.Width)
	assert.Equal(t, 50, ef.Height)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(ef.JPEG))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)

	same, err := PrepareExportFrame(models.FrameRef{Index: 7}, data, 1000, 90)
	require.NoError(t, err)
	assert.Equal(t, data, same.JPEG)
}

func TestPrepareExportFrameRejectsGarbage(t *testing.T) {
	_, err := PrepareExportFrame(models.FrameRef{Index: 1}, []byte("not a jpeg"), 100, 90)
	assert.Error(t, err)
}

func TestFitRect(t *testing.T) {
	x, y, w, h := fitRect(16, 9, 10, 10)
	assert.InDelta(t, 10, w, 1e-9)
	assert.InDelta(t, 5.625, h, 1e-9)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 2.1875, y, 1e-9)

	x, _, w, h = fitRect(1, 2, 10, 10)
	assert.InDelta(t, 5, w, 1e-9)
	assert.InDelta(t, 10, h, 1e-9)
	assert.InDelta(t, 2.5, x, 1e-9)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00", FormatTimestamp(0))
	assert.Equal(t, "01:05", FormatTimestamp(65.9))
	assert.Equal(t, "01:01:01", FormatTimestamp(3661))
	assert.Equal(t, "00:00", FormatTimestamp(-3))
}
