package services

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noiseImage(seed int64, w, h int) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		v := uint8(rng.Intn(256))
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

func uniformImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestStructuralScorerIdenticalFrames(t *testing.T) {
	s := NewStructuralScorer(64)
	img := noiseImage(1, 120, 90)

	d, err := Score(context.Background(), s, img, img)
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)
}

func TestStructuralScorerBlackAndWhite(t *testing.T) {
	s := NewStructuralScorer(64)
	black := uniformImage(64, 64, color.Black)
	white := uniformImage(64, 64, color.White)

	d, err := Score(context.Background(), s, black, white)
	require.NoError(t, err)
	assert.Greater(t, d, 0.99)
	assert.LessOrEqual(t, d, 1.0)
}

func TestStructuralScorerOrdersByDifference(t *testing.T) {
	s := NewStructuralScorer(64)
	base := noiseImage(7, 64, 64)

	slight := image.NewRGBA(base.Rect)
	copy(slight.Pix, base.Pix)
	for i := 0; i < len(slight.Pix)/8; i += 4 {
		slight.Pix[i] ^= 0x10
	}
	unrelated := noiseImage(99, 64, 64)

	dSlight, err := Score(context.Background(), s, base, slight)
	require.NoError(t, err)
	dUnrelated, err := Score(context.Background(), s, base, unrelated)
	require.NoError(t, err)

	assert.Greater(t, dSlight, 0.0)
	assert.Less(t, dSlight, dUnrelated)
}

func TestStructuralScorerIsSymmetric(t *testing.T) {
	s := NewStructuralScorer(32)
	ctx := context.Background()
	a, err := s.Prepare(ctx, noiseImage(3, 50, 40))
	require.NoError(t, err)
	b, err := s.Prepare(ctx, noiseImage(4, 50, 40))
	require.NoError(t, err)
	assert.InDelta(t, s.Distance(a, b), s.Distance(b, a), 1e-12)
}

func TestStructuralScorerResizesBeforeComparing(t *testing.T) {
	s := NewStructuralScorer(32)
	ctx := context.Background()
	a, err := s.Prepare(ctx, noiseImage(5, 640, 360))
	require.NoError(t, err)
	b, err := s.Prepare(ctx, noiseImage(5, 100, 100))
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.Distance(a, b) })
	assert.Equal(t, 32, a.(*grayPlane).w)
}

func TestStructuralScorerPanicsOnForeignSignature(t *testing.T) {
	s := NewStructuralScorer(16)
	sig, err := s.Prepare(context.Background(), noiseImage(1, 16, 16))
	require.NoError(t, err)
	assert.Panics(t, func() { s.Distance(sig, []float64{1}) })
}

func TestToGrayPlaneMatchesGenericPath(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(0, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	rgba.Set(1, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	nrgba := image.NewNRGBA(rgba.Rect)
	nrgba.Set(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	nrgba.Set(1, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	fast := toGrayPlane(rgba)
	slow := toGrayPlane(nrgba)
	require.Len(t, fast.pix, 2)
	assert.InDelta(t, 0.299*200+0.587*100+0.114*50, fast.pix[0], 1e-9)
	for i := range fast.pix {
		assert.InDelta(t, fast.pix[i], slow.pix[i], 1e-6)
	}
}

func TestSSIMTinyImages(t *testing.T) {
	a := &grayPlane{w: 1, h: 1, pix: []float64{100}}
	b := &grayPlane{w: 1, h: 1, pix: []float64{100}}
	assert.InDelta(t, 1, ssim(a, b), 1e-12)

	c := &grayPlane{w: 1, h: 1, pix: []float64{0}}
	assert.Less(t, ssim(a, c), 0.1)
}

func TestClampUnit(t *testing.T) {
	assert.Equal(t, 0.0, clampUnit(-0.2))
	assert.Equal(t, 1.0, clampUnit(1.5))
	assert.Equal(t, 0.4, clampUnit(0.4))
	assert.Equal(t, 0.0, clampUnit(math.NaN()))
}
