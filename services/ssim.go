package services

import (
	"context"
	"image"

	"github.com/nfnt/resize"
)

const (
	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
	ssimRange  = 255.0
)

// StructuralScorer compares downsampled grayscale frames with SSIM and reports
// 1 - SSIM as the distance.
type StructuralScorer struct {
	size int
}

func NewStructuralScorer(size int) *StructuralScorer {
	if size <= 0 {
		size = 256
	}
	return &StructuralScorer{size: size}
}

func (s *StructuralScorer) Name() string { return "ssim" }

type grayPlane struct {
	w, h int
	pix  []float64
}

func (s *StructuralScorer) Prepare(_ context.Context, img image.Image) (Signature, error) {
	small := resize.Resize(uint(s.size), uint(s.size), img, resize.Bilinear)
	return toGrayPlane(small), nil
}

func (s *StructuralScorer) Distance(a, b Signature) float64 {
	pa, okA := a.(*grayPlane)
	pb, okB := b.(*grayPlane)
	if !okA || !okB || pa.w != pb.w || pa.h != pb.h {
		panic(signatureMismatch(s.Name(), a, b))
	}
	return clampUnit(1 - ssim(pa, pb))
}

// toGrayPlane converts to luma with the ITU-R BT.601 weights.
func toGrayPlane(img image.Image) *grayPlane {
	b := img.Bounds()
	p := &grayPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < p.h; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+p.w*4]
			for x := 0; x < p.w; x++ {
				r, g, bl := float64(row[x*4]), float64(row[x*4+1]), float64(row[x*4+2])
				p.pix[y*p.w+x] = 0.299*r + 0.587*g + 0.114*bl
			}
		}
		return p
	}

	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			p.pix[y*p.w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
		}
	}
	return p
}

// ssim is the mean structural similarity over all 7x7 windows that fit
// entirely inside the image, using sample (N-1) covariance.
func ssim(a, b *grayPlane) float64 {
	c1 := (ssimK1 * ssimRange) * (ssimK1 * ssimRange)
	c2 := (ssimK2 * ssimRange) * (ssimK2 * ssimRange)

	win := ssimWindow
	if a.w < win || a.h < win {
		win = min(a.w, a.h)
	}
	if win < 2 {
		return ssimSingle(a.pix, b.pix, c1, c2)
	}

	sa := newIntegral(a, func(v, _ float64) float64 { return v }, b)
	sb := newIntegral(b, func(v, _ float64) float64 { return v }, a)
	saa := newIntegral(a, func(v, _ float64) float64 { return v * v }, b)
	sbb := newIntegral(b, func(v, _ float64) float64 { return v * v }, a)
	sab := newIntegral(a, func(v, w float64) float64 { return v * w }, b)

	n := float64(win * win)
	covNorm := n / (n - 1)

	var total float64
	count := 0
	for y := 0; y+win <= a.h; y++ {
		for x := 0; x+win <= a.w; x++ {
			ux := sa.sum(x, y, win) / n
			uy := sb.sum(x, y, win) / n
			uxx := saa.sum(x, y, win) / n
			uyy := sbb.sum(x, y, win) / n
			uxy := sab.sum(x, y, win) / n

			vx := covNorm * (uxx - ux*ux)
			vy := covNorm * (uyy - uy*uy)
			vxy := covNorm * (uxy - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			total += num / den
			count++
		}
	}
	return total / float64(count)
}

func ssimSingle(a, b []float64, c1, c2 float64) float64 {
	var ux, uy float64
	for i := range a {
		ux += a[i]
		uy += b[i]
	}
	n := float64(len(a))
	ux /= n
	uy /= n
	return (2*ux*uy + c1) / (ux*ux + uy*uy + c1)
}

// integral is a summed-area table with one row and column of zero padding.
type integral struct {
	stride int
	vals   []float64
}

func newIntegral(p *grayPlane, f func(v, w float64) float64, other *grayPlane) *integral {
	stride := p.w + 1
	in := &integral{stride: stride, vals: make([]float64, stride*(p.h+1))}
	for y := 0; y < p.h; y++ {
		var rowSum float64
		for x := 0; x < p.w; x++ {
			i := y*p.w + x
			rowSum += f(p.pix[i], other.pix[i])
			in.vals[(y+1)*stride+x+1] = in.vals[y*stride+x+1] + rowSum
		}
	}
	return in
}

func (in *integral) sum(x, y, size int) float64 {
	s := in.stride
	return in.vals[(y+size)*s+x+size] - in.vals[y*s+x+size] - in.vals[(y+size)*s+x] + in.vals[y*s+x]
}
