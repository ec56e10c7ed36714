package services

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// fitDimensions scales w x h down to fit within maxW x maxH, keeping the
// aspect ratio. It never upscales.
func fitDimensions(w, h, maxW, maxH int) (int, int) {
	tw, th := w, h
	if maxW > 0 && tw > maxW {
		th = int(float64(th) * float64(maxW) / float64(tw))
		tw = maxW
	}
	if maxH > 0 && th > maxH {
		tw = int(float64(tw) * float64(maxH) / float64(th))
		th = maxH
	}
	return max(tw, 1), max(th, 1)
}

// fitWithin returns img unchanged if it already fits.
func fitWithin(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	tw, th := fitDimensions(b.Dx(), b.Dy(), maxW, maxH)
	if tw == b.Dx() && th == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// placeholderJPEG is shown in place of a frame that could not be decoded.
func placeholderJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 64, G: 64, B: 64, A: 255}}, image.Point{}, draw.Src)
	data, _ := encodeJPEG(img, 75)
	return data
}

func jpegDataURI(data []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}
