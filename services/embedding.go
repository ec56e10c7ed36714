package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/nfnt/resize"
)

// EmbeddingScorer compares frames by cosine distance between image embeddings
// produced by the ML sidecar.
type EmbeddingScorer struct {
	client *MLClient
	size   int
}

// NewEmbeddingScorer checks the sidecar and runs a probe encode. Any failure
// is reported as ErrScorerInitialization.
func NewEmbeddingScorer(ctx context.Context, client *MLClient, size int) (*EmbeddingScorer, error) {
	if size <= 0 {
		size = 224
	}
	s := &EmbeddingScorer{client: client, size: size}

	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScorerInitialization, err)
	}

	probe := image.NewGray(image.Rect(0, 0, size, size))
	for i := range probe.Pix {
		probe.Pix[i] = 128
	}
	if _, err := s.Prepare(ctx, probe); err != nil {
		return nil, fmt.Errorf("%w: probe encode: %v", ErrScorerInitialization, err)
	}
	return s, nil
}

func (s *EmbeddingScorer) Name() string { return "embedding" }

func (s *EmbeddingScorer) Prepare(ctx context.Context, img image.Image) (Signature, error) {
	small := resize.Resize(uint(s.size), uint(s.size), img, resize.Bilinear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	vecs, err := s.client.EncodeFrames(ctx, [][]byte{buf.Bytes()})
	if err != nil {
		return nil, err
	}
	vec := normalize(vecs[0])
	if vec == nil {
		return nil, errors.New("sidecar returned an empty or zero embedding")
	}
	return vec, nil
}

// Distance is 1 - cosine similarity, clamped to [0, 1].
func (s *EmbeddingScorer) Distance(a, b Signature) float64 {
	va, okA := a.([]float64)
	vb, okB := b.([]float64)
	if !okA || !okB || len(va) != len(vb) {
		panic(signatureMismatch(s.Name(), a, b))
	}
	var dot float64
	for i := range va {
		dot += va[i] * vb[i]
	}
	return clampUnit(1 - dot)
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
