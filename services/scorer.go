package services

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/metrics"
	"go.uber.org/zap"
)

// Signature is a scorer's prepared representation of one frame. Only the
// scorer that produced it can compare it.
type Signature any

// Scorer compares two frames and returns a distance in [0, 1], where 0 means
// identical and values near 1 mean unrelated. Preparing once per frame lets
// the detector compare each retained frame against the previous one without
// recomputing either side.
type Scorer interface {
	Name() string
	Prepare(ctx context.Context, img image.Image) (Signature, error)
	Distance(a, b Signature) float64
}

// Score compares two frames directly.
func Score(ctx context.Context, s Scorer, a, b image.Image) (float64, error) {
	sa, err := s.Prepare(ctx, a)
	if err != nil {
		return 0, err
	}
	sb, err := s.Prepare(ctx, b)
	if err != nil {
		return 0, err
	}
	return s.Distance(sa, sb), nil
}

// SelectScorer picks the comparator once per process. The embedding scorer is
// used when the sidecar is healthy and answers a probe encode; otherwise the
// structural scorer is used and the failure is logged.
func SelectScorer(ctx context.Context, cfg config.DetectionSettings, client *MLClient, logger *zap.Logger) Scorer {
	structural := NewStructuralScorer(cfg.SSIMSize)

	var selected Scorer = structural
	switch {
	case cfg.DisableEmbeddings || client == nil:
		logger.Info("embedding scorer disabled, using structural similarity")
	default:
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		emb, err := NewEmbeddingScorer(probeCtx, client, cfg.EmbeddingSize)
		cancel()
		if err != nil {
			logger.Warn("falling back to structural similarity", zap.Error(err))
		} else {
			selected = emb
		}
	}

	metrics.ScorerInfo.WithLabelValues(selected.Name()).Set(1)
	logger.Info("scorer selected", zap.String("scorer", selected.Name()))
	return selected
}

func clampUnit(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func signatureMismatch(scorer string, a, b Signature) string {
	return fmt.Sprintf("%s: cannot compare %T with %T", scorer, a, b)
}
