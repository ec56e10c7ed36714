package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

func TestDetectVideoRejectsInvalidParams(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.App.DataDir = t.TempDir()
	config.ApplyDefaults(cfg)

	tests := []struct {
		name   string
		params models.DetectionParams
	}{
		{"threshold above one", models.DetectionParams{Threshold: 5, Stride: 1}},
		{"negative threshold", models.DetectionParams{Threshold: -0.2, Stride: 1}},
		{"negative interval", models.DetectionParams{Threshold: 0.3, MinInterval: -3, Stride: 1}},
		{"negative stride", models.DetectionParams{Threshold: 0.3, Stride: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := detectVideo(context.Background(), cfg, zap.NewNop(), "missing.mp4", tt.params, "")
			assert.ErrorIs(t, err, services.ErrInvalidParams)
		})
	}
}
