package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type AppSettings struct {
	Host        string `yaml:"host" env:"HOST"`
	Port        int    `yaml:"port" env:"PORT"`
	DataDir     string `yaml:"data_dir" env:"DATA_DIR"`
	StaticDir   string `yaml:"static_dir" env:"STATIC_DIR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	MaxUploadMB int    `yaml:"max_upload_mb" env:"MAX_UPLOAD_MB"`
}

type DetectionSettings struct {
	Threshold           float64 `yaml:"threshold" env:"THRESHOLD"`
	MinFrameInterval    int     `yaml:"min_frame_interval" env:"MIN_FRAME_INTERVAL"`
	FrameSkip           int     `yaml:"frame_skip" env:"FRAME_SKIP"`
	DisableEmbeddings   bool    `yaml:"disable_embeddings" env:"DISABLE_EMBEDDINGS"`
	SSIMSize            int     `yaml:"ssim_size"`
	EmbeddingSize       int     `yaml:"embedding_size"`
	ProgressEvery       int     `yaml:"progress_every"`
	ProgressIntervalMs  int     `yaml:"progress_interval_ms"`
	DedupEnabled        bool    `yaml:"dedup_enabled" env:"DEDUP_ENABLED"`
	DedupPHashThreshold int     `yaml:"dedup_phash_threshold"`
	ThumbnailWorkers    int     `yaml:"thumbnail_workers"`
}

type ThumbnailSettings struct {
	MaxWidth    int `yaml:"max_width"`
	MaxHeight   int `yaml:"max_height"`
	Quality     int `yaml:"quality"`
	FullQuality int `yaml:"full_quality"`
}

type ExportSettings struct {
	SlideWidthIn  float64 `yaml:"slide_width_in"`
	SlideHeightIn float64 `yaml:"slide_height_in"`
	MaxImageDim   int     `yaml:"max_image_dim"`
}

type FFmpegSettings struct {
	FFmpegPath  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	FFprobePath string `yaml:"ffprobe_path" env:"FFPROBE_PATH"`
}

type MLServiceSettings struct {
	URL        string `yaml:"url" env:"ML_URL"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type StorageSettings struct {
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

type SessionSettings struct {
	RetentionHours     int `yaml:"retention_hours" env:"SESSION_RETENTION_HOURS"`
	CleanupIntervalMin int `yaml:"cleanup_interval_min"`
}

type AppConfig struct {
	App       AppSettings       `yaml:"app"`
	Detection DetectionSettings `yaml:"detection"`
	Thumbnail ThumbnailSettings `yaml:"thumbnail"`
	Export    ExportSettings    `yaml:"export"`
	FFmpeg    FFmpegSettings    `yaml:"ffmpeg"`
	MLService MLServiceSettings `yaml:"mlservice"`
	Storage   StorageSettings   `yaml:"storage"`
	Sessions  SessionSettings   `yaml:"sessions"`
}

// EnvPrefix namespaces the environment overrides applied after the YAML files.
const EnvPrefix = "VID2SLIDES_"

// LoadConfig reads and parses two YAML files (app config and detection config),
// merges them into a single AppConfig, applies VID2SLIDES_* environment
// overrides and fills in defaults.
func LoadConfig(appYaml, detectionYaml string) (*AppConfig, error) {
	cfg := &AppConfig{}

	if err := loadYAML(appYaml, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", appYaml, err)
	}

	if err := loadYAML(detectionYaml, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", detectionYaml, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.App.Host == "" {
		cfg.App.Host = "0.0.0.0"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 5000
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = "data"
	}
	if cfg.App.StaticDir == "" {
		cfg.App.StaticDir = "static"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.MaxUploadMB == 0 {
		cfg.App.MaxUploadMB = 500
	}

	if cfg.Detection.Threshold == 0 {
		cfg.Detection.Threshold = 0.3
	}
	if cfg.Detection.MinFrameInterval == 0 {
		cfg.Detection.MinFrameInterval = 30
	}
	if cfg.Detection.FrameSkip == 0 {
		cfg.Detection.FrameSkip = 1
	}
	if cfg.Detection.SSIMSize == 0 {
		cfg.Detection.SSIMSize = 256
	}
	if cfg.Detection.EmbeddingSize == 0 {
		cfg.Detection.EmbeddingSize = 224
	}
	if cfg.Detection.ProgressEvery == 0 {
		cfg.Detection.ProgressEvery = 10
	}
	if cfg.Detection.ProgressIntervalMs == 0 {
		cfg.Detection.ProgressIntervalMs = 500
	}
	if cfg.Detection.DedupPHashThreshold == 0 {
		cfg.Detection.DedupPHashThreshold = 4
	}
	if cfg.Detection.ThumbnailWorkers == 0 {
		cfg.Detection.ThumbnailWorkers = 8
	}

	if cfg.Thumbnail.MaxWidth == 0 {
		cfg.Thumbnail.MaxWidth = 400
	}
	if cfg.Thumbnail.MaxHeight == 0 {
		cfg.Thumbnail.MaxHeight = 300
	}
	if cfg.Thumbnail.Quality == 0 {
		cfg.Thumbnail.Quality = 92
	}
	if cfg.Thumbnail.FullQuality == 0 {
		cfg.Thumbnail.FullQuality = 95
	}

	if cfg.Export.SlideWidthIn == 0 {
		cfg.Export.SlideWidthIn = 10.0
	}
	if cfg.Export.SlideHeightIn == 0 {
		cfg.Export.SlideHeightIn = 7.5
	}
	if cfg.Export.MaxImageDim == 0 {
		cfg.Export.MaxImageDim = 1920
	}

	if cfg.FFmpeg.FFmpegPath == "" {
		cfg.FFmpeg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFmpeg.FFprobePath == "" {
		cfg.FFmpeg.FFprobePath = "ffprobe"
	}

	if cfg.MLService.URL == "" {
		cfg.MLService.URL = "http://localhost:8001"
	}
	if cfg.MLService.TimeoutSec == 0 {
		cfg.MLService.TimeoutSec = 30
	}

	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/vid2slides.db"
	}

	if cfg.Sessions.RetentionHours == 0 {
		cfg.Sessions.RetentionHours = 24
	}
	if cfg.Sessions.CleanupIntervalMin == 0 {
		cfg.Sessions.CleanupIntervalMin = 10
	}
}

// UploadDir is where uploaded videos are kept, one file per session.
func (c *AppConfig) UploadDir() string {
	return filepath.Join(c.App.DataDir, "uploads")
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
