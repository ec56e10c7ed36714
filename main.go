package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/dustin/go-humanize"
	"github.com/vid2slides/backend/cmd/server"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/logger"
	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

var rootDir string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "detect":
		runDetect(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: backend <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  detect    Detect scene changes in a single video file")
	fmt.Fprintln(os.Stderr, "  serve     Start the HTTP API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Common flags:")
	fmt.Fprintln(os.Stderr, "  -root     Project root directory (default: parent of backend/)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'backend <command> -help' for details.")
}

func addRootFlag(fs *flag.FlagSet) {
	fs.StringVar(&rootDir, "root", "", "project root directory (default: parent of backend/)")
}

func resolveRoot() string {
	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			log.Fatalf("resolving root: %v", err)
		}
		return abs
	}

	// Default: parent of the directory containing the executable
	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Dir(filepath.Dir(exe))
		if _, err := os.Stat(filepath.Join(candidate, "config")); err == nil {
			return candidate
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("getting cwd: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
		return cwd
	}
	candidate := filepath.Dir(cwd)
	if _, err := os.Stat(filepath.Join(candidate, "config")); err == nil {
		return candidate
	}
	return cwd
}

func loadAppConfig() *config.AppConfig {
	root := resolveRoot()
	appYaml := filepath.Join(root, "config", "app.yaml")
	detectionYaml := filepath.Join(root, "config", "detection.yaml")

	cfg, err := config.LoadConfig(appYaml, detectionYaml)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Make relative paths absolute against project root
	if !filepath.IsAbs(cfg.App.DataDir) {
		cfg.App.DataDir = filepath.Join(root, cfg.App.DataDir)
	}
	if !filepath.IsAbs(cfg.App.StaticDir) {
		cfg.App.StaticDir = filepath.Join(root, cfg.App.StaticDir)
	}
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(root, cfg.Storage.DBPath)
	}

	return cfg
}

func newLogger(cfg *config.AppConfig) *zap.Logger {
	l, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	return l
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addRootFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()
	l := newLogger(cfg)
	defer l.Sync()

	if err := server.Start(cfg, l); err != nil {
		l.Fatal("server exited", zap.Error(err))
	}
}

func runDetect(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	video := fs.String("video", "", "path to video file (required)")
	threshold := fs.Float64("threshold", -1, "distance threshold in [0,1] (default: config)")
	minInterval := fs.Int("min-interval", -1, "minimum frames between detections (default: config)")
	frameSkip := fs.Int("frame-skip", 0, "examine every Nth frame (default: config)")
	dedup := fs.Bool("dedup", false, "remove near-duplicate frames after detection")
	out := fs.String("out", "", "directory to write exports and manifest.json (optional)")
	addRootFlag(fs)
	fs.Parse(args)

	if *video == "" {
		fmt.Fprintln(os.Stderr, "error: -video flag is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAppConfig()
	l := newLogger(cfg)
	defer l.Sync()

	params := models.DetectionParams{
		Threshold:         cfg.Detection.Threshold,
		MinInterval:       cfg.Detection.MinFrameInterval,
		Stride:            cfg.Detection.FrameSkip,
		RemoveDuplicates:  *dedup || cfg.Detection.DedupEnabled,
		DuplicateDistance: cfg.Detection.DedupPHashThreshold,
	}
	if *threshold >= 0 {
		params.Threshold = *threshold
	}
	if *minInterval >= 0 {
		params.MinInterval = *minInterval
	}
	if *frameSkip > 0 {
		params.Stride = *frameSkip
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := detectVideo(ctx, cfg, l, *video, params, *out); err != nil {
		log.Fatalf("detect failed: %v", err)
	}
}

func detectVideo(ctx context.Context, cfg *config.AppConfig, l *zap.Logger, videoPath string, params models.DetectionParams, outDir string) error {
	params, err := services.NormalizeParams(params)
	if err != nil {
		return err
	}

	if st, err := os.Stat(videoPath); err == nil {
		fmt.Printf("Detecting scene changes in %s (%s)\n", videoPath, humanize.Bytes(uint64(st.Size())))
	}

	opener := services.NewFFmpegOpener(cfg.FFmpeg.FFmpegPath, cfg.FFmpeg.FFprobePath, l)
	if err := opener.CheckInstallation(); err != nil {
		return err
	}
	mlClient := services.NewMLClient(cfg.MLService.URL, time.Duration(cfg.MLService.TimeoutSec)*time.Second)
	scorer := services.SelectScorer(ctx, cfg.Detection, mlClient, l)
	fmt.Printf("Scorer: %s  threshold=%.2f  min_interval=%d  frame_skip=%d\n",
		scorer.Name(), params.Threshold, params.MinInterval, params.Stride)

	src, err := opener.Open(ctx, videoPath)
	if err != nil {
		return err
	}
	defer src.Close()

	total := src.TotalFrames()
	started := time.Now()
	detector := services.NewDetector(cfg.Detection.ProgressEvery,
		time.Duration(cfg.Detection.ProgressIntervalMs)*time.Millisecond, l)
	det, err := detector.Detect(ctx, src, scorer, params, services.DetectHooks{
		OnProgress: func(p services.DetectProgress) {
			fmt.Printf("\r  %s / %s frames  %d detected",
				humanize.Comma(int64(p.FramesRead)), humanize.Comma(int64(total)), p.FramesDetected)
		},
	})
	fmt.Println()
	interrupted := errors.Is(err, services.ErrStopped)
	if interrupted {
		// ffmpeg calls below would fail on the cancelled context.
		fmt.Println("Interrupted, skipping de-duplication and exports")
		params.RemoveDuplicates = false
		outDir = ""
	} else if err != nil {
		return err
	}
	src.Close()

	frames := det.Frames
	fmt.Printf("Detected %d scene change(s) in %d frame(s), took %s\n",
		len(frames), det.FramesRead, time.Since(started).Round(time.Millisecond))

	mat := services.NewFFmpegMaterializer(cfg.FFmpeg.FFmpegPath, cfg.Thumbnail)
	if params.RemoveDuplicates && len(frames) > 1 {
		fmt.Printf("Running de-duplication (threshold=%d)...\n", params.DuplicateDistance)
		hashes := make(map[int]*goimagehash.ImageHash, len(frames))
		for _, f := range frames {
			img, err := mat.RenderThumbnail(ctx, videoPath, f)
			if err != nil {
				continue
			}
			if h, err := services.HashFrame(img.Image); err == nil {
				hashes[f.Index] = h
			}
		}
		before := len(frames)
		if frames, err = services.DeduplicateFrames(frames, hashes, params.DuplicateDistance); err != nil {
			return fmt.Errorf("dedup failed: %w", err)
		}
		fmt.Printf("De-duplication: %d -> %d frames (%d duplicates removed)\n",
			before, len(frames), before-len(frames))
	}

	for _, f := range frames {
		fmt.Printf("  frame %7d  %s\n", f.Index, services.FormatTimestamp(f.Timestamp))
	}

	if outDir == "" {
		return nil
	}
	return writeExports(ctx, cfg, mat, videoPath, scorer.Name(), params, frames, outDir)
}

func writeExports(ctx context.Context, cfg *config.AppConfig, mat services.Materializer, videoPath, scorer string, params models.DetectionParams, frames []models.FrameRef, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if prev, err := services.LoadManifest(outDir); err == nil && prev != nil {
		fmt.Printf("Replacing previous manifest for %s (%d frames)\n", prev.Source, len(prev.Frames))
	}

	exports := make([]services.ExportFrame, 0, len(frames))
	for _, f := range frames {
		img, err := mat.RenderFull(ctx, videoPath, f)
		if err != nil {
			fmt.Printf("  skipping frame %d: %v\n", f.Index, err)
			continue
		}
		ef, err := services.PrepareExportFrame(f, img.Data, cfg.Export.MaxImageDim, cfg.Thumbnail.FullQuality)
		if err != nil {
			return err
		}
		exports = append(exports, ef)
	}
	if len(exports) == 0 {
		return errors.New("no frames could be decoded for export")
	}

	title := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	for _, r := range services.DefaultRenderers(cfg.Export) {
		data, err := r.Render(exports, title)
		if err != nil {
			return fmt.Errorf("rendering %s: %w", r.Format(), err)
		}
		path := filepath.Join(outDir, title+r.Extension())
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("Wrote %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
	}

	manifest := services.Manifest{
		Source: videoPath,
		Params: params,
		Scorer: scorer,
		Frames: frames,
	}
	if err := services.WriteManifest(outDir, manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	fmt.Printf("Manifest written to %s\n", filepath.Join(outDir, "manifest.json"))
	return nil
}
