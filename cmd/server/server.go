package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vid2slides/backend/api"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

// Deps are the long-lived services the HTTP layer is built on.
type Deps struct {
	Config       *config.AppConfig
	Orchestrator *services.Orchestrator
	Settings     *services.SettingsService
	Storage      *services.Storage
	MLClient     *services.MLClient
	Logger       *zap.Logger
}

func Start(cfg *config.AppConfig, logger *zap.Logger) error {
	// Init ML client
	mlClient := services.NewMLClient(cfg.MLService.URL, time.Duration(cfg.MLService.TimeoutSec)*time.Second)
	logger.Info("ML sidecar configured", zap.String("url", cfg.MLService.URL))

	// Init storage
	storage, err := services.NewStorage(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer storage.Close()
	logger.Info("SQLite storage opened", zap.String("path", cfg.Storage.DBPath))

	// Init settings
	settingsSvc := services.NewSettingsService(storage.DB(), cfg)

	// Init services
	opener := services.NewFFmpegOpener(cfg.FFmpeg.FFmpegPath, cfg.FFmpeg.FFprobePath, logger)
	if err := opener.CheckInstallation(); err != nil {
		return err
	}

	if !cfg.Detection.DisableEmbeddings {
		if err := mlClient.WaitForReady(context.Background(), 10*time.Second); err != nil {
			logger.Warn("ML sidecar not ready", zap.Error(err))
		}
	}
	scorer := services.SelectScorer(context.Background(), cfg.Detection, mlClient, logger)
	orch := services.NewOrchestrator(cfg, services.OrchestratorOptions{
		Opener:       opener,
		Scorer:       scorer,
		Materializer: services.NewFFmpegMaterializer(cfg.FFmpeg.FFmpegPath, cfg.Thumbnail),
		Renderers:    services.DefaultRenderers(cfg.Export),
		Store:        storage,
		Logger:       logger,
	})

	restored, err := orch.Restore()
	if err != nil {
		logger.Warn("failed to restore sessions", zap.Error(err))
	} else if restored > 0 {
		logger.Info("sessions restored", zap.Int("count", restored))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := services.NewSessionCleanup(orch, storage,
		time.Duration(cfg.Sessions.CleanupIntervalMin)*time.Minute,
		func() time.Duration {
			return time.Duration(settingsSvc.GetInt(services.SettingRetentionHours)) * time.Hour
		},
		logger)
	go cleanup.Start(ctx)

	router := NewRouter(Deps{
		Config:       cfg,
		Orchestrator: orch,
		Settings:     settingsSvc,
		Storage:      storage,
		MLClient:     mlClient,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", addr), zap.String("scorer", scorer.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("waiting for runs", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// NewRouter mounts the API, metrics and static frontend.
func NewRouter(d Deps) http.Handler {
	sessionsHandler := api.NewSessionsHandler(d.Orchestrator, d.Config.App.MaxUploadMB, d.Logger)
	processHandler := api.NewProcessHandler(d.Orchestrator, d.Settings, d.Storage, d.Logger)
	framesHandler := api.NewFramesHandler(d.Orchestrator)
	exportsHandler := api.NewExportsHandler(d.Orchestrator, d.Logger)
	videoHandler := api.NewVideoHandler(d.Orchestrator, d.Config)
	settingsHandler := api.NewSettingsHandler(d.Settings)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			api.HealthCheck(w, r, d.MLClient, d.Orchestrator.ScorerName())
		})

		// Sessions
		r.Post("/upload", sessionsHandler.Upload)
		r.Get("/sessions", sessionsHandler.List)
		r.Get("/sessions/{session_id}", sessionsHandler.Get)
		r.Post("/cleanup/{session_id}", sessionsHandler.Cleanup)
		r.Delete("/sessions/{session_id}", sessionsHandler.Cleanup)

		// Video playback
		r.Get("/sessions/{session_id}/video", videoHandler.Play)

		// Processing
		r.Post("/process", processHandler.Start)
		r.Post("/stop", processHandler.Stop)
		r.Get("/progress", processHandler.Progress)
		r.Get("/progress/stream", processHandler.Stream)
		r.Get("/history", processHandler.History)

		// Frames
		r.Get("/frames", framesHandler.List)
		r.Get("/frame_image/{session_id}/{frame_index}", framesHandler.Image)

		// Exports
		r.Post("/generate", exportsHandler.Generate)
		r.Get("/download", exportsHandler.Download("pptx"))
		r.Get("/download_pdf", exportsHandler.Download("pdf"))
		r.Get("/download_html", exportsHandler.Download("html"))
		r.Get("/view_html", exportsHandler.View)

		// Settings
		r.Get("/settings", settingsHandler.Get)
		r.Put("/settings", settingsHandler.Update)
	})

	// Static frontend with path traversal protection
	r.Get("/*", serveStatic(d.Config.App.StaticDir))

	return r
}

func serveStatic(staticDir string) http.HandlerFunc {
	absStaticDir, _ := filepath.Abs(staticDir)

	return func(w http.ResponseWriter, r *http.Request) {
		rel := chi.URLParam(r, "*")
		if rel == "" {
			rel = "index.html"
		}

		filePath := filepath.Join(absStaticDir, rel)

		// Path traversal protection
		absPath, err := filepath.Abs(filePath)
		if err != nil || (absPath != absStaticDir && !strings.HasPrefix(absPath, absStaticDir+string(filepath.Separator))) {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		http.ServeFile(w, r, absPath)
	}
}
