package api

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/services"
)

type VideoHandler struct {
	orch      *services.Orchestrator
	uploadDir string
}

func NewVideoHandler(orch *services.Orchestrator, cfg *config.AppConfig) *VideoHandler {
	absUploads, _ := filepath.Abs(cfg.UploadDir())
	return &VideoHandler{
		orch:      orch,
		uploadDir: absUploads,
	}
}

// Play serves a session's uploaded video.
// http.ServeFile handles Range requests automatically for seeking support.
func (h *VideoHandler) Play(w http.ResponseWriter, r *http.Request) {
	path, err := h.orch.SourcePath(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Path validation: ensure resolved path stays within the upload directory
	absPath, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(absPath, h.uploadDir+string(filepath.Separator)) {
		http.Error(w, "invalid video path", http.StatusBadRequest)
		return
	}

	http.ServeFile(w, r, absPath)
}
