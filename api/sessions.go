package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

type SessionsHandler struct {
	orch        *services.Orchestrator
	maxUploadMB int
	logger      *zap.Logger
}

func NewSessionsHandler(orch *services.Orchestrator, maxUploadMB int, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{orch: orch, maxUploadMB: maxUploadMB, logger: logger}
}

func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Sessions())
}

func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Snapshot(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":     snap.Session,
		"progress":    snap.Progress,
		"frame_count": len(snap.Frames),
	})
}

// Upload stores a video from the multipart field "video" and opens a session
// for it.
func (h *SessionsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxUploadMB)<<20)

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No video file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}
	if !services.AllowedVideo(header.Filename) {
		writeError(w, http.StatusBadRequest, "Invalid file type")
		return
	}

	info, n, err := h.orch.CreateSession(header.Filename, file)
	if err != nil {
		h.logger.Error("saving upload", zap.String("filename", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	h.logger.Info("video uploaded",
		zap.String("session_id", info.ID),
		zap.String("filename", info.Filename),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
	writeJSON(w, http.StatusOK, models.UploadResponse{
		SessionID: info.ID,
		Filename:  info.Filename,
	})
}

// Cleanup stops any active run and deletes the session with its video.
func (h *SessionsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := h.orch.Destroy(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
