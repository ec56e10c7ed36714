package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
)

type FramesHandler struct {
	orch *services.Orchestrator
}

func NewFramesHandler(orch *services.Orchestrator) *FramesHandler {
	return &FramesHandler{orch: orch}
}

// List returns thumbnails of the session's detected frames.
func (h *FramesHandler) List(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, `{"error":"session_id query parameter required"}`, http.StatusBadRequest)
		return
	}

	snap, err := h.orch.Snapshot(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !snap.HasResult {
		writeServiceError(w, services.ErrNoResult)
		return
	}

	thumbs, err := h.orch.Thumbnails(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.FramesResponse{
		FrameCount: len(thumbs),
		Frames:     thumbs,
	})
}

// Image serves the full-resolution JPEG of one detected frame. The index is a
// position in the detection result.
func (h *FramesHandler) Image(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.Atoi(chi.URLParam(r, "frame_index"))
	if err != nil {
		http.Error(w, `{"error":"invalid frame index"}`, http.StatusBadRequest)
		return
	}

	data, err := h.orch.FrameImage(r.Context(), chi.URLParam(r, "session_id"), position)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
