package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

type ExportsHandler struct {
	orch   *services.Orchestrator
	logger *zap.Logger
}

func NewExportsHandler(orch *services.Orchestrator, logger *zap.Logger) *ExportsHandler {
	return &ExportsHandler{orch: orch, logger: logger}
}

// Generate renders the selected frames in every export format.
func (h *ExportsHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	result, err := h.orch.Generate(r.Context(), req.SessionID, req.SelectedIndices)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("generating exports", zap.String("session_id", req.SessionID), zap.Error(err))
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.GenerateResponse{
		Success:    true,
		SlideCount: result.SlideCount,
		SessionID:  req.SessionID,
	})
}

// Download returns a handler that serves the generated artifact of one format
// as an attachment.
func (h *ExportsHandler) Download(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, format, "attachment")
	}
}

// View serves the HTML slideshow inline.
func (h *ExportsHandler) View(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "html", "inline")
}

func (h *ExportsHandler) serve(w http.ResponseWriter, r *http.Request, format, disposition string) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, `{"error":"session_id query parameter required"}`, http.StatusBadRequest)
		return
	}

	a, err := h.orch.Artifact(id, format)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, a.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Write(a.Data)
}
