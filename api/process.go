package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
	"go.uber.org/zap"
)

type ProcessHandler struct {
	orch     *services.Orchestrator
	settings *services.SettingsService
	storage  *services.Storage
	logger   *zap.Logger
}

func NewProcessHandler(orch *services.Orchestrator, settings *services.SettingsService, storage *services.Storage, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		orch:     orch,
		settings: settings,
		storage:  storage,
		logger:   logger,
	}
}

// Start launches detection for a session. Parameters missing from the request
// fall back to the current settings.
func (h *ProcessHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	params := h.settings.DetectionParams()
	if req.Threshold != nil {
		params.Threshold = *req.Threshold
	}
	if req.MinInterval != nil {
		params.MinInterval = *req.MinInterval
	}
	if req.FrameSkip != nil {
		params.Stride = *req.FrameSkip
	}

	if err := h.orch.Start(req.SessionID, params); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"session_id": req.SessionID,
		"message":    "Processing started",
		"params":     params,
	})
}

func (h *ProcessHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req models.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	if err := h.orch.Stop(req.SessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Stop requested",
	})
}

// Progress returns the latest snapshot. Once the run has ended, the detected
// frames are included as thumbnails.
func (h *ProcessHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, `{"error":"session_id query parameter required"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.progressResponse(r, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProcessHandler) progressResponse(r *http.Request, id string) (*models.ProgressResponse, error) {
	snap, err := h.orch.Snapshot(id)
	if err != nil {
		return nil, err
	}

	resp := &models.ProgressResponse{Progress: snap.Progress}
	if snap.Progress.Stage.Terminal() && snap.HasResult {
		thumbs, err := h.orch.Thumbnails(r.Context(), id)
		if err != nil {
			return nil, err
		}
		resp.Frames = thumbs
		resp.FrameCount = len(thumbs)
	}
	return resp, nil
}

// Stream pushes progress snapshots as server-sent events until the run ends
// or the client disconnects.
func (h *ProcessHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, `{"error":"session_id query parameter required"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.orch.Snapshot(id); err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// SSE stream
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last []byte
	for {
		resp, err := h.progressResponse(r, id)
		if err != nil {
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}

		data, _ := json.Marshal(resp)
		if string(data) != string(last) {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			last = data
		}
		if resp.Progress.Stage.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// History lists past runs, newest first, optionally for one session.
func (h *ProcessHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.storage.RunHistory(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		h.logger.Error("reading run history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}
