package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/vid2slides/backend/models"
	"github.com/vid2slides/backend/services"
)

type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) current() models.SettingsResponse {
	return models.SettingsResponse{
		Settings: h.settings.All(),
		Defaults: h.settings.Defaults(),
	}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current())
}

// Update applies every valid setting in key order. Rejected keys are listed
// alongside the resulting state with a 400.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.SettingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	keys := make([]string, 0, len(req.Settings))
	for k := range req.Settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var rejected []string
	for _, k := range keys {
		if err := h.settings.Set(k, req.Settings[k]); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", k, err))
		}
	}

	if len(rejected) == 0 {
		writeJSON(w, http.StatusOK, h.current())
		return
	}
	cur := h.current()
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"errors":   rejected,
		"settings": cur.Settings,
		"defaults": cur.Defaults,
	})
}
