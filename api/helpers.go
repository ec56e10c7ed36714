package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vid2slides/backend/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrSessionNotFound), errors.Is(err, services.ErrNotGenerated):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyRunning), errors.Is(err, services.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidSelection), errors.Is(err, services.ErrInvalidParams),
		errors.Is(err, services.ErrNoResult):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func HealthCheck(w http.ResponseWriter, r *http.Request, mlClient *services.MLClient, scorer string) {
	mlStatus := "ok"
	if err := mlClient.HealthCheck(r.Context()); err != nil {
		mlStatus = "unavailable"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"ml_sidecar": mlStatus,
		"scorer":     scorer,
	})
}
