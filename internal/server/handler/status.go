package handler

import (
	"net/http"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// StatusFunc assembles the current engine status.
type StatusFunc func() domain.EngineStatus

// StatusHandler serves aggregate metrics and per-market bet counts.
type StatusHandler struct {
	status StatusFunc
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(status StatusFunc) *StatusHandler {
	return &StatusHandler{status: status}
}

// GetStatus responds with the engine status.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}
