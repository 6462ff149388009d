package fleet

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
	"github.com/lyralabs/companion-gateway/internal/middleware"
)

// Handler serves the fleet endpoints.
type Handler struct {
	sim *Simulator
}

// NewHandler creates the fleet handler.
func NewHandler(sim *Simulator) *Handler {
	return &Handler{sim: sim}
}

// List handles GET /v1/fleet/robots.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"robots": h.sim.List(),
	})
}

// Get handles GET /v1/fleet/robots/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	robot, ok := h.sim.Get(r.PathValue("id"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "robot_not_found", "No such robot.")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, robot)
}

type commandRequest struct {
	Command string `json:"command"`
	Target  *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"target"`
	Speed float64 `json:"speed"`
}

// Command handles POST /v1/fleet/robots/{id}/command.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := logger.FromContext(r.Context(), "fleet")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordFleetCommand("malformed")
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON.")
		return
	}

	if err := CheckCommand(req.Command); err != nil {
		metrics.RecordFleetCommand("blocked")
		log.Warn("robot command blocked by safety policy", logger.Fields{
			"robot_id": id,
			"error":    err.Error(),
		})
		middleware.WriteJSONError(w, http.StatusForbidden, "command_blocked", err.Error())
		return
	}

	var (
		robot Robot
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(req.Command)) {
	case "move":
		if req.Target == nil {
			metrics.RecordFleetCommand("malformed")
			middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "A move command requires a target.")
			return
		}
		robot, err = h.sim.Move(id, req.Target.X, req.Target.Y, req.Speed)
	case "stop":
		robot, err = h.sim.Stop(id)
	default:
		metrics.RecordFleetCommand("unknown")
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Unknown command.")
		return
	}

	if err != nil {
		if _, ok := h.sim.Get(id); !ok {
			metrics.RecordFleetCommand("not_found")
			middleware.WriteJSONError(w, http.StatusNotFound, "robot_not_found", "No such robot.")
			return
		}
		metrics.RecordFleetCommand("rejected")
		middleware.WriteJSONError(w, http.StatusConflict, "command_rejected", err.Error())
		return
	}

	metrics.RecordFleetCommand("accepted")
	middleware.WriteJSON(w, http.StatusOK, robot)
}
