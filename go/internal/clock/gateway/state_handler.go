package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// StateResponse is the REST view of the current phase
type StateResponse struct {
	models.EngineState
	Progress float64 `json:"progress"`
}

// StateHandler handles HTTP requests for the clock state
type StateHandler struct {
	commands CommandHandler
}

// NewStateHandler creates a new state handler
func NewStateHandler(commands CommandHandler) *StateHandler {
	return &StateHandler{
		commands: commands,
	}
}

// HandleGetState handles GET /api/state
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state, err := h.commands.HandleCommand(r.Context(), protocol.MessageTypeRequestState)
	if err != nil {
		log.Error().Err(err).Msg("failed to get clock state")
		http.Error(w, "Failed to get clock state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(StateResponse{EngineState: state, Progress: state.Progress()}); err != nil {
		log.Error().Err(err).Msg("failed to encode clock state response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.HandleGetState)
}
