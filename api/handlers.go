package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flhub/flhub/registry"
	"github.com/flhub/flhub/types"
)

// Response is the unified API response envelope.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorInfo describes an API failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Handler serves the registry HTTP API.
type Handler struct {
	coordinator *registry.Coordinator
	logger      *zap.Logger
}

// NewHandler builds an API handler over the coordinator.
func NewHandler(coordinator *registry.Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		coordinator: coordinator,
		logger:      logger.With(zap.String("component", "api")),
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/nodes", h.handleRegister)
	mux.HandleFunc("GET /api/v1/nodes", h.handleListActive)
	mux.HandleFunc("DELETE /api/v1/nodes/{node_id}", h.handleDeregister)
	mux.HandleFunc("GET /api/v1/nodes/{node_id}/status", h.handleStatus)
	mux.HandleFunc("POST /api/v1/nodes/{node_id}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/nodes/{node_id}/training-status", h.handleTrainingStatus)
	mux.HandleFunc("GET /api/v1/nodes/{node_id}/privacy-budget", h.handleGetBudget)
	mux.HandleFunc("POST /api/v1/nodes/{node_id}/privacy-budget/consume", h.handleConsumeBudget)
	mux.HandleFunc("GET /api/v1/capabilities/{capability}/nodes", h.handleNodesByCapability)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", err.Error())
		return
	}
	if violations := validateRegistration(&req); len(violations) > 0 {
		h.writeValidationError(w, violations)
		return
	}

	summary, err := h.coordinator.Register(r.Context(), req.toRegistration())
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusCreated, summary)
}

func (h *Handler) handleDeregister(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if err := h.coordinator.Deregister(r.Context(), nodeID); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{"node_id": nodeID, "result": "deregistered"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.coordinator.Status(r.Context(), r.PathValue("node_id"))
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, snapshot)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	nodes := h.coordinator.ListActiveNodes(r.Context())
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (h *Handler) handleNodesByCapability(w http.ResponseWriter, r *http.Request) {
	capability := types.Capability(r.PathValue("capability"))
	if !capability.Valid() {
		h.writeValidationError(w, []string{fmt.Sprintf("unknown capability %q", capability)})
		return
	}
	nodes := h.coordinator.NodesByCapability(r.Context(), capability)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"capability": capability,
		"nodes":      nodes,
		"count":      len(nodes),
	})
}

// handleHeartbeat re-checks node existence before the fire-and-forget
// delegation: the coordinator drops unknown nodes silently, but the
// API contract reports them as not found.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	if !h.coordinator.Known(nodeID) {
		h.writeError(w, http.StatusNotFound, "session_not_found", "no session for node "+nodeID, "")
		return
	}
	h.coordinator.Heartbeat(nodeID)
	h.writeSuccess(w, http.StatusOK, map[string]string{"node_id": nodeID, "result": "ok"})
}

func (h *Handler) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	var req TrainingStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", err.Error())
		return
	}
	if violations := validateTrainingStatus(&req); len(violations) > 0 {
		h.writeValidationError(w, violations)
		return
	}
	if !h.coordinator.Known(nodeID) {
		h.writeError(w, http.StatusNotFound, "session_not_found", "no session for node "+nodeID, "")
		return
	}
	h.coordinator.UpdateTrainingStatus(nodeID, req.RoundID, types.NodeStatus(req.Status))
	h.writeSuccess(w, http.StatusOK, map[string]string{"node_id": nodeID, "result": "ok"})
}

func (h *Handler) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := h.coordinator.Budget(r.Context(), r.PathValue("node_id"))
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, budget)
}

func (h *Handler) handleConsumeBudget(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	var req ConsumeBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", err.Error())
		return
	}
	if violations := validateConsumeBudget(&req); len(violations) > 0 {
		h.writeValidationError(w, violations)
		return
	}
	budget, err := h.coordinator.ConsumeBudget(r.Context(), nodeID, req.EpsilonUsed, req.DeltaUsed)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, budget)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (h *Handler) writeValidationError(w http.ResponseWriter, violations []string) {
	h.writeError(w, http.StatusBadRequest, "validation_failed",
		"request validation failed", strings.Join(violations, "; "))
}

// writeRegistryError maps registry errors onto HTTP statuses. Timeouts
// stay distinguishable from not-found so clients can retry them.
func (h *Handler) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, "session_not_found", err.Error(), "")
	case errors.Is(err, registry.ErrInsufficientBudget):
		h.writeError(w, http.StatusConflict, "insufficient_budget", err.Error(), "")
	case errors.Is(err, registry.ErrTimeout):
		h.writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), "")
	case errors.Is(err, registry.ErrCoordinatorClosed):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), "")
	default:
		h.logger.Error("registry operation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message, Details: details},
		Timestamp: time.Now(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
