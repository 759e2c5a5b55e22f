package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/middleware"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/registry"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
)

// RegisterInstanceRequest is the body of POST /api/instances.
type RegisterInstanceRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// InstanceHandler serves instance registration and lifecycle endpoints.
type InstanceHandler struct {
	registry  *registry.Registry
	workflows repositories.WorkflowRecordRepository
	logger    *zap.Logger
}

// NewInstanceHandler creates a new InstanceHandler.
func NewInstanceHandler(reg *registry.Registry, workflows repositories.WorkflowRecordRepository, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{registry: reg, workflows: workflows, logger: logger}
}

// RegisterRoutes registers the instance routes on the given mux.
func (h *InstanceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/instances", h.Register)
	mux.HandleFunc("GET /api/instances", h.List)
	mux.HandleFunc("DELETE /api/instances/{id}", h.Delete)
	mux.HandleFunc("POST /api/instances/{id}/reconnect", h.Reconnect)
	mux.HandleFunc("GET /api/instances/{id}/workflows", h.Workflows)
}

// Register handles POST /api/instances.
func (h *InstanceHandler) Register(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req RegisterInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if req.Name == "" || req.Endpoint == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "missing_fields", "name and endpoint are required")
		return
	}

	inst, err := h.registry.Register(r.Context(), ownerID, req.Name, req.Endpoint, req.APIKey)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusCreated, inst); err != nil {
		h.logger.Error("Failed to encode instance response", zap.Error(err))
	}
}

// List handles GET /api/instances.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	instances, err := h.registry.List(r.Context(), ownerID)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"instances": instances}); err != nil {
		h.logger.Error("Failed to encode instance list", zap.Error(err))
	}
}

// Delete handles DELETE /api/instances/{id}.
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, instanceID, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.registry.Delete(r.Context(), ownerID, instanceID); err != nil {
		_ = WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconnect handles POST /api/instances/{id}/reconnect.
func (h *InstanceHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	ownerID, instanceID, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	inst, err := h.registry.Reconnect(r.Context(), ownerID, instanceID)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, inst); err != nil {
		h.logger.Error("Failed to encode instance response", zap.Error(err))
	}
}

// Workflows handles GET /api/instances/{id}/workflows.
func (h *InstanceHandler) Workflows(w http.ResponseWriter, r *http.Request) {
	ownerID, instanceID, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if _, err := h.registry.Get(r.Context(), ownerID, instanceID); err != nil {
		_ = WriteAppError(w, err)
		return
	}
	records, err := h.workflows.ListByInstance(r.Context(), instanceID)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if records == nil {
		records = []*models.WorkflowRecord{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"workflows": records}); err != nil {
		h.logger.Error("Failed to encode workflow list", zap.Error(err))
	}
}

// ownerAndID pulls the owner from the context and the instance id from the
// path, writing the error response itself when either is missing.
func (h *InstanceHandler) ownerAndID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	instanceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "instance id must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, instanceID, true
}
