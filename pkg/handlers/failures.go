package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/middleware"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
)

// AnalysisEnqueuer accepts manual analysis requests. Implemented by the
// analysis queue.
type AnalysisEnqueuer interface {
	Enqueue(ctx context.Context, failureID uuid.UUID) error
}

// FailureHandler serves execution failure and diagnosis endpoints.
type FailureHandler struct {
	failures repositories.ExecutionFailureRepository
	results  repositories.AnalysisResultRepository
	queue    AnalysisEnqueuer
	logger   *zap.Logger
}

// NewFailureHandler creates a new FailureHandler.
func NewFailureHandler(
	failures repositories.ExecutionFailureRepository,
	results repositories.AnalysisResultRepository,
	queue AnalysisEnqueuer,
	logger *zap.Logger,
) *FailureHandler {
	return &FailureHandler{failures: failures, results: results, queue: queue, logger: logger}
}

// RegisterRoutes registers the failure routes on the given mux.
func (h *FailureHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/failures", h.List)
	mux.HandleFunc("GET /api/failures/{id}/analysis", h.Analysis)
	mux.HandleFunc("POST /api/failures/{id}/analyze", h.Analyze)
}

// List handles GET /api/failures. Newest first; ?limit= caps the page.
func (h *FailureHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	failures, err := h.failures.ListByOwner(r.Context(), ownerID, limit)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if failures == nil {
		failures = []*models.ExecutionFailure{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"failures": failures}); err != nil {
		h.logger.Error("Failed to encode failure list", zap.Error(err))
	}
}

// Analysis handles GET /api/failures/{id}/analysis: the latest result.
func (h *FailureHandler) Analysis(w http.ResponseWriter, r *http.Request) {
	failureID, ok := h.ownedFailure(w, r)
	if !ok {
		return
	}

	result, err := h.results.LatestByFailure(r.Context(), failureID)
	if err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode analysis result", zap.Error(err))
	}
}

// Analyze handles POST /api/failures/{id}/analyze: manual (re-)enqueue.
func (h *FailureHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	failureID, ok := h.ownedFailure(w, r)
	if !ok {
		return
	}

	if err := h.queue.Enqueue(r.Context(), failureID); err != nil {
		_ = WriteAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"}); err != nil {
		h.logger.Error("Failed to encode analyze response", zap.Error(err))
	}
}

// ownedFailure parses the failure id and verifies the caller owns it.
// Foreign failures read as not found.
func (h *FailureHandler) ownedFailure(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	failureID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "failure id must be a UUID")
		return uuid.Nil, false
	}

	owner, err := h.failures.OwnerOf(r.Context(), failureID)
	if err != nil {
		_ = WriteAppError(w, err)
		return uuid.Nil, false
	}
	if owner != ownerID {
		_ = WriteAppError(w, apperrors.ErrNotFound)
		return uuid.Nil, false
	}
	return failureID, true
}
