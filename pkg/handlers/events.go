package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/middleware"
)

// keepaliveInterval spaces SSE comment frames so idle connections survive
// proxies with read timeouts.
const keepaliveInterval = 15 * time.Second

// EventsHandler streams an owner's events over Server-Sent Events.
type EventsHandler struct {
	broadcaster *events.Broadcaster
	logger      *zap.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(broadcaster *events.Broadcaster, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{broadcaster: broadcaster, logger: logger}
}

// RegisterRoutes registers the event stream route on the given mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events", h.Stream)
}

// Stream handles GET /api/events. The stream carries no replay: clients that
// reconnect fetch full state from the REST endpoints and then resubscribe.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcaster.Subscribe(ownerID)
	defer h.broadcaster.Unsubscribe(ownerID, sub)

	h.logger.Debug("event stream opened", zap.String("owner_id", ownerID.String()))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("event stream closed", zap.String("owner_id", ownerID.String()))
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
