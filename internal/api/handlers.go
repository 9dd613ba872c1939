// Package api exposes the status and diagnostics HTTP surface over the
// running sync engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/divvyhq/divvy-sync/internal/types"
)

// SyncService defines the engine operations the API exposes.
// Implemented by engine.Engine.
type SyncService interface {
	ConnectionState() types.ConnectionState
	QueuedChanges() []types.QueuedChange
	QueuedChangesCount() int
	ActiveSubscriptions() []string
	SyncQueuedChanges(ctx context.Context) error
}

// Handler implements the API handlers
type Handler struct {
	service SyncService
	apiKey  string
	version string
}

// NewHandler creates a new Handler over the sync service.
func NewHandler(service SyncService, apiKey, version string) *Handler {
	return &Handler{
		service: service,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the GET /api/v1/health payload.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	ConnectionState string `json:"connection_state"`
	QueuedChanges   int    `json:"queued_changes"`
}

// StatusResponse is the GET /api/v1/sync/status payload.
type StatusResponse struct {
	ConnectionState string   `json:"connection_state"`
	QueuedChanges   int      `json:"queued_changes"`
	Subscriptions   []string `json:"subscriptions"`
}

// QueueResponse is the GET /api/v1/sync/queue payload.
type QueueResponse struct {
	Count   int                  `json:"count"`
	Changes []types.QueuedChange `json:"changes"`
}

// SyncResponse is the POST /api/v1/sync payload.
type SyncResponse struct {
	Drained    int   `json:"drained"`
	DurationMS int64 `json:"duration_ms"`
}

// Health returns the health status. The service is healthy whenever it is
// running; connection state is reported, not judged.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:          "healthy",
		Version:         h.version,
		ConnectionState: string(h.service.ConnectionState()),
		QueuedChanges:   h.service.QueuedChangesCount(),
	}

	writeJSON(w, resp)
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	subs := h.service.ActiveSubscriptions()
	if subs == nil {
		subs = []string{}
	}

	resp := StatusResponse{
		ConnectionState: string(h.service.ConnectionState()),
		QueuedChanges:   h.service.QueuedChangesCount(),
		Subscriptions:   subs,
	}

	writeJSON(w, resp)
}

// SyncQueue handles GET /api/v1/sync/queue
func (h *Handler) SyncQueue(w http.ResponseWriter, r *http.Request) {
	changes := h.service.QueuedChanges()
	if changes == nil {
		changes = []types.QueuedChange{}
	}

	resp := QueueResponse{
		Count:   len(changes),
		Changes: changes,
	}

	writeJSON(w, resp)
}

// TriggerSync handles POST /api/v1/sync, draining the offline queue.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	pending := h.service.QueuedChangesCount()
	start := time.Now()

	if err := h.service.SyncQueuedChanges(r.Context()); err != nil {
		slog.Error("manual sync failed", "component", "api", "error", err)
		MapSyncError(w, r, err)
		return
	}

	resp := SyncResponse{
		Drained:    pending,
		DurationMS: time.Since(start).Milliseconds(),
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
