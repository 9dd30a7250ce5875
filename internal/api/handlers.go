package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/waypoint/internal/analytics"
	"github.com/hyperengineering/waypoint/internal/cache"
	"github.com/hyperengineering/waypoint/internal/syncer"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/hyperengineering/waypoint/internal/validation"
)

// Cache is the snapshot cache used by the cache routes.
type Cache interface {
	CacheData(ctx context.Context, entityType types.EntityType, payload any) (*types.CachedEntity, error)
	Latest(ctx context.Context, entityType types.EntityType) (*types.CachedEntity, error)
	ClearOldCache(ctx context.Context, ttl time.Duration) (int64, error)
}

// Outbox is the mutation queue used by the outbox routes.
type Outbox interface {
	QueueAction(ctx context.Context, action types.ActionKind, entityType string, entityID int64, payload any) (*types.PendingAction, error)
	GetPendingActions(ctx context.Context) ([]types.PendingAction, error)
	Count(ctx context.Context) (int, error)
	RemovePendingAction(ctx context.Context, id string) error
}

// Connectivity reads and overrides the online state.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool)
}

// Syncer drains the outbox on demand.
type Syncer interface {
	Drain(ctx context.Context) (syncer.Result, error)
	State() syncer.State
}

// Analytics stores dashboard trend snapshots.
type Analytics interface {
	Record(ctx context.Context, snap types.AnalyticsSnapshot) (*types.AnalyticsSnapshot, error)
	Since(ctx context.Context, window time.Duration) ([]types.AnalyticsSnapshot, error)
}

// Services bundles the components the handlers serve.
type Services struct {
	Cache        Cache
	Outbox       Outbox
	Connectivity Connectivity
	Sync         Syncer
	Analytics    Analytics
}

// Handler implements the API handlers
type Handler struct {
	svc     Services
	apiKey  string
	version string
}

// NewHandler creates a Handler. An empty apiKey disables bearer auth.
func NewHandler(svc Services, apiKey, version string) *Handler {
	return &Handler{
		svc:     svc,
		apiKey:  apiKey,
		version: version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeBody reads a JSON request body of at most MaxPayloadBytes into dst.
// It writes the problem response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds %d bytes", validation.MaxPayloadBytes))
			return nil, false
		}
		WriteProblem(w, r, http.StatusBadRequest, "Could not read request body")
		return nil, false
	}
	return body, true
}

// parseDurationParam reads a positive duration query parameter, falling back to def.
func parseDurationParam(r *http.Request, name string, def time.Duration) (time.Duration, *validation.ValidationError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, &validation.ValidationError{Field: name, Message: "must be a positive duration such as 24h"}
	}
	return d, nil
}

func entityTypeParam(w http.ResponseWriter, r *http.Request) (types.EntityType, bool) {
	raw := chi.URLParam(r, "type")
	if verr := validation.ValidateEntityType(raw); verr != nil {
		WriteProblemWithErrors(w, r, "Unknown entity type", []validation.ValidationError{*verr})
		return "", false
	}
	return types.EntityType(raw), true
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.Outbox.Count(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Online:         h.svc.Connectivity.IsOnline(),
		PendingActions: pending,
		SyncState:      h.svc.Sync.State().String(),
	})
}

// GetCache handles GET /api/v1/cache/{type}
func (h *Handler) GetCache(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	entity, err := h.svc.Cache.Latest(r.Context(), entityType)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if entity == nil {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("No cached %s", entityType))
		return
	}

	writeJSON(w, http.StatusOK, types.CacheResponse{
		Type:      entity.Type,
		Payload:   entity.Payload,
		Timestamp: entity.Timestamp,
		Synced:    entity.Synced,
	})
}

// PutCache handles PUT /api/v1/cache/{type}. The request body is the payload.
func (h *Handler) PutCache(w http.ResponseWriter, r *http.Request) {
	entityType, ok := entityTypeParam(w, r)
	if !ok {
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: "payload", Message: "is required"},
		})
		return
	}
	if verr := validation.ValidatePayload("payload", body); verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	entity, err := h.svc.Cache.CacheData(r.Context(), entityType, json.RawMessage(body))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, types.CacheResponse{
		Type:      entity.Type,
		Payload:   entity.Payload,
		Timestamp: entity.Timestamp,
		Synced:    entity.Synced,
	})
}

// EvictCache handles DELETE /api/v1/cache?ttl=168h
func (h *Handler) EvictCache(w http.ResponseWriter, r *http.Request) {
	ttl, verr := parseDurationParam(r, "ttl", cache.DefaultTTL)
	if verr != nil {
		WriteProblemWithErrors(w, r, "Invalid query parameter", []validation.ValidationError{*verr})
		return
	}

	removed, err := h.svc.Cache.ClearOldCache(r.Context(), ttl)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("cache evicted",
		"component", "api",
		"request_id", GetRequestID(r.Context()),
		"removed", removed,
		"ttl", ttl.String(),
	)
	writeJSON(w, http.StatusOK, types.EvictResponse{Removed: removed, TTL: ttl.String()})
}

// ListOutbox handles GET /api/v1/outbox
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.Outbox.GetPendingActions(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OutboxResponse{Pending: pending, Count: len(pending)})
}

// QueueAction handles POST /api/v1/outbox
func (h *Handler) QueueAction(w http.ResponseWriter, r *http.Request) {
	var req types.QueueActionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if errs := validation.ValidateQueueActionRequest(&req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	action, err := h.svc.Outbox.QueueAction(r.Context(), req.Action, req.EntityType, req.EntityID, req.Payload)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("action queued",
		"component", "api",
		"request_id", GetRequestID(r.Context()),
		"action_id", action.ID,
		"action", string(action.Action),
	)
	writeJSON(w, http.StatusCreated, action)
}

// RemoveAction handles DELETE /api/v1/outbox/{id}
func (h *Handler) RemoveAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid action id", []validation.ValidationError{*verr})
		return
	}

	if err := h.svc.Outbox.RemovePendingAction(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/v1/outbox/flush by running one drain synchronously.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Sync.Drain(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetConnectivity handles GET /api/v1/connectivity
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ConnectivityStatus{Online: h.svc.Connectivity.IsOnline()})
}

// SetConnectivity handles PUT /api/v1/connectivity
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: "online", Message: "is required"},
		})
		return
	}

	h.svc.Connectivity.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, types.ConnectivityStatus{Online: h.svc.Connectivity.IsOnline()})
}

// ListAnalytics handles GET /api/v1/analytics?window=720h
func (h *Handler) ListAnalytics(w http.ResponseWriter, r *http.Request) {
	window, verr := parseDurationParam(r, "window", analytics.DefaultWindow)
	if verr != nil {
		WriteProblemWithErrors(w, r, "Invalid query parameter", []validation.ValidationError{*verr})
		return
	}

	snaps, err := h.svc.Analytics.Since(r.Context(), window)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.AnalyticsResponse{Snapshots: snaps, Window: window.String()})
}

// RecordAnalytics handles POST /api/v1/analytics
func (h *Handler) RecordAnalytics(w http.ResponseWriter, r *http.Request) {
	var snap types.AnalyticsSnapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	if errs := validation.ValidateAnalyticsSnapshot(&snap); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	recorded, err := h.svc.Analytics.Record(r.Context(), snap)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recorded)
}
