package types

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnknownEntityType is returned when a cache type is outside the closed set.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrUnknownAction is returned when a mutation kind is outside the closed set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidEntity is returned when a mutation names no entity type or a non-positive entity id.
	ErrInvalidEntity = errors.New("invalid entity reference")
)

// EntityType is the domain category of a cached snapshot.
type EntityType string

const (
	EntityAgents     EntityType = "agents"
	EntityProperties EntityType = "properties"
	EntityHardware   EntityType = "hardware"
	EntityPayments   EntityType = "payments"
	EntityCampaigns  EntityType = "campaigns"
	EntityAlerts     EntityType = "alerts"
	EntityCompliance EntityType = "compliance"
)

// EntityTypes lists every cacheable category in display order.
var EntityTypes = []EntityType{
	EntityAgents,
	EntityProperties,
	EntityHardware,
	EntityPayments,
	EntityCampaigns,
	EntityAlerts,
	EntityCompliance,
}

// Valid reports whether t belongs to the closed set of categories.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionKind is the kind of mutation a pending action replays.
type ActionKind string

const (
	ActionVerifyProperty   ActionKind = "verify_property"
	ActionAcknowledgeAlert ActionKind = "acknowledge_alert"
	ActionResolveAlert     ActionKind = "resolve_alert"
	ActionReconcilePayment ActionKind = "reconcile_payment"
)

// ActionKinds lists every mutation kind the outbox accepts.
var ActionKinds = []ActionKind{
	ActionVerifyProperty,
	ActionAcknowledgeAlert,
	ActionResolveAlert,
	ActionReconcilePayment,
}

// Valid reports whether k belongs to the closed set of mutation kinds.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// CachedEntity is one immutable snapshot of a domain category.
type CachedEntity struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// PendingAction is a durably queued mutation intent awaiting replay.
type PendingAction struct {
	ID         string          `json:"id"`
	Action     ActionKind      `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	Retries    int             `json:"retries"`
	LastError  string          `json:"lastError,omitempty"`
	ClaimedBy  string          `json:"claimedBy,omitempty"`
}

// ReplayBody is the JSON body posted to the remote endpoint for one action.
type ReplayBody struct {
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
}

// Body returns the wire body for replaying a.
func (a PendingAction) Body() ReplayBody {
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return ReplayBody{
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Payload:    payload,
	}
}

// AnalyticsSnapshot is one point of the dashboard trend series.
type AnalyticsSnapshot struct {
	ID            string    `json:"id"`
	AgentCount    int64     `json:"agentCount"`
	PropertyCount int64     `json:"propertyCount"`
	AlertCount    int64     `json:"alertCount"`
	PaymentVolume float64   `json:"paymentVolume"`
	Timestamp     time.Time `json:"timestamp"`
}

// StoreStats holds local store statistics
type StoreStats struct {
	CachedRows     int64 `json:"cachedRows"`
	PendingActions int64 `json:"pendingActions"`
	AnalyticsRows  int64 `json:"analyticsRows"`
	SizeBytes      int64 `json:"sizeBytes"`
}

// --- Local collaborator API wire types ---

// QueueActionRequest is the body of POST /api/v1/outbox.
type QueueActionRequest struct {
	Action     ActionKind      `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
}

// OutboxResponse lists pending actions with their count.
type OutboxResponse struct {
	Pending []PendingAction `json:"pending"`
	Count   int             `json:"count"`
}

// CacheResponse wraps the newest payload for a category.
type CacheResponse struct {
	Type      EntityType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// EvictResponse reports the result of a cache eviction sweep.
type EvictResponse struct {
	Removed int64  `json:"removed"`
	TTL     string `json:"ttl"`
}

// ConnectivityStatus is both the request and response body of /api/v1/connectivity.
type ConnectivityStatus struct {
	Online bool `json:"online"`
}

// AnalyticsResponse lists trend snapshots inside a trailing window.
type AnalyticsResponse struct {
	Snapshots []AnalyticsSnapshot `json:"snapshots"`
	Window    string              `json:"window"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Online         bool   `json:"online"`
	PendingActions int    `json:"pendingActions"`
	SyncState      string `json:"syncState"`
}
