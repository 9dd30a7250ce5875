package waypoint

import (
	"context"
	"time"

	"github.com/hyperengineering/waypoint/internal/connectivity"
	"github.com/hyperengineering/waypoint/internal/syncer"
	"github.com/hyperengineering/waypoint/internal/types"
)

// Domain types re-exported for embedding applications.
type (
	EntityType        = types.EntityType
	ActionKind        = types.ActionKind
	CachedEntity      = types.CachedEntity
	PendingAction     = types.PendingAction
	AnalyticsSnapshot = types.AnalyticsSnapshot
	StoreStats        = types.StoreStats
	Subscription      = connectivity.Subscription
	SyncResult        = syncer.Result
)

// Entity categories.
const (
	EntityAgents     = types.EntityAgents
	EntityProperties = types.EntityProperties
	EntityHardware   = types.EntityHardware
	EntityPayments   = types.EntityPayments
	EntityCampaigns  = types.EntityCampaigns
	EntityAlerts     = types.EntityAlerts
	EntityCompliance = types.EntityCompliance
)

// Mutation kinds.
const (
	ActionVerifyProperty   = types.ActionVerifyProperty
	ActionAcknowledgeAlert = types.ActionAcknowledgeAlert
	ActionResolveAlert     = types.ActionResolveAlert
	ActionReconcilePayment = types.ActionReconcilePayment
)

// Uploader ships a finished backup file off the device.
type Uploader interface {
	Upload(ctx context.Context, clientID string, filePath string) error
}

// Config configures a Client.
type Config struct {
	// LocalPath is the SQLite database file. Required.
	LocalPath string

	// RemoteURL is the base URL pending actions replay against. Without it
	// the outbox only accumulates and drains are skipped.
	RemoteURL string
	// HealthURL is probed to detect connectivity. Relative values are joined to RemoteURL.
	HealthURL string
	APIKey    string
	Timeout   time.Duration

	// StartOnline is the connectivity state before the first probe.
	StartOnline bool
	// ProbeInterval is the health probe period. Zero disables probing, leaving
	// connectivity to SetOnline.
	ProbeInterval time.Duration
	ClaimLease    time.Duration

	CacheTTL         time.Duration
	EvictionInterval time.Duration

	// ClientID names this device in backup object keys. When empty an id is
	// generated once and persisted next to LocalPath.
	ClientID string
	// BackupInterval enables periodic backups to BackupPath when positive.
	BackupInterval time.Duration
	BackupPath     string
	Uploader       Uploader

	// OnDrain is called after every drain attempt.
	OnDrain func(SyncResult, error)
}

// Defaults applied by Open for zero values.
const (
	DefaultEvictionInterval = time.Hour
	DefaultBackupFile       = "backup/current.db"
)
