// Package analytics persists dashboard trend snapshots.
package analytics

import (
	"context"
	"database/sql"
	"time"

	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/oklog/ulid/v2"
)

// DefaultWindow is the trailing window Since uses when given zero.
const DefaultWindow = 30 * 24 * time.Hour

// Store reads and writes analytics snapshots.
type Store struct {
	store store.Transactor
	now   func() time.Time
}

// NewStore creates an analytics store over the local store.
func NewStore(s store.Transactor) *Store {
	return &Store{store: s, now: time.Now}
}

// Record persists snap, assigning an id and timestamp when they are unset.
func (s *Store) Record(ctx context.Context, snap types.AnalyticsSnapshot) (*types.AnalyticsSnapshot, error) {
	if snap.ID == "" {
		snap.ID = ulid.Make().String()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.now()
	}
	snap.Timestamp = snap.Timestamp.UTC()

	err := s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analytics (id, agent_count, property_count, alert_count, payment_volume, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, snap.ID, snap.AgentCount, snap.PropertyCount, snap.AlertCount, snap.PaymentVolume, snap.Timestamp.UnixNano())
		return store.Wrap("insert analytics snapshot", err)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Since returns the snapshots recorded within the trailing window, oldest first.
func (s *Store) Since(ctx context.Context, window time.Duration) ([]types.AnalyticsSnapshot, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := s.now().Add(-window).UnixNano()

	snaps := make([]types.AnalyticsSnapshot, 0)
	err := s.store.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, agent_count, property_count, alert_count, payment_volume, timestamp
			FROM analytics
			WHERE timestamp >= ?
			ORDER BY timestamp, id
		`, cutoff)
		if err != nil {
			return store.Wrap("query analytics", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				snap types.AnalyticsSnapshot
				ts   int64
			)
			if err := rows.Scan(&snap.ID, &snap.AgentCount, &snap.PropertyCount, &snap.AlertCount, &snap.PaymentVolume, &ts); err != nil {
				return store.Wrap("scan analytics", err)
			}
			snap.Timestamp = time.Unix(0, ts).UTC()
			snaps = append(snaps, snap)
		}
		return store.Wrap("iterate analytics", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}
