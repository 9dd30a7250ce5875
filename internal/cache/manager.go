// Package cache keeps timestamped snapshots of domain categories in the local
// store and answers "newest known state" reads without touching the network.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/types"
)

// DefaultTTL is the eviction age used when ClearOldCache receives a zero ttl.
const DefaultTTL = 7 * 24 * time.Hour

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for snapshot timestamps and eviction.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager writes and reads cached snapshots.
type Manager struct {
	store  store.Transactor
	online OnlineChecker
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// NewManager creates a cache manager over the local store.
func NewManager(s store.Transactor, online OnlineChecker, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		online: online,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// stamp returns a strictly increasing unix-nano timestamp so snapshots written
// within the same clock tick still order by write sequence.
func (m *Manager) stamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now().UnixNano()
	if ts <= m.last {
		ts = m.last + 1
	}
	m.last = ts
	return ts
}

// CacheData stores payload as the newest snapshot of entityType.
// The snapshot is marked synced when the device is online at write time.
func (m *Manager) CacheData(ctx context.Context, entityType types.EntityType, payload any) (*types.CachedEntity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntityType, entityType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ts := m.stamp()
	entity := &types.CachedEntity{
		ID:        fmt.Sprintf("%s_%d", entityType, ts),
		Type:      entityType,
		Payload:   data,
		Timestamp: time.Unix(0, ts).UTC(),
		Synced:    m.online != nil && m.online.IsOnline(),
	}

	err = m.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cached_data (id, type, payload, timestamp, synced)
			VALUES (?, ?, ?, ?, ?)
		`, entity.ID, string(entity.Type), []byte(entity.Payload), ts, boolToInt(entity.Synced))
		return store.Wrap("insert cached data", err)
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// GetCachedData returns the payload of the newest snapshot of entityType.
// A miss returns (nil, nil).
func (m *Manager) GetCachedData(ctx context.Context, entityType types.EntityType) (json.RawMessage, error) {
	entity, err := m.Latest(ctx, entityType)
	if err != nil || entity == nil {
		return nil, err
	}
	return entity.Payload, nil
}

// Latest returns the newest snapshot of entityType with its metadata, or nil on a miss.
func (m *Manager) Latest(ctx context.Context, entityType types.EntityType) (*types.CachedEntity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntityType, entityType)
	}

	var entity *types.CachedEntity
	err := m.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var (
			id      string
			payload []byte
			ts      int64
			synced  int
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, payload, timestamp, synced
			FROM cached_data
			WHERE type = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT 1
		`, string(entityType)).Scan(&id, &payload, &ts, &synced)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return store.Wrap("query cached data", err)
		}

		entity = &types.CachedEntity{
			ID:        id,
			Type:      entityType,
			Payload:   json.RawMessage(payload),
			Timestamp: time.Unix(0, ts).UTC(),
			Synced:    synced != 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// GetCachedInto decodes the newest snapshot of entityType into dst.
// It reports false without touching dst on a miss.
func (m *Manager) GetCachedInto(ctx context.Context, entityType types.EntityType, dst any) (bool, error) {
	payload, err := m.GetCachedData(ctx, entityType)
	if err != nil || payload == nil {
		return false, err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", entityType, err)
	}
	return true, nil
}

// ClearOldCache deletes every snapshot older than ttl across all categories
// and returns how many were removed. A zero ttl means DefaultTTL.
func (m *Manager) ClearOldCache(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cutoff := m.now().Add(-ttl).UnixNano()

	var removed int64
	err := m.store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cached_data WHERE timestamp < ?`, cutoff)
		if err != nil {
			return store.Wrap("evict cached data", err)
		}
		removed, err = res.RowsAffected()
		return store.Wrap("evict cached data", err)
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
