// Package outbox is the durable FIFO of mutation intents created while the
// device may be offline. Actions leave the queue only after a successful
// replay or after exhausting their retry budget.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/oklog/ulid/v2"
)

const (
	// MaxRetries is the retry ceiling: an action whose counter reaches it is dropped.
	MaxRetries = 5
	// DefaultClaimLease is how long a drain claim stays valid without a Hold.
	DefaultClaimLease = 5 * time.Minute
)

// ErrClaimLost is returned when a drain settles an action it no longer holds.
var ErrClaimLost = errors.New("outbox claim not held")

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the wall clock used for action timestamps and claim leases.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithClaimLease sets how long an unrefreshed claim blocks other drains.
func WithClaimLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// Queue is the persistent outbox of pending actions.
type Queue struct {
	store store.Transactor
	now   func() time.Time
	lease time.Duration

	mu   sync.Mutex
	last int64
}

// NewQueue creates an outbox over the local store.
func NewQueue(s store.Transactor, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		now:   time.Now,
		lease: DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) stamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now().UnixNano()
	if ts <= q.last {
		ts = q.last + 1
	}
	q.last = ts
	return ts
}

const selectColumns = `id, action, entity_type, entity_id, payload, timestamp, retries, last_error, claimed_by`

func scanAction(row interface{ Scan(...any) error }) (types.PendingAction, error) {
	var (
		a         types.PendingAction
		action    string
		payload   []byte
		ts        int64
		lastError sql.NullString
		claimedBy sql.NullString
	)
	if err := row.Scan(&a.ID, &action, &a.EntityType, &a.EntityID, &payload, &ts, &a.Retries, &lastError, &claimedBy); err != nil {
		return a, err
	}
	a.Action = types.ActionKind(action)
	a.Payload = json.RawMessage(payload)
	a.Timestamp = time.Unix(0, ts).UTC()
	a.LastError = lastError.String
	a.ClaimedBy = claimedBy.String
	return a, nil
}

func queryActions(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]types.PendingAction, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("query pending actions", err)
	}
	defer rows.Close()

	actions := make([]types.PendingAction, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, store.Wrap("scan pending action", err)
		}
		actions = append(actions, a)
	}
	return actions, store.Wrap("iterate pending actions", rows.Err())
}

// QueueAction durably appends a mutation intent with zero retries.
func (q *Queue) QueueAction(ctx context.Context, action types.ActionKind, entityType string, entityID int64, payload any) (*types.PendingAction, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownAction, action)
	}
	if strings.TrimSpace(entityType) == "" || entityID <= 0 {
		return nil, fmt.Errorf("%w: %q/%d", types.ErrInvalidEntity, entityType, entityID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ts := q.stamp()
	a := &types.PendingAction{
		ID:         ulid.Make().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    data,
		Timestamp:  time.Unix(0, ts).UTC(),
	}

	err = q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_actions (id, action, entity_type, entity_id, payload, timestamp, retries)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, a.ID, string(a.Action), a.EntityType, a.EntityID, []byte(a.Payload), ts)
		return store.Wrap("insert pending action", err)
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("action queued",
		"component", "outbox",
		"action", "queue",
		"id", a.ID,
		"kind", a.Action,
		"entity_type", a.EntityType,
		"entity_id", a.EntityID,
	)
	return a, nil
}

// GetPendingActions returns every queued action in insertion order.
func (q *Queue) GetPendingActions(ctx context.Context) ([]types.PendingAction, error) {
	var actions []types.PendingAction
	err := q.store.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		actions, err = queryActions(ctx, tx,
			`SELECT `+selectColumns+` FROM pending_actions ORDER BY timestamp, id`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// Get returns one action, or nil when id is not queued.
func (q *Queue) Get(ctx context.Context, id string) (*types.PendingAction, error) {
	var found *types.PendingAction
	err := q.store.ReadTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAction(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM pending_actions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return store.Wrap("query pending action", err)
		}
		found = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Count returns the number of queued actions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.store.ReadTx(ctx, func(tx *sql.Tx) error {
		return store.Wrap("count pending actions",
			tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemovePendingAction deletes the action with id. Removing an absent id is not an error.
func (q *Queue) RemovePendingAction(ctx context.Context, id string) error {
	return q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
		return store.Wrap("delete pending action", err)
	})
}

// IncrementRetry records one failed replay of id. When the counter reaches
// MaxRetries the action is deleted instead and dropped is true.
// A missing id is a no-op. A claim held on id is left in place; only the
// holding drain releases it, through Nack or Release.
func (q *Queue) IncrementRetry(ctx context.Context, id string, cause error) (dropped bool, err error) {
	var a *types.PendingAction
	err = q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		row, err := scanAction(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM pending_actions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return store.Wrap("query pending action", err)
		}
		a = &row
		dropped, err = applyFailure(ctx, tx, a, cause, false)
		return err
	})
	if err != nil {
		return false, err
	}
	if dropped {
		logDropped(a, cause)
	}
	return dropped, nil
}

// applyFailure increments the retry counter of a, or deletes it at the ceiling.
// The claim on the row is cleared only when release is set.
func applyFailure(ctx context.Context, tx *sql.Tx, a *types.PendingAction, cause error, release bool) (bool, error) {
	a.Retries++
	if a.Retries >= MaxRetries {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, a.ID)
		return true, store.Wrap("drop pending action", err)
	}

	var lastError sql.NullString
	if cause != nil {
		lastError = sql.NullString{String: cause.Error(), Valid: true}
		a.LastError = lastError.String
	}
	if !release {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_actions SET retries = ?, last_error = ? WHERE id = ?
		`, a.Retries, lastError, a.ID)
		return false, store.Wrap("increment retry", err)
	}

	a.ClaimedBy = ""
	_, err := tx.ExecContext(ctx, `
		UPDATE pending_actions
		SET retries = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL
		WHERE id = ?
	`, a.Retries, lastError, a.ID)
	return false, store.Wrap("increment retry", err)
}

func logDropped(a *types.PendingAction, cause error) {
	slog.Error("action permanently failed",
		"component", "outbox",
		"action", "retry_exhausted",
		"id", a.ID,
		"kind", a.Action,
		"entity_type", a.EntityType,
		"entity_id", a.EntityID,
		"retries", a.Retries,
		"error", cause,
	)
}

// Claim marks every action not held by a live drain as owned by drainID and
// returns the claimed snapshot in insertion order. Actions queued after the
// claim are not part of the snapshot.
func (q *Queue) Claim(ctx context.Context, drainID string) ([]types.PendingAction, error) {
	now := q.now()
	cutoff := now.Add(-q.lease).UnixNano()

	var actions []types.PendingAction
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_actions
			SET claimed_by = ?, claimed_at = ?
			WHERE claimed_by IS NULL OR claimed_at < ?
		`, drainID, now.UnixNano(), cutoff)
		if err != nil {
			return store.Wrap("claim pending actions", err)
		}

		actions, err = queryActions(ctx, tx,
			`SELECT `+selectColumns+` FROM pending_actions WHERE claimed_by = ? ORDER BY timestamp, id`, drainID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// Hold refreshes drainID's claim on id and reports whether it is still held.
func (q *Queue) Hold(ctx context.Context, id, drainID string) (bool, error) {
	var held bool
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_actions SET claimed_at = ? WHERE id = ? AND claimed_by = ?
		`, q.now().UnixNano(), id, drainID)
		if err != nil {
			return store.Wrap("hold pending action", err)
		}
		n, err := res.RowsAffected()
		held = n == 1
		return store.Wrap("hold pending action", err)
	})
	return held, err
}

// Ack deletes id after a successful replay. It reports false when drainID no
// longer holds the claim, in which case nothing is deleted.
func (q *Queue) Ack(ctx context.Context, id, drainID string) (bool, error) {
	var acked bool
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending_actions WHERE id = ? AND claimed_by = ?`, id, drainID)
		if err != nil {
			return store.Wrap("ack pending action", err)
		}
		n, err := res.RowsAffected()
		acked = n == 1
		return store.Wrap("ack pending action", err)
	})
	return acked, err
}

// Nack records a failed replay of id by drainID and releases the claim.
// It returns ErrClaimLost when drainID no longer holds id.
func (q *Queue) Nack(ctx context.Context, id, drainID string, cause error) (dropped bool, err error) {
	var a types.PendingAction
	err = q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = scanAction(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM pending_actions WHERE id = ? AND claimed_by = ?`, id, drainID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return store.Wrap("query pending action", err)
		}
		dropped, err = applyFailure(ctx, tx, &a, cause, true)
		return err
	})
	if err != nil {
		return false, err
	}
	if dropped {
		logDropped(&a, cause)
	}
	return dropped, nil
}

// Release returns every action still claimed by drainID to the queue and
// reports how many were released.
func (q *Queue) Release(ctx context.Context, drainID string) (int64, error) {
	var released int64
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_actions SET claimed_by = NULL, claimed_at = NULL WHERE claimed_by = ?
		`, drainID)
		if err != nil {
			return store.Wrap("release claims", err)
		}
		released, err = res.RowsAffected()
		return store.Wrap("release claims", err)
	})
	return released, err
}
