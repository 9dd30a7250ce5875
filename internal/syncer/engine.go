// Package syncer drains the outbox against the remote backend whenever
// connectivity returns.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/waypoint/internal/outbox"
	"github.com/hyperengineering/waypoint/internal/types"
)

// State is the transient engine state.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outbox defines the queue operations needed by a drain.
type Outbox interface {
	Claim(ctx context.Context, drainID string) ([]types.PendingAction, error)
	Hold(ctx context.Context, id, drainID string) (bool, error)
	Ack(ctx context.Context, id, drainID string) (bool, error)
	Nack(ctx context.Context, id, drainID string, cause error) (bool, error)
	Release(ctx context.Context, drainID string) (int64, error)
}

// Replayer sends one action to the remote backend.
type Replayer interface {
	Replay(ctx context.Context, a types.PendingAction) error
}

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Result summarizes one drain. Lost counts replays whose claim was taken
// over before they settled; those actions stay queued.
type Result struct {
	DrainID   string        `json:"drainId,omitempty"`
	Skipped   bool          `json:"skipped"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Lost      int           `json:"lost"`
	Duration  time.Duration `json:"duration"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnDrain registers fn to observe every drain run by Run.
func WithOnDrain(fn func(Result, error)) Option {
	return func(e *Engine) {
		e.onDrain = fn
	}
}

// Engine replays pending actions in queue order. Drains never overlap within
// one engine; claims keep separate engines from replaying the same action.
type Engine struct {
	outbox  Outbox
	remote  Replayer
	online  OnlineChecker
	onDrain func(Result, error)

	state   atomic.Int32
	trigger chan struct{}
	drainMu sync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(o Outbox, r Replayer, online OnlineChecker, opts ...Option) *Engine {
	e := &Engine{
		outbox:  o,
		remote:  r,
		online:  online,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns whether a drain is currently running.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Trigger schedules a drain without blocking. Triggers arriving while one is
// already pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run consumes triggers until ctx is cancelled. Drain failures are logged.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-engine",
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-engine",
				"reason", "context_cancelled",
			)
			return
		case <-e.trigger:
			res, err := e.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("drain failed",
					"component", "syncer",
					"action", "drain_failed",
					"drain_id", res.DrainID,
					"error", err,
				)
			}
			if e.onDrain != nil {
				e.onDrain(res, err)
			}
		}
	}
}

// Drain replays the current outbox snapshot once. It returns immediately with
// Skipped set when offline. One failed replay never aborts the batch; a storage
// failure or ctx cancellation does, and releases the remaining claims.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	start := time.Now()
	res := Result{}

	if !e.online.IsOnline() {
		res.Skipped = true
		slog.Debug("drain skipped",
			"component", "syncer",
			"reason", "offline",
		)
		return res, nil
	}

	e.state.Store(int32(Draining))
	defer e.state.Store(int32(Idle))

	res.DrainID = uuid.NewString()
	err := e.drain(ctx, res.DrainID, &res)
	res.Duration = time.Since(start)

	// Settling must survive cancellation of the drain itself.
	settle := context.WithoutCancel(ctx)
	if released, relErr := e.outbox.Release(settle, res.DrainID); relErr != nil {
		slog.Error("release claims failed",
			"component", "syncer",
			"drain_id", res.DrainID,
			"error", relErr,
		)
		err = errors.Join(err, relErr)
	} else if released > 0 {
		slog.Info("claims released",
			"component", "syncer",
			"drain_id", res.DrainID,
			"released", released,
		)
	}

	if err != nil {
		return res, err
	}

	slog.Info("drain completed",
		"component", "syncer",
		"action", "drain_complete",
		"drain_id", res.DrainID,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"lost", res.Lost,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (e *Engine) drain(ctx context.Context, drainID string, res *Result) error {
	actions, err := e.outbox.Claim(ctx, drainID)
	if err != nil {
		return fmt.Errorf("claim pending actions: %w", err)
	}

	settle := context.WithoutCancel(ctx)

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		held, err := e.outbox.Hold(ctx, a.ID, drainID)
		if err != nil {
			return fmt.Errorf("hold action %s: %w", a.ID, err)
		}
		if !held {
			slog.Warn("claim lost before replay",
				"component", "syncer",
				"drain_id", drainID,
				"id", a.ID,
			)
			continue
		}

		res.Attempted++
		replayErr := e.remote.Replay(ctx, a)

		if replayErr == nil {
			acked, err := e.outbox.Ack(settle, a.ID, drainID)
			if err != nil {
				return fmt.Errorf("ack action %s: %w", a.ID, err)
			}
			if !acked {
				slog.Warn("claim lost after replay",
					"component", "syncer",
					"drain_id", drainID,
					"id", a.ID,
				)
				res.Lost++
				continue
			}
			res.Succeeded++
			continue
		}

		// An interrupted request says nothing about the remote; leave the
		// retry counter alone and let Release return the claim.
		if ctx.Err() != nil {
			res.Attempted--
			return ctx.Err()
		}

		slog.Warn("replay failed",
			"component", "syncer",
			"drain_id", drainID,
			"id", a.ID,
			"kind", a.Action,
			"retries", a.Retries,
			"error", replayErr,
		)

		dropped, err := e.outbox.Nack(settle, a.ID, drainID, replayErr)
		if errors.Is(err, outbox.ErrClaimLost) {
			res.Lost++
			continue
		}
		if err != nil {
			return fmt.Errorf("nack action %s: %w", a.ID, err)
		}
		res.Failed++
		if dropped {
			res.Dropped++
		}
	}

	return nil
}
