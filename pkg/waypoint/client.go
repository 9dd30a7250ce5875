// Package waypoint embeds the offline-first cache and mutation outbox in a
// host application: snapshots are served from a local SQLite store, writes are
// queued durably and replayed against the remote backend when connectivity returns.
package waypoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/waypoint/internal/analytics"
	"github.com/hyperengineering/waypoint/internal/api"
	"github.com/hyperengineering/waypoint/internal/cache"
	"github.com/hyperengineering/waypoint/internal/connectivity"
	"github.com/hyperengineering/waypoint/internal/outbox"
	"github.com/hyperengineering/waypoint/internal/remote"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/syncer"
	"github.com/hyperengineering/waypoint/internal/worker"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("waypoint client is closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("waypoint client already started")
)

// Client owns one local store and the components layered over it.
type Client struct {
	config   Config
	clientID string

	store     *store.SQLiteStore
	monitor   *connectivity.Monitor
	cache     *cache.Manager
	queue     *outbox.Queue
	analytics *analytics.Store
	engine    *syncer.Engine
	remote    *remote.Client

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	trigger *Subscription
}

// remoteGate reports online only when a replay target exists, so an
// unconfigured client never burns retries on replays that cannot succeed.
type remoteGate struct {
	monitor    *connectivity.Monitor
	configured bool
}

func (g remoteGate) IsOnline() bool {
	return g.configured && g.monitor.IsOnline()
}

// Open opens the local store at cfg.LocalPath and wires the components.
// Background work does not run until Start.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = DefaultEvictionInterval
	}
	if cfg.BackupPath == "" && !isMemoryPath(cfg.LocalPath) {
		cfg.BackupPath = filepath.Join(filepath.Dir(cfg.LocalPath), DefaultBackupFile)
	}

	s, err := store.Open(ctx, cfg.LocalPath)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		if clientID, err = loadClientID(cfg.LocalPath); err != nil {
			s.Close()
			return nil, err
		}
	}

	var queueOpts []outbox.Option
	if cfg.ClaimLease > 0 {
		queueOpts = append(queueOpts, outbox.WithClaimLease(cfg.ClaimLease))
	}

	monitor := connectivity.NewMonitor(cfg.StartOnline)
	queue := outbox.NewQueue(s, queueOpts...)
	rc := remote.NewClient(remote.Config{
		BaseURL:   cfg.RemoteURL,
		HealthURL: cfg.HealthURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
	})

	var engineOpts []syncer.Option
	if cfg.OnDrain != nil {
		engineOpts = append(engineOpts, syncer.WithOnDrain(cfg.OnDrain))
	}
	engine := syncer.NewEngine(queue, rc,
		remoteGate{monitor: monitor, configured: cfg.RemoteURL != ""},
		engineOpts...)

	c := &Client{
		config:    cfg,
		clientID:  clientID,
		store:     s,
		monitor:   monitor,
		cache:     cache.NewManager(s, monitor),
		queue:     queue,
		analytics: analytics.NewStore(s),
		engine:    engine,
		remote:    rc,
	}
	c.trigger = monitor.OnOnline(engine.Trigger)

	slog.Info("waypoint opened",
		"component", "waypoint",
		"path", cfg.LocalPath,
		"client_id", clientID,
		"remote_configured", cfg.RemoteURL != "",
	)
	return c, nil
}

// Start launches the sync engine loop, the health prober and the periodic
// workers. They stop when ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	run := func(fn func(context.Context)) {
		g.Go(func() error {
			fn(ctx)
			return nil
		})
	}

	run(c.engine.Run)
	run(worker.NewCacheEvictionWorker(c.cache, c.config.EvictionInterval, c.config.CacheTTL).Run)

	if c.config.RemoteURL != "" && c.config.ProbeInterval > 0 {
		run(connectivity.NewProber(c.remote, c.monitor, c.config.ProbeInterval).Run)
	}
	if c.config.BackupInterval > 0 && c.config.BackupPath != "" {
		run(worker.NewBackupWorker(c.store, c.uploader(), c.clientID, c.config.BackupPath, c.config.BackupInterval).Run)
	}
	return nil
}

func (c *Client) uploader() Uploader {
	if c.config.Uploader != nil {
		return c.config.Uploader
	}
	return localOnly{}
}

// localOnly keeps backups on the device.
type localOnly struct{}

func (localOnly) Upload(ctx context.Context, clientID string, filePath string) error { return nil }

// Close stops background work and closes the store. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, group := c.cancel, c.group
	c.mu.Unlock()

	c.trigger.Unsubscribe()
	if cancel != nil {
		cancel()
		_ = group.Wait()
	}

	slog.Info("waypoint closed", "component", "waypoint", "client_id", c.clientID)
	return c.store.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// ClientID returns the device id used in backup object keys.
func (c *Client) ClientID() string {
	return c.clientID
}

// CacheData stores payload as the newest snapshot of entityType.
func (c *Client) CacheData(ctx context.Context, entityType EntityType, payload any) (*CachedEntity, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.cache.CacheData(ctx, entityType, payload)
}

// GetCachedData returns the newest payload for entityType, or nil when nothing is cached.
func (c *Client) GetCachedData(ctx context.Context, entityType EntityType) (json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.cache.GetCachedData(ctx, entityType)
}

// GetCachedInto decodes the newest payload for entityType into dst and
// reports whether a snapshot existed.
func (c *Client) GetCachedInto(ctx context.Context, entityType EntityType, dst any) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.cache.GetCachedInto(ctx, entityType, dst)
}

// ClearOldCache deletes snapshots older than ttl. A zero ttl uses the configured CacheTTL.
func (c *Client) ClearOldCache(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		ttl = c.config.CacheTTL
	}
	return c.cache.ClearOldCache(ctx, ttl)
}

// QueueAction durably records a mutation for later replay.
func (c *Client) QueueAction(ctx context.Context, action ActionKind, entityType string, entityID int64, payload any) (*PendingAction, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.QueueAction(ctx, action, entityType, entityID, payload)
}

// GetPendingActions lists queued actions in replay order.
func (c *Client) GetPendingActions(ctx context.Context) ([]PendingAction, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.queue.GetPendingActions(ctx)
}

// RemovePendingAction discards a queued action without replaying it.
func (c *Client) RemovePendingAction(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.queue.RemovePendingAction(ctx, id)
}

// IsOnline reports the current connectivity state.
func (c *Client) IsOnline() bool {
	return c.monitor.IsOnline()
}

// SetOnline overrides the connectivity state. An offline to online edge starts a drain.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// Probe pings the remote health endpoint once and records the outcome as the
// connectivity state. It reports false without a configured remote.
func (c *Client) Probe(ctx context.Context) bool {
	if c.config.RemoteURL == "" {
		return false
	}
	online := c.remote.Ping(ctx) == nil
	c.monitor.SetOnline(online)
	return online
}

// OnOnline registers fn for every offline to online edge.
func (c *Client) OnOnline(fn func()) *Subscription {
	return c.monitor.OnOnline(fn)
}

// RecordAnalytics stores one dashboard trend snapshot.
func (c *Client) RecordAnalytics(ctx context.Context, snap AnalyticsSnapshot) (*AnalyticsSnapshot, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.analytics.Record(ctx, snap)
}

// AnalyticsSince returns snapshots within the trailing window, oldest first.
func (c *Client) AnalyticsSince(ctx context.Context, window time.Duration) ([]AnalyticsSnapshot, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.analytics.Since(ctx, window)
}

// Flush runs one drain synchronously. It is skipped while offline.
func (c *Client) Flush(ctx context.Context) (SyncResult, error) {
	if err := c.checkOpen(); err != nil {
		return SyncResult{}, err
	}
	return c.engine.Drain(ctx)
}

// Stats returns row counts and the database file size.
func (c *Client) Stats(ctx context.Context) (*StoreStats, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.store.Stats(ctx)
}

// Backup writes a consistent copy of the local store to dest.
func (c *Client) Backup(ctx context.Context, dest string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.Backup(ctx, dest)
}

// Handler returns the local collaborator HTTP API over this client's
// components. An empty apiKey leaves the API unauthenticated.
func (c *Client) Handler(apiKey, version string) http.Handler {
	return api.NewRouter(api.NewHandler(api.Services{
		Cache:        c.cache,
		Outbox:       c.queue,
		Connectivity: c.monitor,
		Sync:         c.engine,
		Analytics:    c.analytics,
	}, apiKey, version))
}
