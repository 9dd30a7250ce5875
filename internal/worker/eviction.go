package worker

import (
	"context"
	"log/slog"
	"time"
)

// CacheEvictor defines the cache operation needed by the eviction worker.
type CacheEvictor interface {
	ClearOldCache(ctx context.Context, ttl time.Duration) (int64, error)
}

// CacheEvictionWorker periodically deletes cached snapshots older than a TTL.
type CacheEvictionWorker struct {
	cache    CacheEvictor
	interval time.Duration
	ttl      time.Duration
}

// NewCacheEvictionWorker creates a worker with the given cache, interval, and TTL.
func NewCacheEvictionWorker(cache CacheEvictor, interval, ttl time.Duration) *CacheEvictionWorker {
	return &CacheEvictionWorker{
		cache:    cache,
		interval: interval,
		ttl:      ttl,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start; a fresh process has nothing new to evict.
func (w *CacheEvictionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cache-eviction",
		"interval", w.interval.String(),
		"ttl", w.ttl.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cache-eviction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.evict(ctx)
		}
	}
}

func (w *CacheEvictionWorker) evict(ctx context.Context) {
	start := time.Now()

	removed, err := w.cache.ClearOldCache(ctx, w.ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("cache eviction failed",
			"component", "worker",
			"action", "evict_failed",
			"error", err,
		)
		return
	}

	slog.Info("cache eviction completed",
		"component", "worker",
		"action", "evict_complete",
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
