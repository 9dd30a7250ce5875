package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEvictor implements CacheEvictor for testing
type mockEvictor struct {
	mu      sync.Mutex
	ttls    []time.Duration
	err     error
	removed int64
}

func (m *mockEvictor) ClearOldCache(ctx context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls = append(m.ttls, ttl)
	if m.err != nil {
		return 0, m.err
	}
	return m.removed, nil
}

func (m *mockEvictor) getCalls() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration{}, m.ttls...)
}

func TestCacheEvictionWorker_RunsOnSchedule(t *testing.T) {
	cache := &mockEvictor{removed: 3}
	worker := NewCacheEvictionWorker(cache, 50*time.Millisecond, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	// Wait for at least 2 ticks
	time.Sleep(130 * time.Millisecond)
	cancel()

	calls := cache.getCalls()
	if len(calls) < 2 {
		t.Errorf("Expected at least 2 eviction calls, got %d", len(calls))
	}
	for _, ttl := range calls {
		if ttl != 48*time.Hour {
			t.Errorf("Expected ttl 48h, got %v", ttl)
		}
	}
}

func TestCacheEvictionWorker_DoesNotRunImmediately(t *testing.T) {
	cache := &mockEvictor{}
	worker := NewCacheEvictionWorker(cache, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if n := len(cache.getCalls()); n != 0 {
		t.Errorf("Expected 0 eviction calls (does not run immediately), got %d", n)
	}
}

func TestCacheEvictionWorker_ContinuesAfterError(t *testing.T) {
	cache := &mockEvictor{err: errors.New("database locked")}
	worker := NewCacheEvictionWorker(cache, 30*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()

	if n := len(cache.getCalls()); n < 2 {
		t.Errorf("Expected worker to keep running after errors, got %d calls", n)
	}
}

func TestCacheEvictionWorker_GracefulShutdown(t *testing.T) {
	worker := NewCacheEvictionWorker(&mockEvictor{}, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
