// Package connectivity tracks whether the remote backend is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Monitor holds the current connectivity state. The zero value is not usable;
// create one with NewMonitor.
type Monitor struct {
	online atomic.Bool

	// notifyMu serializes transitions so callbacks for one edge finish
	// before the next edge is observed.
	notifyMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	onOnline  []subscriber
	onOffline []subscriber
}

type subscriber struct {
	id uint64
	fn func()
}

// Subscription is a registered transition callback.
type Subscription struct {
	once   sync.Once
	m      *Monitor
	id     uint64
	online bool
}

// Unsubscribe stops future deliveries. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.remove(s.id, s.online)
	})
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(initial bool) *Monitor {
	m := &Monitor{}
	m.online.Store(initial)
	return m
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// OnOnline registers fn to run on every offline->online transition.
func (m *Monitor) OnOnline(fn func()) *Subscription {
	return m.add(fn, true)
}

// OnOffline registers fn to run on every online->offline transition.
func (m *Monitor) OnOffline(fn func()) *Subscription {
	return m.add(fn, false)
}

// SetOnline records a connectivity signal. Subscribers of the matching edge
// run synchronously in registration order; a repeated signal for the current
// state notifies nobody. Callbacks must not call SetOnline.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.online.Swap(online) == online {
		return
	}

	slog.Info("connectivity changed",
		"component", "connectivity",
		"online", online,
	)

	m.mu.Lock()
	subs := m.onOffline
	if online {
		subs = m.onOnline
	}
	fns := make([]func(), len(subs))
	for i, s := range subs {
		fns[i] = s.fn
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *Monitor) add(fn func(), online bool) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := subscriber{id: m.nextID, fn: fn}
	if online {
		m.onOnline = append(m.onOnline, s)
	} else {
		m.onOffline = append(m.onOffline, s)
	}
	return &Subscription{m: m, id: s.id, online: online}
}

func (m *Monitor) remove(id uint64, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := &m.onOffline
	if online {
		list = &m.onOnline
	}
	kept := make([]subscriber, 0, len(*list))
	for _, s := range *list {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	*list = kept
}
