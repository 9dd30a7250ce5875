package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Pinger checks whether the remote backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the remote backend and feeds the result into a Monitor.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
}

// NewProber creates a prober with the given pinger, monitor, and interval.
func NewProber(p Pinger, m *Monitor, interval time.Duration) *Prober {
	return &Prober{
		pinger:   p,
		monitor:  m,
		interval: interval,
	}
}

// Run probes immediately, then on every tick. Blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "connectivity-probe",
		"interval", p.interval.String(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "connectivity-probe",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	err := p.pinger.Ping(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Debug("probe failed",
			"component", "connectivity",
			"error", err,
		)
	}
	p.monitor.SetOnline(err == nil)
}
