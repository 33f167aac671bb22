package accounts

import (
	"context"
	"log"
	"sync"
	"time"

	"riskwatch/internal/events"
	"riskwatch/pkg/db"
)

// HealthClient answers liveness probes against one broker host.
type HealthClient interface {
	Ping(ctx context.Context, account db.Account) error
}

// ProberConfig tunes the background health prober.
type ProberConfig struct {
	// Interval between probe sweeps.
	Interval time.Duration
	// Timeout bounds one probe call.
	Timeout time.Duration
	// MaxFailures marks an account disconnected after this many
	// consecutive probe failures.
	MaxFailures int
	// DeadSkip probes an already-disconnected account only every Nth
	// sweep to keep pressure off a struggling host.
	DeadSkip int
}

// Prober sweeps the roster and flips account health on sustained probe
// failure or recovery.
type Prober struct {
	cfg      ProberConfig
	registry *Registry
	client   HealthClient
	store    *db.Database
	bus      *events.Bus

	mu       sync.Mutex
	failures map[string]int
	sweeps   int
}

func NewProber(cfg ProberConfig, registry *Registry, client HealthClient, store *db.Database, bus *events.Bus) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.DeadSkip <= 0 {
		cfg.DeadSkip = 10
	}
	return &Prober{
		cfg:      cfg,
		registry: registry,
		client:   client,
		store:    store,
		bus:      bus,
		failures: make(map[string]int),
	}
}

// Run sweeps until the context is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every active account once.
func (p *Prober) Sweep(ctx context.Context) {
	accounts, err := p.registry.Candidates(ctx)
	if err != nil {
		log.Printf("[accounts] probe sweep: %v", err)
		return
	}

	p.mu.Lock()
	p.sweeps++
	sweep := p.sweeps
	p.mu.Unlock()

	for _, acct := range accounts {
		if acct.Health == db.HealthDisconnected && sweep%p.cfg.DeadSkip != 0 {
			continue
		}
		p.probe(ctx, acct)
	}
}

func (p *Prober) probe(ctx context.Context, acct db.Account) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.client.Ping(probeCtx, acct)
	cancel()

	p.mu.Lock()
	if err != nil {
		p.failures[acct.ID]++
	} else {
		p.failures[acct.ID] = 0
	}
	failures := p.failures[acct.ID]
	p.mu.Unlock()

	switch {
	case err == nil && acct.Health != db.HealthConnected:
		if err := p.registry.MarkHealth(ctx, acct.ID, db.HealthConnected); err != nil {
			log.Printf("[accounts] mark %s connected: %v", acct.ID, err)
			return
		}
		_ = p.store.AppendActivity(ctx, acct.ID, "probe_recovered", "")
		p.bus.Publish(events.EventConnState, events.ConnState{
			AccountID: acct.ID, State: "connected", Detail: "probe recovered", At: time.Now(),
		})
		log.Printf("[accounts] %s recovered", acct.ID)

	case err != nil && failures == p.cfg.MaxFailures && acct.Health != db.HealthDisconnected:
		if merr := p.registry.MarkHealth(ctx, acct.ID, db.HealthDisconnected); merr != nil {
			log.Printf("[accounts] mark %s disconnected: %v", acct.ID, merr)
			return
		}
		_ = p.store.AppendActivity(ctx, acct.ID, "probe_failed", err.Error())
		p.bus.Publish(events.EventConnState, events.ConnState{
			AccountID: acct.ID, State: "disconnected", Detail: err.Error(), At: time.Now(),
		})
		log.Printf("[accounts] %s marked disconnected after %d failed probes: %v", acct.ID, failures, err)
	}
}
