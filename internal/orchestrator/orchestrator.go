// Package orchestrator composes the monitoring components and drives their
// lifecycle: the market-window gate, the stream connection, the order poller
// and the risk evaluator.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"riskwatch/internal/accounts"
	"riskwatch/internal/calendar"
	"riskwatch/internal/events"
	"riskwatch/internal/ledger"
	"riskwatch/internal/risk"
	"riskwatch/internal/stream"
	"riskwatch/internal/tracker"
)

// Config wires the orchestrator's components.
type Config struct {
	Stream   *stream.Manager
	Ledger   *ledger.Ledger
	Tracker  *tracker.Tracker
	Risk     *risk.Manager
	Calendar *calendar.Resolver
	Prober   *accounts.Prober
	Bus      *events.Bus

	// WindowInterval spaces market-window re-evaluations.
	WindowInterval time.Duration
}

// Orchestrator owns the component lifecycle.
type Orchestrator struct {
	cfg Config

	mu         sync.Mutex
	windowOpen bool
	started    bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.WindowInterval <= 0 {
		cfg.WindowInterval = 30 * time.Second
	}
	// Assume open until the first evaluation so a closed market at boot
	// registers as a transition and pauses evaluation.
	return &Orchestrator{cfg: cfg, windowOpen: true}
}

// Start resumes persisted state, launches the background loops and, when the
// market window is already open, brings the stream up immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.cfg.Ledger.RecomputeFromStore(ctx); err != nil {
		return fmt.Errorf("recompute subscriptions: %w", err)
	}
	if err := o.cfg.Tracker.Resume(ctx); err != nil {
		return fmt.Errorf("resume order polling: %w", err)
	}
	if err := o.cfg.Risk.Reload(ctx); err != nil {
		return fmt.Errorf("load risk views: %w", err)
	}

	// An initial sweep settles account health before the first connect.
	o.cfg.Prober.Sweep(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.spawn(func() { o.cfg.Tracker.Run(runCtx) })
	o.spawn(func() { o.cfg.Risk.Run(runCtx) })
	o.spawn(func() { o.cfg.Prober.Run(runCtx) })
	o.spawn(func() { o.windowLoop(runCtx) })

	o.evaluateWindow(ctx)
	return nil
}

func (o *Orchestrator) spawn(f func()) {
	o.done.Add(1)
	go func() {
		defer o.done.Done()
		f()
	}()
}

// Stop tears the components down once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.cfg.Stream.Close()
		o.done.Wait()
		log.Printf("[orchestrator] stopped")
	})
}

// WindowOpen reports the last evaluated market-window state.
func (o *Orchestrator) WindowOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.windowOpen
}

func (o *Orchestrator) windowLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.WindowInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evaluateWindow(ctx)
		}
	}
}

// evaluateWindow acts on open/close transitions: opening connects the stream
// and resumes evaluation, closing pauses it. Subscriptions survive a close so
// the reopen replays them.
func (o *Orchestrator) evaluateWindow(ctx context.Context) {
	st := o.cfg.Calendar.Resolve(time.Now())

	o.mu.Lock()
	changed := st.Open != o.windowOpen
	o.windowOpen = st.Open
	o.mu.Unlock()

	if st.Open {
		if changed {
			log.Printf("[orchestrator] market window open (%s)", st.Reason)
			o.cfg.Risk.Resume()
			o.cfg.Bus.Publish(events.EventWindowChange, events.WindowChange{
				Open: true, Reason: st.Reason, At: time.Now(),
			})
		}
		o.ensureStream(ctx)
		return
	}

	if changed {
		log.Printf("[orchestrator] market window closed (%s)", st.Reason)
		o.cfg.Risk.Pause()
		o.cfg.Bus.Publish(events.EventWindowChange, events.WindowChange{
			Open: false, Reason: st.Reason, At: time.Now(),
		})
	}
}

func (o *Orchestrator) ensureStream(ctx context.Context) {
	if o.cfg.Stream.Health() == stream.StateConnected {
		o.cfg.Ledger.Reconcile(ctx)
		return
	}
	if err := o.cfg.Stream.Acquire(ctx); err != nil {
		log.Printf("[orchestrator] stream acquire: %v", err)
	}
}
