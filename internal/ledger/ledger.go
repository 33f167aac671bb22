// Package ledger tracks refcounted market data subscriptions derived from
// non-terminal order records. The feed is only touched when a refcount
// crosses zero.
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"riskwatch/internal/stream"
	"riskwatch/pkg/db"
)

// Sender issues subscribe/unsubscribe frames. Satisfied by *stream.Manager.
type Sender interface {
	Send(ctx context.Context, op string, instruments []stream.Instrument, mode stream.Mode) error
}

type entry struct {
	refs int
	mode stream.Mode
}

// Ledger is the single source of truth for what the feed should carry.
type Ledger struct {
	store  *db.Database
	sender Sender

	mu      sync.Mutex
	desired map[stream.Instrument]*entry
	applied map[stream.Instrument]stream.Mode
}

// New builds an empty ledger.
func New(store *db.Database, sender Sender) *Ledger {
	return &Ledger{
		store:   store,
		sender:  sender,
		desired: make(map[stream.Instrument]*entry),
		applied: make(map[stream.Instrument]stream.Mode),
	}
}

// ModeForStrategy maps a strategy quote_mode to a wire mode.
func ModeForStrategy(quoteMode string) stream.Mode {
	if quoteMode == "full-quote" {
		return stream.ModeFullQuote
	}
	return stream.ModePriceOnly
}

// Track adds one reference for an order that entered a subscription-holding
// state. Reconciles only when the count crosses zero.
func (l *Ledger) Track(ctx context.Context, inst stream.Instrument, mode stream.Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.desired[inst]
	if !ok {
		e = &entry{mode: mode}
		l.desired[inst] = e
	}
	e.refs++
	if mode > e.mode {
		e.mode = mode
	}
	if e.refs == 1 || e.mode != l.applied[inst] {
		l.reconcileLocked(ctx)
	}
}

// Release removes one reference for an order that entered a terminal state.
func (l *Ledger) Release(ctx context.Context, inst stream.Instrument) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.desired[inst]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(l.desired, inst)
	l.reconcileLocked(ctx)
}

// Reconcile diffs desired against applied and issues the minimal control
// messages. Idempotent: a second call with no changes sends nothing.
func (l *Ledger) Reconcile(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconcileLocked(ctx)
}

func (l *Ledger) reconcileLocked(ctx context.Context) {
	subByMode := make(map[stream.Mode][]stream.Instrument)
	var unsub []stream.Instrument

	for inst, e := range l.desired {
		if mode, ok := l.applied[inst]; !ok || mode != e.mode {
			subByMode[e.mode] = append(subByMode[e.mode], inst)
		}
	}
	for inst := range l.applied {
		if _, ok := l.desired[inst]; !ok {
			unsub = append(unsub, inst)
		}
	}

	if len(unsub) > 0 {
		if err := l.sender.Send(ctx, stream.OpUnsubscribe, unsub, stream.ModePriceOnly); err != nil {
			log.Printf("[ledger] unsubscribe failed: %v", err)
		}
		for _, inst := range unsub {
			delete(l.applied, inst)
		}
	}
	for mode, insts := range subByMode {
		if err := l.sender.Send(ctx, stream.OpSubscribe, insts, mode); err != nil {
			log.Printf("[ledger] subscribe failed: %v", err)
		}
		for _, inst := range insts {
			l.applied[inst] = mode
		}
	}
}

// RecomputeFromStore rebuilds refcounts from persisted non-terminal orders
// and reconciles. Used at startup and on window reopen.
func (l *Ledger) RecomputeFromStore(ctx context.Context) error {
	orders, err := l.store.ListNonTerminalOrders(ctx)
	if err != nil {
		return err
	}

	modes := make(map[string]stream.Mode)
	desired := make(map[stream.Instrument]*entry)
	for _, o := range orders {
		mode, ok := modes[o.StrategyID]
		if !ok {
			mode = stream.ModePriceOnly
			if s, err := l.store.GetStrategy(ctx, o.StrategyID); err == nil {
				mode = ModeForStrategy(s.QuoteMode)
			}
			modes[o.StrategyID] = mode
		}
		inst := stream.Instrument{Symbol: o.Symbol, Venue: o.Venue}
		e, ok := desired[inst]
		if !ok {
			e = &entry{mode: mode}
			desired[inst] = e
		}
		e.refs++
		if mode > e.mode {
			e.mode = mode
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.desired = desired
	l.reconcileLocked(ctx)
	return nil
}

// ActiveSet returns the full subscription set for post-reconnect replay.
func (l *Ledger) ActiveSet() []stream.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]stream.Subscription, 0, len(l.desired))
	for inst, e := range l.desired {
		out = append(out, stream.Subscription{Instrument: inst, Mode: e.mode})
	}
	return out
}

// ActiveKeys returns the cache keys of all subscribed instruments.
func (l *Ledger) ActiveKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.desired))
	for inst := range l.desired {
		out = append(out, inst.Key())
	}
	return out
}

// Refs returns the refcount for an instrument, 0 if untracked.
func (l *Ledger) Refs(inst stream.Instrument) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.desired[inst]; ok {
		return e.refs
	}
	return 0
}

// Count returns the number of active subscriptions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.desired)
}

// RunPeriodic resyncs the ledger against the store until ctx is done.
// Catches drift if a record was mutated outside the tracker.
func (l *Ledger) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RecomputeFromStore(ctx); err != nil {
				log.Printf("[ledger] periodic resync failed: %v", err)
			}
		}
	}
}
