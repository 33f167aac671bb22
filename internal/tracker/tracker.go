// Package tracker drives order records through their lifecycle by polling
// broker order status. Entry orders move placed -> open|rejected|cancelled;
// open positions move open -> closed|error.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"riskwatch/internal/events"
	"riskwatch/internal/ledger"
	"riskwatch/internal/monitor"
	"riskwatch/internal/stream"
	"riskwatch/pkg/db"
)

var (
	// ErrStateInconsistency means the broker reported a status that cannot
	// follow the recorded state.
	ErrStateInconsistency = errors.New("tracker: order state inconsistency")

	// ErrInvalidTransition guards the local state machine.
	ErrInvalidTransition = errors.New("tracker: invalid state transition")
)

// Broker status values returned by the poll contract.
const (
	BrokerPending   = "pending"
	BrokerComplete  = "complete"
	BrokerRejected  = "rejected"
	BrokerCancelled = "cancelled"
)

// OrderStatus is one broker-side status snapshot.
type OrderStatus struct {
	Status    string
	AvgPrice  float64
	FilledQty float64
}

// StatusClient fetches broker order status. The REST transport behind it is
// supplied by the caller.
type StatusClient interface {
	OrderStatus(ctx context.Context, accountID, brokerOrderID string) (OrderStatus, error)
}

// Config holds polling tuning.
type Config struct {
	PollInterval   time.Duration
	RatePerAccount float64
	Workers        int
	MaxFailures    int
	ExpiryChecks   int
	ExpiryAge      time.Duration
}

const (
	kindEntry = "entry"
	kindExit  = "exit"
)

type pollEntry struct {
	orderID   string
	accountID string
	brokerID  string
	kind      string
	addedAt   time.Time
	checks    int
	failures  int
	inflight  bool
}

// Tracker polls pending orders and applies lifecycle transitions.
type Tracker struct {
	cfg     Config
	store   *db.Database
	client  StatusClient
	bus     *events.Bus
	subs    *ledger.Ledger
	metrics *monitor.SystemMetrics

	mu       sync.Mutex
	entries  map[string]*pollEntry // keyed orderID+kind
	limiters map[string]*rate.Limiter

	// transMu serializes transitions per tracker; transitions are rare
	// compared to ticks so one lock is enough.
	transMu sync.Mutex
}

// New builds a tracker.
func New(cfg Config, store *db.Database, client StatusClient, bus *events.Bus,
	subs *ledger.Ledger, metrics *monitor.SystemMetrics) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RatePerAccount <= 0 {
		cfg.RatePerAccount = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ExpiryChecks <= 0 {
		cfg.ExpiryChecks = 30
	}
	if cfg.ExpiryAge <= 0 {
		cfg.ExpiryAge = 5 * time.Minute
	}
	return &Tracker{
		cfg:      cfg,
		store:    store,
		client:   client,
		bus:      bus,
		subs:     subs,
		metrics:  metrics,
		entries:  make(map[string]*pollEntry),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register persists a freshly placed order, pins its subscription and starts
// polling it.
func (t *Tracker) Register(ctx context.Context, rec db.OrderRecord) error {
	rec.State = db.StatePlaced
	if err := t.store.CreateOrderRecord(ctx, rec); err != nil {
		return fmt.Errorf("create order record: %w", err)
	}

	mode := stream.ModePriceOnly
	if s, err := t.store.GetStrategy(ctx, rec.StrategyID); err == nil {
		mode = ledger.ModeForStrategy(s.QuoteMode)
	}
	t.subs.Track(ctx, stream.Instrument{Symbol: rec.Symbol, Venue: rec.Venue}, mode)

	t.watch(rec.ID, rec.AccountID, rec.BrokerOrderID, kindEntry)
	t.bus.Publish(events.EventOrderTransition, events.OrderTransition{
		OrderID: rec.ID, StrategyID: rec.StrategyID, Symbol: rec.Symbol, Venue: rec.Venue,
		From: "", To: db.StatePlaced, At: time.Now(),
	})
	log.Printf("[tracker] registered %s (%s %s qty %.0f)", rec.ID, rec.Side, rec.Symbol, rec.Qty)
	return nil
}

// Resume re-adds poll entries for persisted records after a restart.
func (t *Tracker) Resume(ctx context.Context) error {
	orders, err := t.store.ListNonTerminalOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		switch {
		case o.State == db.StatePlaced:
			t.watch(o.ID, o.AccountID, o.BrokerOrderID, kindEntry)
		case o.State == db.StateOpen && o.ExitOrderID != "":
			t.watch(o.ID, o.AccountID, o.ExitOrderID, kindExit)
		}
	}
	return nil
}

func (t *Tracker) watch(orderID, accountID, brokerID, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := orderID + "/" + kind
	if _, ok := t.entries[key]; ok {
		return // at most one outstanding poll per order
	}
	t.entries[key] = &pollEntry{
		orderID:   orderID,
		accountID: accountID,
		brokerID:  brokerID,
		kind:      kind,
		addedAt:   time.Now(),
	}
}

func (t *Tracker) unwatch(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// PendingCount reports how many orders are being polled.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) limiter(accountID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.cfg.RatePerAccount), 1)
		t.limiters[accountID] = l
	}
	return l
}

// Run polls until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cycle(ctx)
		}
	}
}

// cycle polls every due entry once, bounded by the worker pool and the
// per-account rate limiters.
func (t *Tracker) cycle(ctx context.Context) {
	t.mu.Lock()
	due := make([]*pollEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.inflight {
			e.inflight = true
			due = append(due, e)
		}
	}
	t.mu.Unlock()

	timer := monitor.NewTimer(t.metrics.PollLatency)
	sem := make(chan struct{}, t.cfg.Workers)
	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *pollEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			t.pollOne(ctx, e)
			t.mu.Lock()
			e.inflight = false
			t.mu.Unlock()
		}(e)
	}
	wg.Wait()
	timer.Stop()
	t.metrics.IncrementPollCycles()
}

func (t *Tracker) pollOne(ctx context.Context, e *pollEntry) {
	if err := t.limiter(e.accountID).Wait(ctx); err != nil {
		return
	}

	status, err := t.client.OrderStatus(ctx, e.accountID, e.brokerID)
	if err != nil {
		t.mu.Lock()
		e.failures++
		failures := e.failures
		t.mu.Unlock()
		log.Printf("[tracker] poll %s failed (%d/%d): %v", e.orderID, failures, t.cfg.MaxFailures, err)
		if failures >= t.cfg.MaxFailures {
			t.failOut(ctx, e, fmt.Sprintf("%d consecutive poll failures: %v", failures, err))
		}
		return
	}

	t.mu.Lock()
	e.failures = 0
	e.checks++
	expired := e.checks >= t.cfg.ExpiryChecks || time.Since(e.addedAt) > t.cfg.ExpiryAge
	t.mu.Unlock()

	if t.apply(ctx, e, status) {
		return
	}
	if expired {
		t.unwatch(e.orderID + "/" + e.kind)
		t.alert(e.orderID, "poll_timeout",
			fmt.Sprintf("order %s still %s after %d checks, polling stopped", e.orderID, status.Status, e.checks))
	}
}

// apply maps a broker status onto the record. Returns true when the entry
// reached a final answer and was removed from polling.
func (t *Tracker) apply(ctx context.Context, e *pollEntry, status OrderStatus) bool {
	rec, err := t.store.GetOrderRecord(ctx, e.orderID)
	if err != nil {
		log.Printf("[tracker] load %s: %v", e.orderID, err)
		return false
	}

	if e.kind == kindExit {
		return t.applyExit(ctx, e, rec, status)
	}

	switch status.Status {
	case BrokerPending:
		return false
	case BrokerComplete:
		if err := t.Transition(ctx, rec, db.StateOpen, fmt.Sprintf("filled at %.2f", status.AvgPrice), status.AvgPrice); err != nil {
			t.inconsistent(ctx, e, rec, status, err)
			return false
		}
	case BrokerRejected:
		if err := t.Transition(ctx, rec, db.StateRejected, "broker rejected", 0); err != nil {
			t.inconsistent(ctx, e, rec, status, err)
			return false
		}
	case BrokerCancelled:
		if err := t.Transition(ctx, rec, db.StateCancelled, "broker cancelled", 0); err != nil {
			t.inconsistent(ctx, e, rec, status, err)
			return false
		}
	default:
		t.inconsistent(ctx, e, rec, status,
			fmt.Errorf("%w: broker status %q for state %s", ErrStateInconsistency, status.Status, rec.State))
		return false
	}
	t.unwatch(e.orderID + "/" + e.kind)
	return true
}

// applyExit refines an already-closed record with the broker's exit fill.
func (t *Tracker) applyExit(ctx context.Context, e *pollEntry, rec *db.OrderRecord, status OrderStatus) bool {
	switch status.Status {
	case BrokerComplete:
		if err := t.store.RecordExitFill(ctx, rec.ID, status.AvgPrice, rec.ExitReason, time.Now()); err != nil {
			log.Printf("[tracker] record exit fill %s: %v", rec.ID, err)
			return false
		}
		log.Printf("[tracker] exit fill confirmed for %s at %.2f", rec.ID, status.AvgPrice)
	case BrokerRejected, BrokerCancelled:
		// The exit order died; the position is not actually closed.
		t.inconsistent(ctx, e, rec, status,
			fmt.Errorf("%w: exit order %s for closed record %s", ErrStateInconsistency, status.Status, rec.ID))
		return false
	default:
		return false
	}
	t.unwatch(e.orderID + "/" + e.kind)
	return true
}

// inconsistent counts contradictory broker answers; after the failure budget
// the record is parked in error and an alert is raised.
func (t *Tracker) inconsistent(ctx context.Context, e *pollEntry, rec *db.OrderRecord, status OrderStatus, cause error) {
	t.mu.Lock()
	e.failures++
	failures := e.failures
	t.mu.Unlock()
	t.metrics.IncrementErrors()
	log.Printf("[tracker] inconsistency on %s (%d/%d): %v", rec.ID, failures, t.cfg.MaxFailures, cause)
	if failures >= t.cfg.MaxFailures {
		t.failOut(ctx, e, cause.Error())
	}
}

// failOut parks the record in error and stops polling it.
func (t *Tracker) failOut(ctx context.Context, e *pollEntry, detail string) {
	t.unwatch(e.orderID + "/" + e.kind)
	rec, err := t.store.GetOrderRecord(ctx, e.orderID)
	if err != nil {
		log.Printf("[tracker] load %s for error transition: %v", e.orderID, err)
		return
	}
	if !db.IsTerminalState(rec.State) {
		if err := t.Transition(ctx, rec, db.StateError, detail, 0); err != nil {
			log.Printf("[tracker] error transition %s: %v", e.orderID, err)
		}
	}
	t.alert(e.orderID, "tracker_failure", detail)
}

func (t *Tracker) alert(orderID, eventType, note string) {
	t.bus.Publish(events.EventRiskAlert, events.RiskAlert{
		EventType: eventType,
		Action:    "alert",
		Note:      fmt.Sprintf("order %s: %s", orderID, note),
		At:        time.Now(),
	})
}

// canTransition encodes the lifecycle.
func canTransition(from, to string) bool {
	switch from {
	case db.StatePlaced:
		return to == db.StateOpen || to == db.StateRejected || to == db.StateCancelled || to == db.StateError
	case db.StateOpen:
		return to == db.StateClosed || to == db.StateError
	}
	return false
}

// Transition applies one state change, persists it, notifies the ledger
// synchronously, then announces it. Terminal states are immutable.
func (t *Tracker) Transition(ctx context.Context, rec *db.OrderRecord, to, detail string, price float64) error {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	// Re-read under the lock so concurrent transitions see fresh state.
	cur, err := t.store.GetOrderRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	if cur.State == to {
		return nil
	}
	if !canTransition(cur.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}

	now := time.Now()
	switch to {
	case db.StateOpen:
		err = t.store.RecordEntryFill(ctx, rec.ID, price, now)
	case db.StateClosed:
		err = t.store.RecordExitFill(ctx, rec.ID, price, detail, now)
	default:
		err = t.store.UpdateOrderState(ctx, rec.ID, to)
	}
	if err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", cur.State, to, err)
	}

	// The ledger hears about it before anyone else so subscription state
	// never lags order state.
	if db.HoldsSubscription(cur.State) && !db.HoldsSubscription(to) {
		t.subs.Release(ctx, stream.Instrument{Symbol: cur.Symbol, Venue: cur.Venue})
	}

	t.bus.Publish(events.EventOrderTransition, events.OrderTransition{
		OrderID: cur.ID, StrategyID: cur.StrategyID, Symbol: cur.Symbol, Venue: cur.Venue,
		From: cur.State, To: to, Detail: detail, At: now,
	})
	log.Printf("[tracker] %s: %s -> %s (%s)", cur.ID, cur.State, to, detail)
	return nil
}

// Close marks an open leg closed after a risk exit was placed, and starts
// polling the exit order so the fill price can be refined later.
func (t *Tracker) Close(ctx context.Context, orderID, exitOrderID, reason string) error {
	rec, err := t.store.GetOrderRecord(ctx, orderID)
	if err != nil {
		return err
	}
	if exitOrderID != "" {
		if err := t.store.SetExitOrder(ctx, orderID, exitOrderID); err != nil {
			return err
		}
	}
	if err := t.Transition(ctx, rec, db.StateClosed, reason, rec.LastPrice); err != nil {
		return err
	}
	if exitOrderID != "" {
		t.watch(orderID, rec.AccountID, exitOrderID, kindExit)
	}
	return nil
}
