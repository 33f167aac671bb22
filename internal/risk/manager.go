// Package risk evaluates open strategies against their loss, profit,
// trailing-stop and supertrend limits on every price tick. The first breached
// limit wins and flattens every open leg of the strategy.
package risk

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskwatch/internal/events"
	"riskwatch/internal/indicators"
	"riskwatch/internal/monitor"
	"riskwatch/internal/tracker"
	"riskwatch/pkg/cache"
	"riskwatch/pkg/db"
)

type legView struct {
	id        string
	accountID string
	symbol    string
	venue     string
	side      string
	qty       float64
	entry     float64
}

func (l legView) key() string { return l.symbol + ":" + l.venue }

type stratView struct {
	cfg  db.Strategy
	legs []legView
}

type trailState struct {
	active      bool
	peak        float64
	initialPnL  float64
	initialStop float64
	currentStop float64
}

type strategyState struct {
	trail      trailState
	prevDir    int
	candles    *indicators.CandleBuilder
	supertrend *indicators.Supertrend
	lastPnL    float64
	pnlValid   bool
	lastExitAt time.Time
}

// Manager is the per-tick risk evaluator.
type Manager struct {
	cfg     Config
	store   *db.Database
	prices  *cache.ShardedPriceCache
	bus     *events.Bus
	placer  ExitPlacer
	track   *tracker.Tracker
	metrics *monitor.SystemMetrics

	mu         sync.Mutex
	paused     bool
	strategies map[string]*stratView
	bySymbol   map[string][]string
	states     map[string]*strategyState
}

// NewManager builds a risk manager. Call Reload before the first tick.
func NewManager(cfg Config, store *db.Database, prices *cache.ShardedPriceCache,
	bus *events.Bus, placer ExitPlacer, track *tracker.Tracker, metrics *monitor.SystemMetrics) *Manager {
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		prices:     prices,
		bus:        bus,
		placer:     placer,
		track:      track,
		metrics:    metrics,
		strategies: make(map[string]*stratView),
		bySymbol:   make(map[string][]string),
		states:     make(map[string]*strategyState),
	}
}

// Reload rebuilds the in-memory view of strategies and their open legs from
// the store. Trailing state survives reloads; persisted state seeds it after
// a restart.
func (m *Manager) Reload(ctx context.Context) error {
	strategies, err := m.store.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	views := make(map[string]*stratView, len(strategies))
	bySymbol := make(map[string][]string)
	for _, s := range strategies {
		orders, err := m.store.ListOpenOrdersByStrategy(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("load open legs for %s: %w", s.ID, err)
		}
		sv := &stratView{cfg: s}
		for _, o := range orders {
			sv.legs = append(sv.legs, legView{
				id: o.ID, accountID: o.AccountID,
				symbol: o.Symbol, venue: o.Venue,
				side: o.Side, qty: o.Qty, entry: o.EntryPrice,
			})
			key := o.Symbol + ":" + o.Venue
			bySymbol[key] = append(bySymbol[key], s.ID)
		}
		views[s.ID] = sv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = views
	m.bySymbol = dedupeValues(bySymbol)

	for id, sv := range views {
		st, ok := m.states[id]
		if !ok {
			st = &strategyState{}
			if persisted, err := m.store.GetRiskState(ctx, id); err == nil {
				st.trail = trailState{
					active:      persisted.Active,
					peak:        persisted.PeakPnL,
					initialPnL:  persisted.InitialPnL,
					initialStop: persisted.InitialStop,
					currentStop: persisted.CurrentStop,
				}
			}
			m.states[id] = st
		}
		if sv.cfg.SupertrendEnabled && st.supertrend == nil {
			st.candles = indicators.NewCandleBuilder(indicators.ParseInterval(sv.cfg.SupertrendInterval))
			st.supertrend = indicators.NewSupertrend(sv.cfg.SupertrendPeriod, sv.cfg.SupertrendMultiplier)
		}
	}
	return nil
}

func dedupeValues(in map[string][]string) map[string][]string {
	for key, ids := range in {
		seen := make(map[string]bool, len(ids))
		out := ids[:0]
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		in[key] = out
	}
	return in
}

// Run subscribes to order transitions so leg views stay current.
func (m *Manager) Run(ctx context.Context) {
	transitions, unsub := m.bus.Subscribe(events.EventOrderTransition, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-transitions:
			if !ok {
				return
			}
			if err := m.Reload(ctx); err != nil {
				log.Printf("[risk] reload after transition: %v", err)
			}
		}
	}
}

// Pause suspends evaluation; trailing peaks and stops are preserved.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	log.Printf("[risk] evaluation paused")
}

// Resume re-enables evaluation.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	log.Printf("[risk] evaluation resumed")
}

// HandleTick evaluates every strategy holding the ticked instrument.
// Registered with the stream manager; runs on the read goroutine.
func (m *Manager) HandleTick(t events.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return
	}
	timer := monitor.NewTimer(m.metrics.RiskLatency)
	for _, id := range m.bySymbol[t.Key()] {
		m.evaluateLocked(context.Background(), id, t)
	}
	timer.Stop()
}

// evaluateLocked runs one strategy through the check order:
// max loss, max profit, trailing stop, supertrend flip. First breach wins.
func (m *Manager) evaluateLocked(ctx context.Context, id string, tick events.Tick) {
	sv, ok := m.strategies[id]
	if !ok || len(sv.legs) == 0 {
		return
	}
	st := m.states[id]
	if st == nil {
		st = &strategyState{}
		m.states[id] = st
	}

	pnl, valid := m.pnl(sv)
	st.lastPnL = pnl
	st.pnlValid = valid

	if sv.cfg.ExitInFlight {
		m.retryCloseRemaining(ctx, sv, st)
		return
	}
	if !valid {
		// A leg has no usable price yet; checking against a bogus P&L
		// would trip limits spuriously.
		return
	}

	if sv.cfg.RiskEnabled {
		if sv.cfg.MaxLoss > 0 && !sv.cfg.MaxLossTriggeredAt.Valid && pnl <= -sv.cfg.MaxLoss {
			m.breach(ctx, sv, st, EventMaxLoss, -sv.cfg.MaxLoss, pnl, ActionExitAll,
				fmt.Sprintf("loss limit %.2f breached at %.2f", sv.cfg.MaxLoss, pnl))
			return
		}
		if sv.cfg.MaxProfit > 0 && !sv.cfg.MaxProfitTriggeredAt.Valid && pnl >= sv.cfg.MaxProfit {
			m.breach(ctx, sv, st, EventMaxProfit, sv.cfg.MaxProfit, pnl, ActionExitAll,
				fmt.Sprintf("profit target %.2f reached at %.2f", sv.cfg.MaxProfit, pnl))
			return
		}
		if sv.cfg.TrailingValue > 0 && !sv.cfg.TrailingTriggeredAt.Valid {
			if m.evaluateTrailing(ctx, sv, st, pnl) {
				return
			}
		}
	}

	if sv.cfg.SupertrendEnabled && !sv.cfg.SupertrendTrigAt.Valid {
		m.evaluateSupertrend(ctx, sv, st, tick)
	}
}

// pnl sums leg P&L from the last valid cached prices. Long legs earn
// (ltp-entry)*qty, short legs (entry-ltp)*qty. Returns valid=false when any
// leg lacks a price.
func (m *Manager) pnl(sv *stratView) (float64, bool) {
	var total float64
	for _, leg := range sv.legs {
		price, ok := m.prices.Get(leg.key())
		if !ok {
			return 0, false
		}
		if leg.side == "BUY" {
			total += (price - leg.entry) * leg.qty
		} else {
			total += (leg.entry - price) * leg.qty
		}
	}
	return total, true
}

// initialStop derives the starting stop from the trailing type: percentage
// of the net entry premium, or a flat point/amount distance.
func initialStop(cfg db.Strategy, legs []legView) float64 {
	if cfg.TrailingType == TrailingPercentage {
		var net float64
		for _, l := range legs {
			if l.side == "SELL" {
				net += l.entry * l.qty
			} else {
				net -= l.entry * l.qty
			}
		}
		return -math.Abs(net) * cfg.TrailingValue / 100
	}
	return -cfg.TrailingValue
}

// evaluateTrailing arms the stop at the first positive P&L and ratchets it
// up with each new peak. The stop never moves down. Returns true on breach.
func (m *Manager) evaluateTrailing(ctx context.Context, sv *stratView, st *strategyState, pnl float64) bool {
	tr := &st.trail
	factor := sv.cfg.TrailFactor
	if factor <= 0 {
		factor = 1
	}

	if !tr.active {
		if pnl <= 0 {
			return false
		}
		tr.active = true
		tr.peak = pnl
		tr.initialPnL = 0
		tr.initialStop = initialStop(sv.cfg, sv.legs)
		tr.currentStop = tr.initialStop + (tr.peak-tr.initialPnL)*factor
		m.persistTrail(ctx, sv.cfg.ID, tr)
		log.Printf("[risk] %s trailing armed: peak %.2f stop %.2f", sv.cfg.ID, tr.peak, tr.currentStop)
		return false
	}

	if pnl > tr.peak {
		tr.peak = pnl
		if stop := tr.initialStop + (tr.peak-tr.initialPnL)*factor; stop > tr.currentStop {
			tr.currentStop = stop
		}
		m.persistTrail(ctx, sv.cfg.ID, tr)
	}

	if pnl < tr.currentStop {
		m.breach(ctx, sv, st, EventTrailingSL, tr.currentStop, pnl, ActionExitAll,
			fmt.Sprintf("trailing stop %.2f breached at %.2f (peak %.2f)", tr.currentStop, pnl, tr.peak))
		return true
	}
	return false
}

func (m *Manager) persistTrail(ctx context.Context, strategyID string, tr *trailState) {
	err := m.store.UpsertRiskState(ctx, db.RiskState{
		StrategyID:  strategyID,
		PeakPnL:     tr.peak,
		InitialPnL:  tr.initialPnL,
		InitialStop: tr.initialStop,
		CurrentStop: tr.currentStop,
		Active:      tr.active,
	})
	if err != nil {
		log.Printf("[risk] persist trail state %s: %v", strategyID, err)
	}
}

// evaluateSupertrend folds the strategy's combined premium into candles and
// exits when the trend direction flips against the last observed one.
func (m *Manager) evaluateSupertrend(ctx context.Context, sv *stratView, st *strategyState, tick events.Tick) {
	if st.candles == nil {
		st.candles = indicators.NewCandleBuilder(indicators.ParseInterval(sv.cfg.SupertrendInterval))
		st.supertrend = indicators.NewSupertrend(sv.cfg.SupertrendPeriod, sv.cfg.SupertrendMultiplier)
	}

	combined, ok := m.combinedPremium(sv)
	if !ok {
		return
	}
	bar, done := st.candles.Update(combined, tick.Timestamp)
	if !done {
		return
	}
	dir, level := st.supertrend.Update(bar)
	if dir == indicators.DirWarmup {
		return
	}
	if st.prevDir != indicators.DirWarmup && dir != st.prevDir {
		m.breach(ctx, sv, st, EventSupertrend, level, combined, ActionExitAll,
			fmt.Sprintf("direction flip at price %.2f, band %.2f", combined, level))
	}
	st.prevDir = dir
}

// combinedPremium is the signed spread price of the strategy: long legs add,
// short legs subtract.
func (m *Manager) combinedPremium(sv *stratView) (float64, bool) {
	var sum float64
	for _, leg := range sv.legs {
		price, ok := m.prices.Get(leg.key())
		if !ok {
			return 0, false
		}
		if leg.side == "BUY" {
			sum += price
		} else {
			sum -= price
		}
	}
	return sum, true
}

// breach records the risk event, latches the trigger, and flattens every
// open leg. Evaluation stays suppressed until all legs are closed.
//
// Called with mu held and returns with mu held, but the lock is released
// around the placement call: it is a network round trip bounded only by
// ExitTimeout, and holding the lock across it would stall tick dispatch,
// Snapshot and Pause. Re-entry during the window is safe because
// exit_in_flight is latched first, routing later ticks to the retry path.
func (m *Manager) breach(ctx context.Context, sv *stratView, st *strategyState,
	eventType string, threshold, observed float64, action, note string) {

	now := time.Now()
	id := sv.cfg.ID
	sv.cfg.ExitInFlight = true
	st.lastExitAt = now
	if err := m.store.SetExitInFlight(ctx, id, true); err != nil {
		log.Printf("[risk] set exit in flight %s: %v", id, err)
	}
	if action == ActionExitAll {
		if err := m.store.MarkRiskTriggered(ctx, id, eventType, note, now); err != nil {
			log.Printf("[risk] mark triggered %s: %v", id, err)
		}
		m.latchView(sv, eventType, now)
	}

	legIDs := make([]string, len(sv.legs))
	legs := make([]db.OrderRecord, len(sv.legs))
	for i, l := range sv.legs {
		legIDs[i] = l.id
		legs[i] = db.OrderRecord{
			ID: l.id, StrategyID: id, AccountID: l.accountID,
			Symbol: l.symbol, Venue: l.venue, Side: l.side, Qty: l.qty,
			EntryPrice: l.entry, State: db.StateOpen,
		}
	}

	ev := db.RiskEvent{
		ID:         uuid.NewString(),
		StrategyID: id,
		EventType:  eventType,
		Threshold:  threshold,
		Observed:   observed,
		Action:     action,
		OrderIDs:   legIDs,
		Note:       note,
		CreatedAt:  now,
	}
	if err := m.store.AppendRiskEvent(ctx, ev); err != nil {
		log.Printf("[risk] append event %s: %v", id, err)
	}
	m.bus.Publish(events.EventRiskAlert, events.RiskAlert{
		StrategyID: id, EventType: eventType, Threshold: threshold,
		Observed: observed, Action: action, Note: note, At: now,
	})
	log.Printf("[risk] %s %s: %s", id, eventType, note)

	snapshot := append([]legView(nil), sv.legs...)

	m.mu.Unlock()
	exitCtx, cancel := context.WithTimeout(ctx, m.cfg.ExitTimeout)
	timer := monitor.NewTimer(m.metrics.ExitLatency)
	placed, err := m.placer.PlaceExit(exitCtx, legs, eventType)
	timer.Stop()
	cancel()
	m.mu.Lock()

	if err != nil {
		// Legs stay open and exit_in_flight stays set; the next tick
		// retries via close_remaining.
		m.metrics.IncrementErrors()
		log.Printf("[risk] exit placement for %s failed: %v", id, err)
		return
	}
	m.metrics.IncrementExits()

	closed := make(map[string]bool, len(placed))
	for _, leg := range snapshot {
		exitID, ok := placed[leg.id]
		if !ok {
			continue
		}
		if price, found := m.prices.Get(leg.key()); found {
			_ = m.store.UpdateLastPrice(ctx, leg.id, price)
		}
		if err := m.track.Close(ctx, leg.id, exitID, eventType); err != nil {
			log.Printf("[risk] close %s: %v", leg.id, err)
			continue
		}
		closed[leg.id] = true
	}

	// A Reload may have swapped the view while the lock was released;
	// apply the result to whichever view is current.
	cur, ok := m.strategies[id]
	if !ok {
		return
	}
	remaining := cur.legs[:0]
	for _, leg := range cur.legs {
		if !closed[leg.id] {
			remaining = append(remaining, leg)
		}
	}
	cur.legs = remaining

	if len(cur.legs) == 0 {
		cur.cfg.ExitInFlight = false
		if err := m.store.SetExitInFlight(ctx, id, false); err != nil {
			log.Printf("[risk] clear exit in flight %s: %v", id, err)
		}
	}
}

func (m *Manager) latchView(sv *stratView, eventType string, at time.Time) {
	stamp := nullTime(at)
	switch eventType {
	case EventMaxLoss:
		sv.cfg.MaxLossTriggeredAt = stamp
	case EventMaxProfit:
		sv.cfg.MaxProfitTriggeredAt = stamp
	case EventTrailingSL:
		sv.cfg.TrailingTriggeredAt = stamp
	case EventSupertrend:
		sv.cfg.SupertrendTrigAt = stamp
	}
}

// retryCloseRemaining re-places exits for legs that survived a breach.
func (m *Manager) retryCloseRemaining(ctx context.Context, sv *stratView, st *strategyState) {
	if len(sv.legs) == 0 {
		sv.cfg.ExitInFlight = false
		if err := m.store.SetExitInFlight(ctx, sv.cfg.ID, false); err != nil {
			log.Printf("[risk] clear exit in flight %s: %v", sv.cfg.ID, err)
		}
		return
	}
	if time.Since(st.lastExitAt) < m.cfg.RetryInterval {
		return
	}
	eventType := triggeredType(sv.cfg)
	if eventType == "" {
		return
	}
	m.breach(ctx, sv, st, eventType+"_retry", 0, st.lastPnL, ActionCloseRemaining,
		fmt.Sprintf("%d legs still open after %s exit", len(sv.legs), eventType))
}

// triggeredType returns which limit latched first.
func triggeredType(cfg db.Strategy) string {
	type latch struct {
		at    time.Time
		event string
	}
	var latches []latch
	if cfg.MaxLossTriggeredAt.Valid {
		latches = append(latches, latch{cfg.MaxLossTriggeredAt.Time, EventMaxLoss})
	}
	if cfg.MaxProfitTriggeredAt.Valid {
		latches = append(latches, latch{cfg.MaxProfitTriggeredAt.Time, EventMaxProfit})
	}
	if cfg.TrailingTriggeredAt.Valid {
		latches = append(latches, latch{cfg.TrailingTriggeredAt.Time, EventTrailingSL})
	}
	if cfg.SupertrendTrigAt.Valid {
		latches = append(latches, latch{cfg.SupertrendTrigAt.Time, EventSupertrend})
	}
	if len(latches) == 0 {
		return ""
	}
	first := latches[0]
	for _, l := range latches[1:] {
		if l.at.Before(first.at) {
			first = l
		}
	}
	return first.event
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

// Snapshot returns per-strategy status for the API.
func (m *Manager) Snapshot() []StrategyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StrategyStatus, 0, len(m.strategies))
	for id, sv := range m.strategies {
		st := m.states[id]
		s := StrategyStatus{
			StrategyID:   id,
			Name:         sv.cfg.Name,
			OpenLegs:     len(sv.legs),
			ExitInFlight: sv.cfg.ExitInFlight,
		}
		if st != nil {
			s.PnL = st.lastPnL
			s.PnLValid = st.pnlValid
			s.TrailActive = st.trail.active
			s.PeakPnL = st.trail.peak
			s.CurrentStop = st.trail.currentStop
		}
		out = append(out, s)
	}
	return out
}

// Paused reports whether evaluation is suspended.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
