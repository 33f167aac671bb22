package ledger

import (
	"context"
	"sync"
	"testing"

	"riskwatch/internal/stream"
	"riskwatch/pkg/db"
)

type sentFrame struct {
	op          string
	instruments []stream.Instrument
	mode        stream.Mode
}

type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *recordingSender) Send(ctx context.Context, op string, instruments []stream.Instrument, mode stream.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{op: op, instruments: instruments, mode: mode})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSender) last() sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func ledgerTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestSharedSymbolRefcount(t *testing.T) {
	sender := &recordingSender{}
	l := New(ledgerTestDB(t), sender)
	ctx := context.Background()
	x := stream.Instrument{Symbol: "X", Venue: "NFO"}

	// Two strategies hold positions in the same symbol.
	l.Track(ctx, x, stream.ModePriceOnly)
	l.Track(ctx, x, stream.ModePriceOnly)

	if got := sender.count(); got != 1 {
		t.Fatalf("expected 1 subscribe for shared symbol, got %d frames", got)
	}
	if sender.last().op != stream.OpSubscribe {
		t.Errorf("expected subscribe, got %s", sender.last().op)
	}
	if l.Refs(x) != 2 {
		t.Errorf("expected refcount 2, got %d", l.Refs(x))
	}

	// Closing one strategy must not drop the subscription.
	l.Release(ctx, x)
	if got := sender.count(); got != 1 {
		t.Fatalf("release with remaining refs sent %d extra frames", got-1)
	}

	// Closing the last holder drops it.
	l.Release(ctx, x)
	if got := sender.count(); got != 2 {
		t.Fatalf("expected unsubscribe after last release, got %d frames", got)
	}
	if sender.last().op != stream.OpUnsubscribe {
		t.Errorf("expected unsubscribe, got %s", sender.last().op)
	}
	if l.Count() != 0 {
		t.Errorf("expected empty ledger, got %d", l.Count())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	l := New(ledgerTestDB(t), sender)
	ctx := context.Background()

	l.Track(ctx, stream.Instrument{Symbol: "NIFTY", Venue: "NFO"}, stream.ModePriceOnly)
	l.Track(ctx, stream.Instrument{Symbol: "BANKNIFTY", Venue: "NFO"}, stream.ModeFullQuote)
	before := sender.count()

	l.Reconcile(ctx)
	l.Reconcile(ctx)

	if got := sender.count(); got != before {
		t.Errorf("reconcile with no changes sent %d frames", got-before)
	}
}

func TestRecomputeFromStore(t *testing.T) {
	database := ledgerTestDB(t)
	sender := &recordingSender{}
	l := New(database, sender)
	ctx := context.Background()

	for _, s := range []db.Strategy{
		{ID: "s1", Name: "a", QuoteMode: "price-only", TrailingType: "points", SupertrendInterval: "1m", IsActive: true},
		{ID: "s2", Name: "b", QuoteMode: "full-quote", TrailingType: "points", SupertrendInterval: "1m", IsActive: true},
	} {
		if err := database.UpsertStrategy(ctx, s); err != nil {
			t.Fatalf("Failed to upsert strategy: %v", err)
		}
	}
	records := []db.OrderRecord{
		{ID: "o1", StrategyID: "s1", Symbol: "X", Venue: "NFO", Side: "BUY", Qty: 50, State: db.StatePlaced},
		{ID: "o2", StrategyID: "s2", Symbol: "X", Venue: "NFO", Side: "SELL", Qty: 50, State: db.StateOpen},
		{ID: "o3", StrategyID: "s2", Symbol: "Y", Venue: "NFO", Side: "BUY", Qty: 25, State: db.StateOpen},
		{ID: "o4", StrategyID: "s1", Symbol: "Z", Venue: "NFO", Side: "BUY", Qty: 25, State: db.StateClosed},
	}
	for _, r := range records {
		if err := database.CreateOrderRecord(ctx, r); err != nil {
			t.Fatalf("Failed to create order record: %v", err)
		}
	}

	if err := l.RecomputeFromStore(ctx); err != nil {
		t.Fatalf("RecomputeFromStore failed: %v", err)
	}

	// Terminal record o4 must not pin Z.
	if l.Refs(stream.Instrument{Symbol: "Z", Venue: "NFO"}) != 0 {
		t.Error("closed record still holds a subscription")
	}
	if got := l.Refs(stream.Instrument{Symbol: "X", Venue: "NFO"}); got != 2 {
		t.Errorf("expected X refcount 2, got %d", got)
	}
	if l.Count() != 2 {
		t.Errorf("expected 2 subscriptions, got %d", l.Count())
	}

	// Shared X subscribed in the higher of the two requested modes.
	found := false
	for _, sub := range l.ActiveSet() {
		if sub.Symbol == "X" && sub.Mode == stream.ModeFullQuote {
			found = true
		}
	}
	if !found {
		t.Error("shared symbol not upgraded to full-quote mode")
	}

	// Recompute again: nothing changed, nothing sent.
	before := sender.count()
	if err := l.RecomputeFromStore(ctx); err != nil {
		t.Fatalf("second RecomputeFromStore failed: %v", err)
	}
	if got := sender.count(); got != before {
		t.Errorf("unchanged recompute sent %d frames", got-before)
	}
}
