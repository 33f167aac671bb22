package db

import (
	"context"
	"testing"
	"time"

	"riskwatch/pkg/crypto"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestAccountPromotion(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	accounts := []Account{
		{ID: "acct-1", Name: "main", HostURL: "https://a", WSURL: "wss://a", APIKey: "k1", Role: RolePrimary, Priority: 0, Health: HealthConnected, IsActive: true},
		{ID: "acct-2", Name: "backup-1", HostURL: "https://b", WSURL: "wss://b", APIKey: "k2", Role: RoleBackup, Priority: 1, Health: HealthConnected, IsActive: true},
		{ID: "acct-3", Name: "backup-2", HostURL: "https://c", WSURL: "wss://c", APIKey: "k3", Role: RoleBackup, Priority: 2, Health: HealthDisconnected, IsActive: true},
	}
	for _, a := range accounts {
		if err := database.UpsertAccount(ctx, a); err != nil {
			t.Fatalf("Failed to upsert account %s: %v", a.ID, err)
		}
	}

	if err := database.PromoteAccount(ctx, "acct-2"); err != nil {
		t.Fatalf("Failed to promote: %v", err)
	}

	list, err := database.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("Failed to list accounts: %v", err)
	}
	primaries := 0
	for _, a := range list {
		if a.Role == RolePrimary {
			primaries++
			if a.ID != "acct-2" {
				t.Errorf("expected acct-2 primary, got %s", a.ID)
			}
		}
	}
	if primaries != 1 {
		t.Errorf("expected exactly 1 primary, got %d", primaries)
	}

	t.Run("promote unknown account", func(t *testing.T) {
		if err := database.PromoteAccount(ctx, "acct-missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestOrderRecordLifecycle(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	rec := OrderRecord{
		ID:         "ord-1",
		StrategyID: "strat-1",
		LegID:      "leg-1",
		AccountID:  "acct-1",
		Symbol:     "NIFTY24SEP24000CE",
		Venue:      "NFO",
		Side:       "SELL",
		Qty:        50,
	}
	if err := database.CreateOrderRecord(ctx, rec); err != nil {
		t.Fatalf("Failed to create order record: %v", err)
	}

	got, err := database.GetOrderRecord(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Failed to get order record: %v", err)
	}
	if got.State != StatePlaced {
		t.Errorf("expected state placed, got %s", got.State)
	}

	fillAt := time.Now()
	if err := database.RecordEntryFill(ctx, "ord-1", 120.5, fillAt); err != nil {
		t.Fatalf("Failed to record entry fill: %v", err)
	}
	got, _ = database.GetOrderRecord(ctx, "ord-1")
	if got.State != StateOpen || got.EntryPrice != 120.5 {
		t.Errorf("expected open at 120.5, got %s at %v", got.State, got.EntryPrice)
	}

	open, err := database.ListNonTerminalOrders(ctx)
	if err != nil {
		t.Fatalf("Failed to list non-terminal orders: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("expected 1 non-terminal order, got %d", len(open))
	}

	if err := database.RecordExitFill(ctx, "ord-1", 80.0, "max_loss", time.Now()); err != nil {
		t.Fatalf("Failed to record exit fill: %v", err)
	}
	got, _ = database.GetOrderRecord(ctx, "ord-1")
	if got.State != StateClosed || got.ExitReason != "max_loss" {
		t.Errorf("expected closed via max_loss, got %s via %q", got.State, got.ExitReason)
	}

	open, _ = database.ListNonTerminalOrders(ctx)
	if len(open) != 0 {
		t.Errorf("expected 0 non-terminal orders after close, got %d", len(open))
	}
}

func TestRiskEventRoundTrip(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	ev := RiskEvent{
		ID:         "evt-1",
		StrategyID: "strat-1",
		EventType:  "trailing_sl",
		Threshold:  -500,
		Observed:   -612.5,
		Action:     "exit_all",
		OrderIDs:   []string{"ord-1", "ord-2"},
		Note:       "stop 500.00 breached",
		CreatedAt:  time.Now(),
	}
	if err := database.AppendRiskEvent(ctx, ev); err != nil {
		t.Fatalf("Failed to append risk event: %v", err)
	}

	events, err := database.ListRecentRiskEvents(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list risk events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0].OrderIDs) != 2 || events[0].OrderIDs[0] != "ord-1" {
		t.Errorf("order ids not preserved: %v", events[0].OrderIDs)
	}
}

func TestStrategyLatches(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	s := Strategy{
		ID: "strat-1", Name: "iron-condor", RiskEnabled: true,
		MaxLoss: 2000, MaxProfit: 3000,
		TrailingValue: 30, TrailingType: "percentage", TrailFactor: 1,
		SupertrendPeriod: 10, SupertrendMultiplier: 3, SupertrendInterval: "1m",
		QuoteMode: "price-only", IsActive: true,
	}
	if err := database.UpsertStrategy(ctx, s); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}

	if err := database.MarkRiskTriggered(ctx, "strat-1", "max_loss", "max loss 2000.00 hit", time.Now()); err != nil {
		t.Fatalf("Failed to mark triggered: %v", err)
	}
	got, err := database.GetStrategy(ctx, "strat-1")
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if !got.MaxLossTriggeredAt.Valid {
		t.Error("expected max_loss latch set")
	}
	if got.MaxProfitTriggeredAt.Valid {
		t.Error("max_profit latch should stay clear")
	}

	// Re-upsert must not wipe the latch.
	if err := database.UpsertStrategy(ctx, s); err != nil {
		t.Fatalf("Failed to re-upsert strategy: %v", err)
	}
	got, _ = database.GetStrategy(ctx, "strat-1")
	if !got.MaxLossTriggeredAt.Valid {
		t.Error("latch lost on re-upsert")
	}

	t.Run("unknown event type", func(t *testing.T) {
		if err := database.MarkRiskTriggered(ctx, "strat-1", "bogus", "", time.Now()); err == nil {
			t.Error("expected error for unknown event type")
		}
	})
}

func TestRiskStateUpsert(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	st := RiskState{StrategyID: "strat-1", PeakPnL: 100, InitialStop: -1000, CurrentStop: -900, Active: true}
	if err := database.UpsertRiskState(ctx, st); err != nil {
		t.Fatalf("Failed to upsert risk state: %v", err)
	}

	st.PeakPnL = 500
	st.CurrentStop = -500
	if err := database.UpsertRiskState(ctx, st); err != nil {
		t.Fatalf("Failed to update risk state: %v", err)
	}

	got, err := database.GetRiskState(ctx, "strat-1")
	if err != nil {
		t.Fatalf("Failed to get risk state: %v", err)
	}
	if got.PeakPnL != 500 || got.CurrentStop != -500 {
		t.Errorf("unexpected state: peak=%v stop=%v", got.PeakPnL, got.CurrentStop)
	}

	if _, err := database.GetRiskState(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCalendarQueries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	sessions := []TradingSession{
		{DayOfWeek: 1, OpenTime: "09:15", CloseTime: "15:30", IsActive: true},
		{DayOfWeek: 2, OpenTime: "09:15", CloseTime: "15:30", IsActive: true},
	}
	if err := database.ReplaceTradingSessions(ctx, sessions); err != nil {
		t.Fatalf("Failed to replace sessions: %v", err)
	}
	// Replace is a full swap, not an append.
	if err := database.ReplaceTradingSessions(ctx, sessions); err != nil {
		t.Fatalf("Failed to re-replace sessions: %v", err)
	}
	got, err := database.ListTradingSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(got))
	}

	if err := database.UpsertHoliday(ctx, MarketHoliday{Day: "2026-01-26", Description: "Republic Day"}); err != nil {
		t.Fatalf("Failed to upsert holiday: %v", err)
	}
	if err := database.UpsertSpecialSession(ctx, SpecialSession{Day: "2026-11-09", OpenTime: "18:00", CloseTime: "19:15", Description: "Muhurat"}); err != nil {
		t.Fatalf("Failed to upsert special session: %v", err)
	}

	holidays, _ := database.ListHolidays(ctx)
	if len(holidays) != 1 {
		t.Errorf("expected 1 holiday, got %d", len(holidays))
	}
	specials, _ := database.ListSpecialSessions(ctx)
	if len(specials) != 1 {
		t.Errorf("expected 1 special session, got %d", len(specials))
	}
}

func TestAPIKeySealedAtRest(t *testing.T) {
	masterKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", masterKey)

	database := newTestDB(t)
	ctx := context.Background()

	acct := Account{ID: "acct-1", Name: "main", HostURL: "https://a", WSURL: "wss://a",
		APIKey: "super-secret-key", Role: RolePrimary, Health: HealthConnected, IsActive: true}
	if err := database.UpsertAccount(ctx, acct); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	var raw string
	if err := database.DB.QueryRowContext(ctx,
		`SELECT api_key FROM accounts WHERE id = ?`, "acct-1").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !crypto.IsSealed(raw) {
		t.Fatalf("api_key stored in plaintext: %q", raw)
	}

	got, err := database.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.APIKey != "super-secret-key" {
		t.Errorf("GetAccount api key = %q, want plaintext back", got.APIKey)
	}

	list, err := database.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(list) != 1 || list[0].APIKey != "super-secret-key" {
		t.Errorf("ListAccounts did not unseal the api key: %+v", list)
	}
}
