package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"riskwatch/internal/tracker"
	"riskwatch/pkg/db"
)

type fakeBroker struct {
	mu       sync.Mutex
	statuses map[string]map[string]any
	orders   []map[string]any
	keysSeen []string
	failPing bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{statuses: make(map[string]map[string]any)}
}

func (b *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		if b.failPing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.orders = append(b.orders, body)
		n := len(b.orders)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"order_id": fmt.Sprintf("X-%d", n)})
	})
	mux.HandleFunc("/api/v1/orders/", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
		b.mu.Lock()
		resp, ok := b.statuses[id]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func (b *fakeBroker) record(r *http.Request) {
	b.mu.Lock()
	b.keysSeen = append(b.keysSeen, r.Header.Get("X-API-Key"))
	b.mu.Unlock()
}

func newBrokerFixture(t *testing.T) (*Client, *fakeBroker, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	fb := newFakeBroker()
	ts := httptest.NewServer(fb.handler())
	t.Cleanup(ts.Close)

	err = database.UpsertAccount(context.Background(), db.Account{
		ID: "a1", Name: "acct", HostURL: ts.URL, WSURL: "wss://x",
		APIKey: "key-a1", Role: db.RolePrimary, Health: db.HealthConnected, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}

	return NewClient(database), fb, database
}

func TestOrderStatusMapsBrokerVocabulary(t *testing.T) {
	client, fb, _ := newBrokerFixture(t)
	ctx := context.Background()

	cases := []struct {
		broker string
		want   string
	}{
		{"OPEN", tracker.BrokerPending},
		{"TRIGGER PENDING", tracker.BrokerPending},
		{"COMPLETE", tracker.BrokerComplete},
		{"REJECTED", tracker.BrokerRejected},
		{"CANCELLED", tracker.BrokerCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.broker, func(t *testing.T) {
			fb.mu.Lock()
			fb.statuses["b-1"] = map[string]any{"status": tc.broker, "avg_price": 101.5, "filled_qty": 50}
			fb.mu.Unlock()

			st, err := client.OrderStatus(ctx, "a1", "b-1")
			if err != nil {
				t.Fatalf("Failed to poll status: %v", err)
			}
			if st.Status != tc.want {
				t.Errorf("status %q mapped to %q, want %q", tc.broker, st.Status, tc.want)
			}
			if st.AvgPrice != 101.5 || st.FilledQty != 50 {
				t.Errorf("unexpected fill fields %+v", st)
			}
		})
	}
}

func TestOrderStatusSendsAPIKey(t *testing.T) {
	client, fb, _ := newBrokerFixture(t)
	fb.statuses["b-1"] = map[string]any{"status": "COMPLETE"}

	if _, err := client.OrderStatus(context.Background(), "a1", "b-1"); err != nil {
		t.Fatalf("Failed to poll status: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.keysSeen) == 0 || fb.keysSeen[0] != "key-a1" {
		t.Errorf("expected api key on request, saw %v", fb.keysSeen)
	}
}

func TestPlaceExitFlipsSide(t *testing.T) {
	client, fb, _ := newBrokerFixture(t)
	legs := []db.OrderRecord{
		{ID: "o1", AccountID: "a1", Symbol: "SYM", Venue: "NFO", Side: "SELL", Qty: 50},
		{ID: "o2", AccountID: "a1", Symbol: "SYM2", Venue: "NFO", Side: "BUY", Qty: 25},
	}
	placed, err := client.PlaceExit(context.Background(), legs, "max_loss")
	if err != nil {
		t.Fatalf("Failed to place exits: %v", err)
	}
	if len(placed) != 2 || placed["o1"] == "" || placed["o2"] == "" {
		t.Fatalf("expected exit ids for both legs, got %v", placed)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(fb.orders))
	}
	if fb.orders[0]["side"] != "BUY" || fb.orders[1]["side"] != "SELL" {
		t.Errorf("expected flipped sides, got %v / %v", fb.orders[0]["side"], fb.orders[1]["side"])
	}
	if fb.orders[0]["tag"] != "max_loss" {
		t.Errorf("expected exit reason tag, got %v", fb.orders[0]["tag"])
	}
}

func TestPlaceExitUnknownAccount(t *testing.T) {
	client, _, _ := newBrokerFixture(t)
	legs := []db.OrderRecord{{ID: "o1", AccountID: "ghost", Symbol: "SYM", Side: "SELL", Qty: 1}}
	if _, err := client.PlaceExit(context.Background(), legs, "max_loss"); err == nil {
		t.Fatal("expected an error for an unknown account")
	}
}

func TestPingReportsFailure(t *testing.T) {
	client, fb, store := newBrokerFixture(t)
	acct, err := store.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Failed to load account: %v", err)
	}

	if err := client.Ping(context.Background(), *acct); err != nil {
		t.Fatalf("expected healthy ping, got %v", err)
	}
	fb.failPing = true
	if err := client.Ping(context.Background(), *acct); err == nil {
		t.Fatal("expected ping failure")
	}
}
