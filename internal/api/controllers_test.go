package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"riskwatch/internal/events"
	"riskwatch/internal/monitor"
	"riskwatch/internal/risk"
	"riskwatch/pkg/db"
)

type fakeRisk struct {
	mu     sync.Mutex
	paused bool
	snap   []risk.StrategyStatus
}

func (f *fakeRisk) Snapshot() []risk.StrategyStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRisk) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeRisk) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeRisk) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeStream struct{}

func (fakeStream) Health() string { return "connected" }
func (fakeStream) CurrentAccount() (db.Account, bool) {
	return db.Account{ID: "p1", Name: "primary", Role: db.RolePrimary}, true
}

type fakeSubs struct{}

func (fakeSubs) Count() int           { return 2 }
func (fakeSubs) ActiveKeys() []string { return []string{"A:NFO", "B:NFO"} }

type fakeWindow struct{}

func (fakeWindow) WindowOpen() bool { return true }

type apiFixture struct {
	server *httptest.Server
	store  *db.Database
	risk   *fakeRisk
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("watchtower"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	fr := &fakeRisk{snap: []risk.StrategyStatus{{StrategyID: "s1", Name: "straddle", OpenLegs: 2}}}
	server := NewServer(Config{
		DB:               database,
		Risk:             fr,
		Stream:           fakeStream{},
		Subscriptions:    fakeSubs{},
		Window:           fakeWindow{},
		Metrics:          monitor.NewSystemMetrics(),
		Bus:              events.NewBus(),
		JWTSecret:        "test-secret",
		OperatorUser:     "operator",
		OperatorPassHash: string(hash),
		RateLimit:        1000,
		RateBurst:        1000,
		Version:          "test",
	})

	ts := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		ts.Close()
		database.Close()
	})
	return &apiFixture{server: ts, store: database, risk: fr}
}

func (f *apiFixture) doJSON(t *testing.T, method, path, token string, payload, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("Failed to encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("Failed to perform request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (f *apiFixture) login(t *testing.T) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := f.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "operator",
		"password": "watchtower",
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login failed: status=%d token=%q", status, resp.Token)
	}
	return resp.Token
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	var resp struct {
		Status string `json:"status"`
	}
	if status := f.doJSON(t, http.MethodGet, "/health", "", nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp.Status != "ok" {
		t.Errorf("unexpected body %+v", resp)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	var resp struct {
		Code string `json:"code"`
	}
	status := f.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "operator",
		"password": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if resp.Code != "INVALID_CREDENTIALS" {
		t.Errorf("unexpected code %s", resp.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	if status := f.doJSON(t, http.MethodGet, "/api/strategies", "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}

	token := f.login(t)
	var resp struct {
		Strategies []risk.StrategyStatus `json:"strategies"`
	}
	if status := f.doJSON(t, http.MethodGet, "/api/strategies", token, nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200 with a token, got %d", status)
	}
	if len(resp.Strategies) != 1 || resp.Strategies[0].StrategyID != "s1" {
		t.Errorf("unexpected strategies %+v", resp.Strategies)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	var resp struct {
		WindowOpen    bool     `json:"window_open"`
		StreamHealth  string   `json:"stream_health"`
		Subscriptions int      `json:"subscriptions"`
		Instruments   []string `json:"instruments"`
		Account       struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"account"`
	}
	if status := f.doJSON(t, http.MethodGet, "/api/status", "", nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !resp.WindowOpen || resp.StreamHealth != "connected" || resp.Subscriptions != 2 {
		t.Errorf("unexpected status %+v", resp)
	}
	if resp.Account.ID != "p1" || resp.Account.Role != db.RolePrimary {
		t.Errorf("unexpected account %+v", resp.Account)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	if status := f.doJSON(t, http.MethodPost, "/api/risk/pause", token, nil, nil); status != http.StatusOK {
		t.Fatalf("pause failed: %d", status)
	}
	if !f.risk.Paused() {
		t.Error("expected paused after pause call")
	}
	if status := f.doJSON(t, http.MethodPost, "/api/risk/resume", token, nil, nil); status != http.StatusOK {
		t.Fatalf("resume failed: %d", status)
	}
	if f.risk.Paused() {
		t.Error("expected running after resume call")
	}
}

func TestOrdersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for _, id := range []string{"o1", "o2", "o3"} {
		err := f.store.CreateOrderRecord(ctx, db.OrderRecord{
			ID: id, StrategyID: "s1", AccountID: "a1",
			Symbol: "SYM", Venue: "NFO", Side: "SELL", Qty: 1,
		})
		if err != nil {
			t.Fatalf("Failed to seed order: %v", err)
		}
	}

	token := f.login(t)
	var resp struct {
		Orders []db.OrderRecord `json:"orders"`
	}
	if status := f.doJSON(t, http.MethodGet, "/api/orders?limit=2", token, nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(resp.Orders) != 2 {
		t.Errorf("expected limit to apply, got %d orders", len(resp.Orders))
	}
}

func TestRiskEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	err := f.store.AppendRiskEvent(ctx, db.RiskEvent{
		ID: "e1", StrategyID: "s1", EventType: "max_loss",
		Threshold: 1000, Observed: 1200, Action: "exit_all",
		OrderIDs: []string{"o1"}, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to seed event: %v", err)
	}

	token := f.login(t)
	var resp struct {
		Events []db.RiskEvent `json:"events"`
	}
	if status := f.doJSON(t, http.MethodGet, "/api/risk/events", token, nil, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(resp.Events) != 1 || resp.Events[0].EventType != "max_loss" {
		t.Errorf("unexpected events %+v", resp.Events)
	}
}
