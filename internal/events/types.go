package events

import "time"

// Event enumerates high-level topics inside the monitor.
type Event string

const (
	EventPriceTick       Event = "price_tick"
	EventOrderTransition Event = "order.transition"
	EventRiskAlert       Event = "risk.alert"
	EventConnState       Event = "connection.state"
	EventAccountPromoted Event = "account.promoted"
	EventWindowChange    Event = "window.change"
)

// Tick is one price update from the stream.
type Tick struct {
	Symbol    string
	Venue     string
	LTP       float64
	Timestamp time.Time
}

// Key returns the instrument cache key.
func (t Tick) Key() string { return t.Symbol + ":" + t.Venue }

// OrderTransition announces a state change on a tracked order.
type OrderTransition struct {
	OrderID    string
	StrategyID string
	Symbol     string
	Venue      string
	From       string
	To         string
	Detail     string
	At         time.Time
}

// RiskAlert announces a risk breach or tracker failure.
type RiskAlert struct {
	StrategyID string
	EventType  string
	Threshold  float64
	Observed   float64
	Action     string
	Note       string
	At         time.Time
}

// ConnState announces a stream health change.
type ConnState struct {
	AccountID string
	State     string
	Detail    string
	At        time.Time
}

// AccountPromoted announces a failover to a backup account.
type AccountPromoted struct {
	FromAccountID string
	ToAccountID   string
	Reason        string
	At            time.Time
}

// WindowChange announces a trading window open/close transition.
type WindowChange struct {
	Open   bool
	Reason string
	At     time.Time
}
