package db

import (
	"database/sql"
	"time"
)

// Account roles.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// Account health marks, set by the prober and the stream manager.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
)

// Order record states. Entry orders move placed -> open | rejected | cancelled;
// open positions move open -> closed | error.
const (
	StatePlaced    = "placed"
	StateOpen      = "open"
	StateClosed    = "closed"
	StateRejected  = "rejected"
	StateCancelled = "cancelled"
	StateError     = "error"
)

// IsTerminalState reports whether no further transitions are allowed.
func IsTerminalState(state string) bool {
	switch state {
	case StateClosed, StateRejected, StateCancelled, StateError:
		return true
	}
	return false
}

// HoldsSubscription reports whether a record in this state pins a market
// data subscription for its symbol.
func HoldsSubscription(state string) bool {
	return state == StatePlaced || state == StateOpen
}

// Account is a broker account reachable over one authenticated stream.
type Account struct {
	ID            string
	Name          string
	HostURL       string
	WSURL         string
	APIKey        string
	Role          string
	Priority      int
	Health        string
	LastConnected sql.NullTime
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Strategy carries the risk thresholds for one basket of legs.
type Strategy struct {
	ID                   string
	Name                 string
	RiskEnabled          bool
	MaxLoss              float64
	MaxProfit            float64
	TrailingValue        float64
	TrailingType         string
	TrailFactor          float64
	SupertrendPeriod     int
	SupertrendMultiplier float64
	SupertrendInterval   string
	SupertrendEnabled    bool
	QuoteMode            string
	ExitInFlight         bool
	ExitReason           string
	MaxLossTriggeredAt   sql.NullTime
	MaxProfitTriggeredAt sql.NullTime
	TrailingTriggeredAt  sql.NullTime
	SupertrendTrigAt     sql.NullTime
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OrderRecord is one tracked leg of a strategy.
type OrderRecord struct {
	ID            string
	StrategyID    string
	LegID         string
	AccountID     string
	Symbol        string
	Venue         string
	Side          string
	Qty           float64
	State         string
	BrokerOrderID string
	ExitOrderID   string
	EntryPrice    float64
	EntryTime     sql.NullTime
	ExitPrice     float64
	ExitTime      sql.NullTime
	LastPrice     float64
	ExitReason    string
	UpdatedAt     time.Time
}

// RiskState is the persisted trailing-stop state for a strategy.
type RiskState struct {
	StrategyID  string
	PeakPnL     float64
	InitialPnL  float64
	InitialStop float64
	CurrentStop float64
	Active      bool
	TriggeredAt sql.NullTime
	UpdatedAt   time.Time
}

// RiskEvent is one append-only audit row for a risk decision.
type RiskEvent struct {
	ID         string
	StrategyID string
	EventType  string
	Threshold  float64
	Observed   float64
	Action     string
	OrderIDs   []string
	Note       string
	CreatedAt  time.Time
}

// ActivityEntry records connection attempts, promotions and probe transitions.
type ActivityEntry struct {
	ID        int64
	AccountID string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// TradingSession is one weekly open window, day_of_week 0=Sunday.
type TradingSession struct {
	ID        int64
	DayOfWeek int
	OpenTime  string
	CloseTime string
	IsActive  bool
}

// MarketHoliday marks a full-day close, day formatted YYYY-MM-DD.
type MarketHoliday struct {
	Day         string
	Description string
}

// SpecialSession overrides the weekly schedule for a single day.
type SpecialSession struct {
	Day         string
	OpenTime    string
	CloseTime   string
	Description string
}
