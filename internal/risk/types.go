package risk

import (
	"context"
	"time"

	"riskwatch/pkg/db"
)

// Risk event types, in evaluation priority order.
const (
	EventMaxLoss    = "max_loss"
	EventMaxProfit  = "max_profit"
	EventTrailingSL = "trailing_sl"
	EventSupertrend = "supertrend"
)

// Risk event actions.
const (
	ActionExitAll        = "exit_all"
	ActionCloseRemaining = "close_remaining"
)

// Trailing stop sizing types.
const (
	TrailingPercentage = "percentage"
	TrailingPoints     = "points"
	TrailingAmount     = "amount"
)

// ExitPlacer places closing orders for open legs. The REST transport behind
// it is supplied by the caller; the returned map carries the broker exit
// order id per record id.
type ExitPlacer interface {
	PlaceExit(ctx context.Context, legs []db.OrderRecord, reason string) (map[string]string, error)
}

// Config holds evaluation tuning.
type Config struct {
	// ExitTimeout bounds one exit placement call.
	ExitTimeout time.Duration
	// RetryInterval spaces close_remaining re-attempts.
	RetryInterval time.Duration
}

// StrategyStatus is a point-in-time view for the status API.
type StrategyStatus struct {
	StrategyID   string  `json:"strategy_id"`
	Name         string  `json:"name"`
	OpenLegs     int     `json:"open_legs"`
	PnL          float64 `json:"pnl"`
	PnLValid     bool    `json:"pnl_valid"`
	TrailActive  bool    `json:"trail_active"`
	PeakPnL      float64 `json:"peak_pnl"`
	CurrentStop  float64 `json:"current_stop"`
	ExitInFlight bool    `json:"exit_in_flight"`
}
