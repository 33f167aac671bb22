package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Account queries
// ----------------------------------------

// UpsertAccount creates or replaces an account row. The API key is
// sealed before it touches disk when a master key is configured.
func (d *Database) UpsertAccount(ctx context.Context, a Account) error {
	apiKey, err := d.sealAPIKey(a.APIKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, name, host_url, ws_url, api_key, role, priority, health, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host_url = excluded.host_url,
			ws_url = excluded.ws_url,
			api_key = excluded.api_key,
			role = excluded.role,
			priority = excluded.priority,
			health = excluded.health,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Name, a.HostURL, a.WSURL, apiKey, a.Role, a.Priority, a.Health, a.IsActive)
	return err
}

// ListAccounts returns all active accounts ordered by priority.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, host_url, ws_url, api_key, role, priority, health, last_connected, is_active, created_at, updated_at
		FROM accounts WHERE is_active = 1
		ORDER BY priority ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.HostURL, &a.WSURL, &a.APIKey, &a.Role, &a.Priority,
			&a.Health, &a.LastConnected, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if a.APIKey, err = d.openAPIKey(a.APIKey); err != nil {
			return nil, fmt.Errorf("account %s: %w", a.ID, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetAccount fetches one account by id, active or not.
func (d *Database) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, name, host_url, ws_url, api_key, role, priority, health, last_connected, is_active, created_at, updated_at
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.HostURL, &a.WSURL, &a.APIKey, &a.Role, &a.Priority,
			&a.Health, &a.LastConnected, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if a.APIKey, err = d.openAPIKey(a.APIKey); err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	return &a, nil
}

// SetAccountHealth updates the health mark, stamping last_connected on recovery.
func (d *Database) SetAccountHealth(ctx context.Context, id, health string) error {
	if health == HealthConnected {
		_, err := d.DB.ExecContext(ctx, `
			UPDATE accounts SET health = ?, last_connected = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, health, id)
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET health = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, health, id)
	return err
}

// PromoteAccount makes id the sole primary in one transaction.
func (d *Database) PromoteAccount(ctx context.Context, id string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE role = ?`,
		RoleBackup, RolePrimary); err != nil {
		return fmt.Errorf("demote primary: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		RolePrimary, id)
	if err != nil {
		return fmt.Errorf("promote account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ----------------------------------------
// Strategy queries
// ----------------------------------------

// UpsertStrategy creates or replaces a strategy row, preserving latches.
func (d *Database) UpsertStrategy(ctx context.Context, s Strategy) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (
			id, name, risk_enabled, max_loss, max_profit, trailing_value, trailing_type, trail_factor,
			supertrend_period, supertrend_multiplier, supertrend_interval, supertrend_enabled,
			quote_mode, is_active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			risk_enabled = excluded.risk_enabled,
			max_loss = excluded.max_loss,
			max_profit = excluded.max_profit,
			trailing_value = excluded.trailing_value,
			trailing_type = excluded.trailing_type,
			trail_factor = excluded.trail_factor,
			supertrend_period = excluded.supertrend_period,
			supertrend_multiplier = excluded.supertrend_multiplier,
			supertrend_interval = excluded.supertrend_interval,
			supertrend_enabled = excluded.supertrend_enabled,
			quote_mode = excluded.quote_mode,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, s.ID, s.Name, s.RiskEnabled, s.MaxLoss, s.MaxProfit, s.TrailingValue, s.TrailingType, s.TrailFactor,
		s.SupertrendPeriod, s.SupertrendMultiplier, s.SupertrendInterval, s.SupertrendEnabled,
		s.QuoteMode, s.IsActive)
	return err
}

// GetStrategy returns one strategy or ErrNotFound.
func (d *Database) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	var s Strategy
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, name, risk_enabled, max_loss, max_profit, trailing_value, trailing_type, trail_factor,
		       supertrend_period, supertrend_multiplier, supertrend_interval, supertrend_enabled,
		       quote_mode, exit_in_flight, exit_reason,
		       max_loss_triggered_at, max_profit_triggered_at, trailing_triggered_at, supertrend_triggered_at,
		       is_active, created_at, updated_at
		FROM strategies WHERE id = ?
	`, id).Scan(&s.ID, &s.Name, &s.RiskEnabled, &s.MaxLoss, &s.MaxProfit, &s.TrailingValue, &s.TrailingType,
		&s.TrailFactor, &s.SupertrendPeriod, &s.SupertrendMultiplier, &s.SupertrendInterval, &s.SupertrendEnabled,
		&s.QuoteMode, &s.ExitInFlight, &s.ExitReason,
		&s.MaxLossTriggeredAt, &s.MaxProfitTriggeredAt, &s.TrailingTriggeredAt, &s.SupertrendTrigAt,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return &s, nil
}

// ListActiveStrategies returns every strategy still subject to monitoring.
func (d *Database) ListActiveStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, risk_enabled, max_loss, max_profit, trailing_value, trailing_type, trail_factor,
		       supertrend_period, supertrend_multiplier, supertrend_interval, supertrend_enabled,
		       quote_mode, exit_in_flight, exit_reason,
		       max_loss_triggered_at, max_profit_triggered_at, trailing_triggered_at, supertrend_triggered_at,
		       is_active, created_at, updated_at
		FROM strategies WHERE is_active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var res []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.Name, &s.RiskEnabled, &s.MaxLoss, &s.MaxProfit, &s.TrailingValue,
			&s.TrailingType, &s.TrailFactor, &s.SupertrendPeriod, &s.SupertrendMultiplier, &s.SupertrendInterval,
			&s.SupertrendEnabled, &s.QuoteMode, &s.ExitInFlight, &s.ExitReason,
			&s.MaxLossTriggeredAt, &s.MaxProfitTriggeredAt, &s.TrailingTriggeredAt, &s.SupertrendTrigAt,
			&s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// latchColumn maps a risk event type to its triggered-at column.
func latchColumn(eventType string) (string, bool) {
	switch eventType {
	case "max_loss":
		return "max_loss_triggered_at", true
	case "max_profit":
		return "max_profit_triggered_at", true
	case "trailing_sl":
		return "trailing_triggered_at", true
	case "supertrend":
		return "supertrend_triggered_at", true
	}
	return "", false
}

// MarkRiskTriggered stamps the latch for eventType and stores the exit reason.
func (d *Database) MarkRiskTriggered(ctx context.Context, strategyID, eventType, reason string, at time.Time) error {
	col, ok := latchColumn(eventType)
	if !ok {
		return fmt.Errorf("unknown risk event type %q", eventType)
	}
	_, err := d.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE strategies SET %s = ?, exit_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, col),
		at, reason, strategyID)
	return err
}

// SetExitInFlight toggles the exit suppression flag.
func (d *Database) SetExitInFlight(ctx context.Context, strategyID string, inFlight bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategies SET exit_in_flight = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		inFlight, strategyID)
	return err
}

// ----------------------------------------
// Order record queries
// ----------------------------------------

// CreateOrderRecord inserts a new tracked leg.
func (d *Database) CreateOrderRecord(ctx context.Context, o OrderRecord) error {
	if o.State == "" {
		o.State = StatePlaced
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_records (
			id, strategy_id, leg_id, account_id, symbol, venue, side, qty, state,
			broker_order_id, entry_price, last_price, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, o.ID, o.StrategyID, o.LegID, o.AccountID, o.Symbol, o.Venue, o.Side, o.Qty, o.State,
		o.BrokerOrderID, o.EntryPrice, o.LastPrice)
	return err
}

// GetOrderRecord returns one record or ErrNotFound.
func (d *Database) GetOrderRecord(ctx context.Context, id string) (*OrderRecord, error) {
	var o OrderRecord
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_id, leg_id, account_id, symbol, venue, side, qty, state,
		       broker_order_id, exit_order_id, entry_price, entry_time, exit_price, exit_time,
		       last_price, exit_reason, updated_at
		FROM order_records WHERE id = ?
	`, id).Scan(&o.ID, &o.StrategyID, &o.LegID, &o.AccountID, &o.Symbol, &o.Venue, &o.Side, &o.Qty, &o.State,
		&o.BrokerOrderID, &o.ExitOrderID, &o.EntryPrice, &o.EntryTime, &o.ExitPrice, &o.ExitTime,
		&o.LastPrice, &o.ExitReason, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order record: %w", err)
	}
	return &o, nil
}

func scanOrderRows(rows *sql.Rows) ([]OrderRecord, error) {
	defer rows.Close()
	var res []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.StrategyID, &o.LegID, &o.AccountID, &o.Symbol, &o.Venue, &o.Side,
			&o.Qty, &o.State, &o.BrokerOrderID, &o.ExitOrderID, &o.EntryPrice, &o.EntryTime,
			&o.ExitPrice, &o.ExitTime, &o.LastPrice, &o.ExitReason, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order record: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

const orderColumns = `id, strategy_id, leg_id, account_id, symbol, venue, side, qty, state,
		broker_order_id, exit_order_id, entry_price, entry_time, exit_price, exit_time,
		last_price, exit_reason, updated_at`

// ListNonTerminalOrders returns records in placed or open state.
func (d *Database) ListNonTerminalOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM order_records
		WHERE state IN (?, ?) ORDER BY updated_at ASC
	`, StatePlaced, StateOpen)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal orders: %w", err)
	}
	return scanOrderRows(rows)
}

// ListOrdersByStrategy returns all legs of a strategy.
func (d *Database) ListOrdersByStrategy(ctx context.Context, strategyID string) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM order_records
		WHERE strategy_id = ? ORDER BY updated_at ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query strategy orders: %w", err)
	}
	return scanOrderRows(rows)
}

// ListOpenOrdersByStrategy returns open legs of a strategy.
func (d *Database) ListOpenOrdersByStrategy(ctx context.Context, strategyID string) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM order_records
		WHERE strategy_id = ? AND state = ? ORDER BY updated_at ASC
	`, strategyID, StateOpen)
	if err != nil {
		return nil, fmt.Errorf("query open strategy orders: %w", err)
	}
	return scanOrderRows(rows)
}

// ListRecentOrders returns the most recently touched records.
func (d *Database) ListRecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM order_records
		ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent orders: %w", err)
	}
	return scanOrderRows(rows)
}

// UpdateOrderState persists a state transition.
func (d *Database) UpdateOrderState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_records SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, state, id)
	return err
}

// RecordEntryFill marks a record open with its fill price.
func (d *Database) RecordEntryFill(ctx context.Context, id string, price float64, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_records
		SET state = ?, entry_price = ?, entry_time = ?, last_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StateOpen, price, at, price, id)
	return err
}

// RecordExitFill closes a record with its exit price and reason.
func (d *Database) RecordExitFill(ctx context.Context, id string, price float64, reason string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_records
		SET state = ?, exit_price = ?, exit_time = ?, exit_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StateClosed, price, at, reason, id)
	return err
}

// SetExitOrder attaches the broker-side exit order id to a leg.
func (d *Database) SetExitOrder(ctx context.Context, id, exitOrderID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_records SET exit_order_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		exitOrderID, id)
	return err
}

// UpdateLastPrice stores the latest observed price for a leg.
func (d *Database) UpdateLastPrice(ctx context.Context, id string, price float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_records SET last_price = ? WHERE id = ?`, price, id)
	return err
}

// ----------------------------------------
// Risk state queries
// ----------------------------------------

// UpsertRiskState stores the trailing-stop state for a strategy.
func (d *Database) UpsertRiskState(ctx context.Context, s RiskState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_states (strategy_id, peak_pnl, initial_pnl, initial_stop, current_stop, active, triggered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id) DO UPDATE SET
			peak_pnl = excluded.peak_pnl,
			initial_pnl = excluded.initial_pnl,
			initial_stop = excluded.initial_stop,
			current_stop = excluded.current_stop,
			active = excluded.active,
			triggered_at = excluded.triggered_at,
			updated_at = CURRENT_TIMESTAMP
	`, s.StrategyID, s.PeakPnL, s.InitialPnL, s.InitialStop, s.CurrentStop, s.Active, s.TriggeredAt)
	return err
}

// GetRiskState returns the trailing state for a strategy or ErrNotFound.
func (d *Database) GetRiskState(ctx context.Context, strategyID string) (*RiskState, error) {
	var s RiskState
	err := d.DB.QueryRowContext(ctx, `
		SELECT strategy_id, peak_pnl, initial_pnl, initial_stop, current_stop, active, triggered_at, updated_at
		FROM risk_states WHERE strategy_id = ?
	`, strategyID).Scan(&s.StrategyID, &s.PeakPnL, &s.InitialPnL, &s.InitialStop, &s.CurrentStop,
		&s.Active, &s.TriggeredAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query risk state: %w", err)
	}
	return &s, nil
}

// ----------------------------------------
// Risk event queries
// ----------------------------------------

// AppendRiskEvent writes one audit row. Rows are never updated.
func (d *Database) AppendRiskEvent(ctx context.Context, e RiskEvent) error {
	ids, err := json.Marshal(e.OrderIDs)
	if err != nil {
		return fmt.Errorf("marshal order ids: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO risk_events (id, strategy_id, event_type, threshold, observed, action, order_ids, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.StrategyID, e.EventType, e.Threshold, e.Observed, e.Action, string(ids), e.Note, e.CreatedAt)
	return err
}

// ListRecentRiskEvents returns the newest events first.
func (d *Database) ListRecentRiskEvents(ctx context.Context, limit int) ([]RiskEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, event_type, threshold, observed, action, order_ids, note, created_at
		FROM risk_events ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()

	var res []RiskEvent
	for rows.Next() {
		var (
			e   RiskEvent
			ids string
		)
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.EventType, &e.Threshold, &e.Observed, &e.Action,
			&ids, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &e.OrderIDs); err != nil {
			return nil, fmt.Errorf("unmarshal order ids: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Activity log queries
// ----------------------------------------

// AppendActivity records a connection/promotion/probe event.
func (d *Database) AppendActivity(ctx context.Context, accountID, event, detail string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO activity_log (account_id, event, detail) VALUES (?, ?, ?)
	`, accountID, event, detail)
	return err
}

// ListRecentActivity returns the newest activity rows first.
func (d *Database) ListRecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, event, detail, created_at
		FROM activity_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var res []ActivityEntry
	for rows.Next() {
		var a ActivityEntry
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Event, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Calendar queries
// ----------------------------------------

// ReplaceTradingSessions swaps the weekly schedule in one transaction.
func (d *Database) ReplaceTradingSessions(ctx context.Context, sessions []TradingSession) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trading_sessions`); err != nil {
		return fmt.Errorf("clear trading sessions: %w", err)
	}
	for _, s := range sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trading_sessions (day_of_week, open_time, close_time, is_active)
			VALUES (?, ?, ?, ?)`, s.DayOfWeek, s.OpenTime, s.CloseTime, s.IsActive); err != nil {
			return fmt.Errorf("insert trading session: %w", err)
		}
	}
	return tx.Commit()
}

// ListTradingSessions returns the weekly schedule.
func (d *Database) ListTradingSessions(ctx context.Context) ([]TradingSession, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, day_of_week, open_time, close_time, is_active
		FROM trading_sessions WHERE is_active = 1
		ORDER BY day_of_week ASC, open_time ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query trading sessions: %w", err)
	}
	defer rows.Close()

	var res []TradingSession
	for rows.Next() {
		var s TradingSession
		if err := rows.Scan(&s.ID, &s.DayOfWeek, &s.OpenTime, &s.CloseTime, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan trading session: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertHoliday stores a full-day market close.
func (d *Database) UpsertHoliday(ctx context.Context, h MarketHoliday) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO market_holidays (day, description) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET description = excluded.description
	`, h.Day, h.Description)
	return err
}

// ListHolidays returns all recorded holidays.
func (d *Database) ListHolidays(ctx context.Context) ([]MarketHoliday, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT day, description FROM market_holidays`)
	if err != nil {
		return nil, fmt.Errorf("query holidays: %w", err)
	}
	defer rows.Close()

	var res []MarketHoliday
	for rows.Next() {
		var h MarketHoliday
		if err := rows.Scan(&h.Day, &h.Description); err != nil {
			return nil, fmt.Errorf("scan holiday: %w", err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// UpsertSpecialSession stores a single-day schedule override.
func (d *Database) UpsertSpecialSession(ctx context.Context, s SpecialSession) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO special_sessions (day, open_time, close_time, description) VALUES (?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			open_time = excluded.open_time,
			close_time = excluded.close_time,
			description = excluded.description
	`, s.Day, s.OpenTime, s.CloseTime, s.Description)
	return err
}

// ListSpecialSessions returns all recorded overrides.
func (d *Database) ListSpecialSessions(ctx context.Context) ([]SpecialSession, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT day, open_time, close_time, description FROM special_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query special sessions: %w", err)
	}
	defer rows.Close()

	var res []SpecialSession
	for rows.Next() {
		var s SpecialSession
		if err := rows.Scan(&s.Day, &s.OpenTime, &s.CloseTime, &s.Description); err != nil {
			return nil, fmt.Errorf("scan special session: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
