package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    host_url TEXT NOT NULL,
    ws_url TEXT NOT NULL,
    api_key TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'backup',
    priority INTEGER NOT NULL DEFAULT 0,
    health TEXT NOT NULL DEFAULT 'disconnected',
    last_connected DATETIME,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    risk_enabled BOOLEAN DEFAULT 1,
    max_loss REAL DEFAULT 0,
    max_profit REAL DEFAULT 0,
    trailing_value REAL DEFAULT 0,
    trailing_type TEXT DEFAULT 'points',
    trail_factor REAL DEFAULT 1,
    supertrend_period INTEGER DEFAULT 10,
    supertrend_multiplier REAL DEFAULT 3,
    supertrend_interval TEXT DEFAULT '1m',
    supertrend_enabled BOOLEAN DEFAULT 0,
    quote_mode TEXT DEFAULT 'price-only',
    exit_in_flight BOOLEAN DEFAULT 0,
    exit_reason TEXT DEFAULT '',
    max_loss_triggered_at DATETIME,
    max_profit_triggered_at DATETIME,
    trailing_triggered_at DATETIME,
    supertrend_triggered_at DATETIME,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS order_records (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    leg_id TEXT NOT NULL DEFAULT '',
    account_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    venue TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    state TEXT NOT NULL DEFAULT 'placed',
    broker_order_id TEXT DEFAULT '',
    exit_order_id TEXT DEFAULT '',
    entry_price REAL DEFAULT 0,
    entry_time DATETIME,
    exit_price REAL DEFAULT 0,
    exit_time DATETIME,
    last_price REAL DEFAULT 0,
    exit_reason TEXT DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(strategy_id) REFERENCES strategies(id)
);

CREATE TABLE IF NOT EXISTS risk_states (
    strategy_id TEXT PRIMARY KEY,
    peak_pnl REAL DEFAULT 0,
    initial_pnl REAL DEFAULT 0,
    initial_stop REAL DEFAULT 0,
    current_stop REAL DEFAULT 0,
    active BOOLEAN DEFAULT 0,
    triggered_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(strategy_id) REFERENCES strategies(id)
);

CREATE TABLE IF NOT EXISTS risk_events (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    threshold REAL DEFAULT 0,
    observed REAL DEFAULT 0,
    action TEXT NOT NULL,
    order_ids TEXT DEFAULT '[]',
    note TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT DEFAULT '',
    event TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trading_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_of_week INTEGER NOT NULL,
    open_time TEXT NOT NULL,
    close_time TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1
);

CREATE TABLE IF NOT EXISTS market_holidays (
    day TEXT PRIMARY KEY,
    description TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS special_sessions (
    day TEXT PRIMARY KEY,
    open_time TEXT NOT NULL,
    close_time TEXT NOT NULL,
    description TEXT DEFAULT ''
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "order_records", "exit_reason", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "order_records", "leg_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategies", "trail_factor", "REAL DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategies", "quote_mode", "TEXT DEFAULT 'price-only'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategies", "supertrend_enabled", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "priority", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "risk_states", "initial_pnl", "REAL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
