// store/schema.go
package store

const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	strategy TEXT NOT NULL,
	wallet TEXT NOT NULL,
	chain TEXT NOT NULL,
	token_address TEXT NOT NULL,
	token_symbol TEXT NOT NULL,
	entry_price REAL NOT NULL,
	entry_notional REAL NOT NULL,
	allocated TEXT NOT NULL,
	units REAL NOT NULL,
	remaining_frac REAL NOT NULL,
	tiers_taken INTEGER NOT NULL,
	realized_so_far REAL NOT NULL,
	peak_price REAL NOT NULL,
	trail_armed INTEGER NOT NULL,
	last_price REAL NOT NULL,
	status TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	closed_at DATETIME,
	close_reason TEXT NOT NULL,
	realized_pl REAL,
	exits TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions(closed_at);
`
