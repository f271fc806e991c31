// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS signals (
	time DATETIME NOT NULL,
	wallet TEXT NOT NULL,
	token TEXT NOT NULL,
	direction TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	strategy TEXT NOT NULL,
	confidence REAL NOT NULL,
	position_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS authorizations (
	time DATETIME NOT NULL,
	strategy TEXT NOT NULL,
	token TEXT NOT NULL,
	requested REAL NOT NULL,
	granted REAL NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS closes (
	time DATETIME NOT NULL,
	position_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	wallet TEXT NOT NULL,
	token TEXT NOT NULL,
	reason TEXT NOT NULL,
	partial INTEGER NOT NULL,
	realized_pl REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS skips (
	time DATETIME NOT NULL,
	job TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_time ON signals(time);
CREATE INDEX IF NOT EXISTS idx_closes_time ON closes(time);
CREATE INDEX IF NOT EXISTS idx_skips_job ON skips(job);
`
