package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordSignal(r SignalRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO signals
		(time, wallet, token, direction, outcome, reason, strategy, confidence, position_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Time, r.Wallet, r.Token, r.Direction, r.Outcome, r.Reason, r.Strategy, r.Confidence, r.PositionID,
	)
	return err
}

func (j *SQLiteJournal) RecordAuth(r AuthRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO authorizations
		(time, strategy, token, requested, granted, allowed, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Time, r.Strategy, r.Token, r.Requested, r.Granted, r.Allowed, r.Reason,
	)
	return err
}

func (j *SQLiteJournal) RecordClose(r CloseRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO closes
		(time, position_id, strategy, wallet, token, reason, partial, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Time, r.PositionID, r.Strategy, r.Wallet, r.Token, r.Reason, r.Partial, r.RealizedPL,
	)
	return err
}

func (j *SQLiteJournal) RecordSkip(r SkipRecord) error {
	_, err := j.db.Exec(`INSERT INTO skips (time, job) VALUES (?, ?)`, r.Time, r.Job)
	return err
}

// RecentCloses returns the newest close records, newest first.
func (j *SQLiteJournal) RecentCloses(limit int) ([]CloseRecord, error) {
	rows, err := j.db.Query(`
		SELECT time, position_id, strategy, wallet, token, reason, partial, realized_pl
		FROM closes ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CloseRecord
	for rows.Next() {
		var r CloseRecord
		if err := rows.Scan(&r.Time, &r.PositionID, &r.Strategy, &r.Wallet, &r.Token, &r.Reason, &r.Partial, &r.RealizedPL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentDenials returns the newest denied authorizations, newest first.
func (j *SQLiteJournal) RecentDenials(limit int) ([]AuthRecord, error) {
	rows, err := j.db.Query(`
		SELECT time, strategy, token, requested, granted, allowed, reason
		FROM authorizations WHERE allowed = 0 ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuthRecord
	for rows.Next() {
		var r AuthRecord
		if err := rows.Scan(&r.Time, &r.Strategy, &r.Token, &r.Requested, &r.Granted, &r.Allowed, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SkipCount returns how many times the given job type was skipped.
func (j *SQLiteJournal) SkipCount(job string) (int64, error) {
	var n int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM skips WHERE job = ?`, job).Scan(&n)
	return n, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
