package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/papertrade/position"
)

// SQLiteStore persists positions in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreatePosition(ctx context.Context, p position.Position) error {
	exits, err := json.Marshal(p.Exits)
	if err != nil {
		return fmt.Errorf("marshal exit rules: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions
		(id, strategy, wallet, chain, token_address, token_symbol,
		 entry_price, entry_notional, allocated, units, remaining_frac,
		 tiers_taken, realized_so_far, peak_price, trail_armed, last_price,
		 status, opened_at, closed_at, close_reason, realized_pl, exits)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Strategy, p.Wallet, p.Token.Chain, p.Token.Address, p.Token.Symbol,
		p.EntryPrice, p.EntryNotional, p.Allocated.String(), p.Units, p.RemainingFrac,
		p.TiersTaken, p.RealizedSoFar, p.PeakPrice, p.TrailArmed, p.LastPrice,
		p.Status.String(), p.OpenedAt, nullTime(p.ClosedAt), string(p.CloseReason),
		nullFloat(p.RealizedPL), string(exits),
	)
	return err
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p position.Position) error {
	exits, err := json.Marshal(p.Exits)
	if err != nil {
		return fmt.Errorf("marshal exit rules: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			remaining_frac = ?, tiers_taken = ?, realized_so_far = ?,
			peak_price = ?, trail_armed = ?, last_price = ?,
			status = ?, closed_at = ?, close_reason = ?, realized_pl = ?, exits = ?
		WHERE id = ?`,
		p.RemainingFrac, p.TiersTaken, p.RealizedSoFar,
		p.PeakPrice, p.TrailArmed, p.LastPrice,
		p.Status.String(), nullTime(p.ClosedAt), string(p.CloseReason),
		nullFloat(p.RealizedPL), string(exits),
		p.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update position %s: not found", p.ID)
	}
	return nil
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]position.Position, error) {
	return s.list(ctx, `SELECT `+columns+` FROM positions WHERE status = 'open' ORDER BY id`)
}

func (s *SQLiteStore) ListClosedSince(ctx context.Context, since time.Time) ([]position.Position, error) {
	return s.list(ctx, `SELECT `+columns+` FROM positions WHERE status = 'closed' AND closed_at >= ? ORDER BY id`, since)
}

const columns = `id, strategy, wallet, chain, token_address, token_symbol,
	entry_price, entry_notional, allocated, units, remaining_frac,
	tiers_taken, realized_so_far, peak_price, trail_armed, last_price,
	status, opened_at, closed_at, close_reason, realized_pl, exits`

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]position.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (position.Position, error) {
	var (
		p         position.Position
		allocated string
		status    string
		reason    string
		closedAt  sql.NullTime
		realized  sql.NullFloat64
		exits     string
	)
	err := rows.Scan(
		&p.ID, &p.Strategy, &p.Wallet, &p.Token.Chain, &p.Token.Address, &p.Token.Symbol,
		&p.EntryPrice, &p.EntryNotional, &allocated, &p.Units, &p.RemainingFrac,
		&p.TiersTaken, &p.RealizedSoFar, &p.PeakPrice, &p.TrailArmed, &p.LastPrice,
		&status, &p.OpenedAt, &closedAt, &reason, &realized, &exits,
	)
	if err != nil {
		return position.Position{}, err
	}

	if p.Allocated, err = decimal.NewFromString(allocated); err != nil {
		return position.Position{}, fmt.Errorf("position %s: bad allocated %q: %w", p.ID, allocated, err)
	}
	if p.Status, err = position.ParseStatus(status); err != nil {
		return position.Position{}, fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.CloseReason = position.CloseReason(reason)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if realized.Valid {
		v := realized.Float64
		p.RealizedPL = &v
	}
	if err := json.Unmarshal([]byte(exits), &p.Exits); err != nil {
		return position.Position{}, fmt.Errorf("position %s: bad exit rules: %w", p.ID, err)
	}
	return p, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
