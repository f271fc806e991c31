package engine

import (
	"time"

	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/position"
	"github.com/rustyeddy/papertrade/risk"
)

// PositionView is one open position valued at its last known price.
type PositionView struct {
	Position     position.Position
	UnrealizedPL float64
}

// Snapshot is the read-only view exposed to the dashboard/reporting layer.
// Building it takes no external calls: unrealized P&L uses last known prices.
type Snapshot struct {
	Time         time.Time
	Open         []PositionView
	Buckets      []risk.BucketSnapshot
	RecentCloses []journal.CloseRecord
	Skips        map[Job]int64
	OpensHalted  bool
}

func (e *Engine) Snapshot() Snapshot {
	open := e.positions.OpenPositions()
	views := make([]PositionView, 0, len(open))
	for _, p := range open {
		views = append(views, PositionView{
			Position:     p,
			UnrealizedPL: p.UnrealizedPL(p.LastPrice),
		})
	}

	e.mu.Lock()
	closes := make([]journal.CloseRecord, len(e.recentCloses))
	copy(closes, e.recentCloses)
	e.mu.Unlock()

	return Snapshot{
		Time:         e.opts.Now(),
		Open:         views,
		Buckets:      e.risk.Utilization(),
		RecentCloses: closes,
		Skips:        e.coord.SkipCounts(),
		OpensHalted:  e.risk.Halted(),
	}
}
