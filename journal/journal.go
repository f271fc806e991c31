// Package journal records the engine's auditable events: the terminal outcome
// of every signal, every risk authorization, every position close, and every
// skipped cycle. Every signal and every close produces exactly one terminal
// record; there are no silent drops.
package journal

import "time"

// SignalRecord is the single terminal record for one ingested signal.
// Outcome is "opened", "rejected" (no strategy matched) or "denied" (risk
// manager refused sizing).
type SignalRecord struct {
	Time       time.Time
	Wallet     string
	Token      string
	Direction  string
	Outcome    string
	Reason     string // reject/deny code, empty when opened
	Strategy   string // matched strategy name, never a wallet default label
	Confidence float64
	PositionID string
}

// AuthRecord is emitted by the risk manager for every authorization attempt,
// accepted or denied.
type AuthRecord struct {
	Time      time.Time
	Strategy  string
	Token     string
	Requested float64
	Granted   float64
	Allowed   bool
	Reason    string
}

// CloseRecord is emitted once per close event. Partial marks a tiered
// take-profit that left the position open.
type CloseRecord struct {
	Time       time.Time
	PositionID string
	Strategy   string
	Wallet     string
	Token      string
	Reason     string
	Partial    bool
	RealizedPL float64
}

// SkipRecord marks a scheduled cycle that found its job lock held.
type SkipRecord struct {
	Time time.Time
	Job  string
}

type Journal interface {
	RecordSignal(SignalRecord) error
	RecordAuth(AuthRecord) error
	RecordClose(CloseRecord) error
	RecordSkip(SkipRecord) error
	Close() error
}

// Nop discards every record. Useful for tests and dry runs.
type Nop struct{}

func (Nop) RecordSignal(SignalRecord) error { return nil }
func (Nop) RecordAuth(AuthRecord) error     { return nil }
func (Nop) RecordClose(CloseRecord) error   { return nil }
func (Nop) RecordSkip(SkipRecord) error     { return nil }
func (Nop) Close() error                    { return nil }
