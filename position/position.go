// Package position owns the state machine for every simulated position from
// creation to close. Status transitions happen nowhere else.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/strategies"
)

// Status is the lifecycle state of a position.
type Status int

const (
	Pending Status = iota // being sized/authorized
	Open                  // capital committed, actively monitored
	Closing               // an exit condition fired, finalization in progress
	Closed                // terminal, capital released
	Rejected              // terminal, never reached Open
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String, used by the store.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "open":
		return Open, nil
	case "closing":
		return Closing, nil
	case "closed":
		return Closed, nil
	case "rejected":
		return Rejected, nil
	default:
		return 0, fmt.Errorf("unknown position status %q", s)
	}
}

// CloseReason is the stable reason code recorded when an exit rule fires.
type CloseReason string

const (
	ReasonStopLoss     CloseReason = "stop-loss"
	ReasonTakeProfit   CloseReason = "take-profit"
	ReasonTrailingStop CloseReason = "trailing-stop"
	ReasonTimeBased    CloseReason = "time-based"
	ReasonManual       CloseReason = "manual"
)

// Position is one simulated copy-trade. Strategy holds the matched strategy
// name, never the wallet's default label. Closed positions are immutable.
type Position struct {
	ID       string
	Strategy string
	Wallet   string
	Token    signal.Token

	EntryPrice    float64
	EntryNotional float64         // USD at open
	Allocated     decimal.Decimal // capital debited from the bucket at open
	Units         float64         // EntryNotional / EntryPrice

	// RemainingFrac is the fraction of the original size still open; tiered
	// take-profits reduce it. The cost basis of the remainder stays at the
	// entry price since the engine never adds to a position.
	RemainingFrac float64
	TiersTaken    int
	RealizedSoFar float64 // accumulated P&L from partial tier closes

	PeakPrice  float64 // highest price observed since entry
	TrailArmed bool    // sticky once the activation threshold is reached
	LastPrice  float64 // last successfully resolved price

	Status      Status
	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason CloseReason
	RealizedPL  *float64

	LookupFailures int // consecutive price-lookup failures

	Exits strategies.ExitRules // snapshot of the matched strategy's rules
}

// UnrealizedPL values the open remainder at the given price.
func (p Position) UnrealizedPL(price float64) float64 {
	if p.Status != Open && p.Status != Closing {
		return 0
	}
	return p.Units * p.RemainingFrac * (price - p.EntryPrice)
}

// RemainingAllocation is the capital still committed for this position.
func (p Position) RemainingAllocation() decimal.Decimal {
	return p.Allocated.Mul(decimal.NewFromFloat(p.RemainingFrac))
}
