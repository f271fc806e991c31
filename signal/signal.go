// Package signal defines the transaction events observed on-chain that the
// engine considers as candidate trading triggers, together with the wallet
// performance summary that rides along with each event.
package signal

import (
	"fmt"
	"time"
)

// Direction is the side of the observed wallet transaction.
type Direction int

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection maps a config/string value to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Token identifies a traded token on a specific chain. AgeHours is how long
// the token has existed on-chain; nil when the feed could not determine it.
type Token struct {
	Chain   string
	Address string
	Symbol  string

	AgeHours *float64
}

// Key returns the chain-qualified identity used for correlation limits and
// price lookups.
func (t Token) Key() string {
	return t.Chain + ":" + t.Address
}

// WalletStats is the historical performance summary of the source wallet.
// WinRate is nil for a wallet with no closed-trade history; consumers must
// branch on HasHistory before comparing the rate numerically.
type WalletStats struct {
	WinRate    *float64 // 0..1
	SampleSize int
}

// HasHistory reports whether the wallet has a usable closed-trade record.
func (s WalletStats) HasHistory() bool {
	return s.WinRate != nil && s.SampleSize > 0
}

// Signal is one observed wallet transaction. Notional and Price may be
// unknown (nil) depending on what the per-chain feed could decode.
type Signal struct {
	Wallet    string
	Token     Token
	Direction Direction

	Notional *float64 // USD value of the observed transaction
	Price    *float64 // observed execution price

	ObservedAt time.Time
	Stats      WalletStats
}

// Validate rejects signals the feed should never have emitted.
func (s Signal) Validate() error {
	if s.Wallet == "" {
		return fmt.Errorf("signal: empty wallet")
	}
	if s.Token.Chain == "" || s.Token.Address == "" {
		return fmt.Errorf("signal: incomplete token identity %q", s.Token.Key())
	}
	if s.Notional != nil && *s.Notional < 0 {
		return fmt.Errorf("signal: negative notional %.2f", *s.Notional)
	}
	if s.Price != nil && *s.Price <= 0 {
		return fmt.Errorf("signal: non-positive price %.8f", *s.Price)
	}
	return nil
}
