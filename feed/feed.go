// Package feed declares the external collaborators the engine consumes: the
// per-chain transaction feed, the price oracle and the wallet discovery
// service. The engine never parses chain data itself.
package feed

import (
	"context"
	"errors"

	"github.com/rustyeddy/papertrade/signal"
)

// ErrPriceUnavailable is a retryable condition, never a zero price.
var ErrPriceUnavailable = errors.New("price unavailable")

// Feed produces the signals observed since the last poll. The sequence is
// finite per call, unordered, and restartable each cycle; price and notional
// may be missing on individual signals.
type Feed interface {
	Poll(ctx context.Context) ([]signal.Signal, error)
}

// Oracle resolves the current price of a token. Implementations return
// ErrPriceUnavailable when they cannot answer right now.
type Oracle interface {
	ResolvePrice(ctx context.Context, token signal.Token) (float64, error)
}

// WalletCandidate is a wallet supplied by the discovery/scoring subsystem.
type WalletCandidate struct {
	Address string
	Score   int // 0-100
	Active  bool
}

// Discovery supplies candidate wallets. The engine only consumes wallets
// already marked active; it does not perform discovery.
type Discovery interface {
	ActiveWallets(ctx context.Context) ([]WalletCandidate, error)
}
