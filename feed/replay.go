package feed

import (
	"context"
	"sync"

	"github.com/rustyeddy/papertrade/signal"
)

// ReplayFeed serves pre-scripted signal batches, one batch per poll. Used by
// the CLI run command and tests in place of a live chain feed.
type ReplayFeed struct {
	mu      sync.Mutex
	batches [][]signal.Signal
	next    int
}

func NewReplayFeed(batches ...[]signal.Signal) *ReplayFeed {
	return &ReplayFeed{batches: batches}
}

// Push appends another batch to the script.
func (f *ReplayFeed) Push(batch []signal.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *ReplayFeed) Poll(ctx context.Context) ([]signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.next]
	f.next++
	return batch, nil
}

// StaticOracle answers from an in-memory price table. Tokens without an
// entry resolve to ErrPriceUnavailable.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]float64)}
}

func (o *StaticOracle) Set(token signal.Token, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token.Key()] = price
}

// Unset makes the token unresolvable until Set is called again.
func (o *StaticOracle) Unset(token signal.Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, token.Key())
}

func (o *StaticOracle) ResolvePrice(ctx context.Context, token signal.Token) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	px, ok := o.prices[token.Key()]
	if !ok {
		return 0, ErrPriceUnavailable
	}
	return px, nil
}

// StaticDiscovery hands out a fixed candidate list.
type StaticDiscovery struct {
	mu      sync.Mutex
	wallets []WalletCandidate
}

func NewStaticDiscovery(wallets ...WalletCandidate) *StaticDiscovery {
	return &StaticDiscovery{wallets: wallets}
}

func (d *StaticDiscovery) ActiveWallets(ctx context.Context) ([]WalletCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WalletCandidate, len(d.wallets))
	copy(out, d.wallets)
	return out, nil
}
