package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/feed"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/position"
	"github.com/rustyeddy/papertrade/risk"
	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/strategies"
)

// ingest pulls one batch of signals and processes them sequentially with
// inter-item pacing. A failure on one signal never aborts the cycle.
func (e *Engine) ingest(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	sigs, err := e.feed.Poll(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("poll feed: %w", err)
	}

	for i, sig := range sigs {
		if i > 0 {
			e.pace(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.processSignal(ctx, sig); err != nil {
			e.log.Warn("signal processing failed",
				zap.String("wallet", sig.Wallet),
				zap.String("token", sig.Token.Key()),
				zap.Error(err))
		}
	}
	return nil
}

// processSignal takes one signal to its terminal outcome: opened, rejected
// or denied. Exactly one signal record is journaled either way.
func (e *Engine) processSignal(ctx context.Context, sig signal.Signal) error {
	now := e.opts.Now()

	if e.opts.RequireWatched && !e.isWatched(sig.Wallet) {
		return e.recordSignal(journal.SignalRecord{
			Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
			Direction: sig.Direction.String(),
			Outcome:   "rejected", Reason: "unwatched-wallet",
		})
	}

	// Backfill history from the performance refresh when the feed did not
	// carry stats for this wallet.
	if !sig.Stats.HasHistory() {
		if stats, ok := e.walletPerf(sig.Wallet); ok {
			sig.Stats = stats
		}
	}

	match, err := e.matcher.Evaluate(sig, e.registry)
	if err != nil {
		var rej strategies.Rejection
		if errors.As(err, &rej) {
			return e.recordSignal(journal.SignalRecord{
				Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
				Direction: sig.Direction.String(),
				Outcome:   "rejected", Reason: string(rej.Code),
			})
		}
		return err
	}

	entry, err := e.entryPrice(ctx, sig)
	if err != nil {
		if errors.Is(err, feed.ErrPriceUnavailable) {
			return e.recordSignal(journal.SignalRecord{
				Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
				Direction: sig.Direction.String(),
				Outcome:   "rejected", Reason: "price-unavailable",
				Strategy: match.Strategy.Name, Confidence: match.Confidence,
			})
		}
		return err
	}

	proposed := e.opts.DefaultStakeUSD
	if sig.Notional != nil {
		proposed = *sig.Notional
	}

	pending := e.positions.Begin(sig, match.Strategy)

	grant, err := e.risk.Authorize(match.Strategy.Name, sig.Token, decimal.NewFromFloat(proposed), now)
	if err != nil {
		var denial risk.Denial
		reason := err.Error()
		if errors.As(err, &denial) {
			reason = string(denial.Code)
		}
		if rerr := e.positions.Reject(pending.ID, reason); rerr != nil {
			return rerr
		}
		return e.recordSignal(journal.SignalRecord{
			Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
			Direction: sig.Direction.String(),
			Outcome:   "denied", Reason: reason,
			Strategy: match.Strategy.Name, Confidence: match.Confidence,
			PositionID: pending.ID,
		})
	}

	opened, err := e.positions.Activate(pending.ID, entry, grant.Size, now)
	if err != nil {
		// The grant is already committed; give the capital back before
		// terminating the position, or the bucket leaks it.
		if rerr := e.risk.Release(match.Strategy.Name, sig.Token, grant.Size, 0, now); rerr != nil {
			e.log.Error("release after failed activation", zap.String("id", pending.ID), zap.Error(rerr))
		}
		if rerr := e.positions.Reject(pending.ID, "activation-failed"); rerr != nil {
			return rerr
		}
		if rerr := e.recordSignal(journal.SignalRecord{
			Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
			Direction: sig.Direction.String(),
			Outcome:   "rejected", Reason: "activation-failed",
			Strategy: match.Strategy.Name, Confidence: match.Confidence,
			PositionID: pending.ID,
		}); rerr != nil {
			return rerr
		}
		return err
	}

	cctx, cancel := e.callCtx(ctx)
	err = e.store.CreatePosition(cctx, opened)
	cancel()
	if err != nil {
		// The position stays live in memory; the store write is retried
		// implicitly on the next update.
		e.log.Error("persist position failed",
			zap.String("id", opened.ID), zap.Error(err))
	}

	return e.recordSignal(journal.SignalRecord{
		Time: now, Wallet: sig.Wallet, Token: sig.Token.Key(),
		Direction: sig.Direction.String(),
		Outcome:  "opened",
		Strategy: match.Strategy.Name, Confidence: match.Confidence,
		PositionID: opened.ID,
	})
}

// entryPrice prefers the observed price on the signal and falls back to the
// oracle.
func (e *Engine) entryPrice(ctx context.Context, sig signal.Signal) (float64, error) {
	if sig.Price != nil {
		return *sig.Price, nil
	}
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.oracle.ResolvePrice(cctx, sig.Token)
}

// monitor walks the open positions sequentially with pacing. A price lookup
// failure or timeout affects that position only; the cycle continues with
// the next item.
func (e *Engine) monitor(ctx context.Context) error {
	open := e.positions.OpenPositions()

	for i, p := range open {
		if i > 0 {
			e.pace(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.monitorOne(ctx, p)
	}
	return nil
}

func (e *Engine) monitorOne(ctx context.Context, p position.Position) {
	now := e.opts.Now()

	cctx, cancel := e.callCtx(ctx)
	px, err := e.oracle.ResolvePrice(cctx, p.Token)
	cancel()

	var res position.TickResult
	if err != nil {
		if !errors.Is(err, feed.ErrPriceUnavailable) {
			e.log.Warn("price lookup failed",
				zap.String("token", p.Token.Key()), zap.Error(err))
		}
		res, err = e.positions.Tick(p.ID, nil, now)
	} else {
		res, err = e.positions.Tick(p.ID, &px, now)
	}
	if err != nil {
		e.log.Error("monitor tick failed", zap.String("id", p.ID), zap.Error(err))
		return
	}

	if res.LookupWarn {
		e.log.Warn("position running blind, holding until prices return",
			zap.String("id", p.ID), zap.String("token", p.Token.Key()))
	}
	if !res.Closed && !res.Partial {
		return
	}

	if res.Partial {
		if err := e.risk.ReleasePartial(p.Strategy, p.Token, res.ReleasedCapital, res.RealizedPL, now); err != nil {
			e.log.Error("partial capital release failed", zap.String("id", p.ID), zap.Error(err))
		}
	} else {
		if err := e.risk.Release(p.Strategy, p.Token, res.ReleasedCapital, res.RealizedPL, now); err != nil {
			e.log.Error("capital release failed", zap.String("id", p.ID), zap.Error(err))
		}
	}

	current, _ := e.positions.Get(p.ID)
	cctx, cancel = e.callCtx(ctx)
	if err := e.store.UpdatePosition(cctx, current); err != nil {
		e.log.Error("persist position update failed", zap.String("id", p.ID), zap.Error(err))
	}
	cancel()

	rec := journal.CloseRecord{
		Time:       now,
		PositionID: p.ID,
		Strategy:   p.Strategy,
		Wallet:     p.Wallet,
		Token:      p.Token.Key(),
		Reason:     string(res.Reason),
		Partial:    res.Partial,
		RealizedPL: res.RealizedPL,
	}
	if err := e.journal.RecordClose(rec); err != nil {
		e.log.Error("journal close record failed", zap.Error(err))
	}
	e.noteClose(rec)
}

// refresh recomputes each wallet's win rate and sample size from the closed
// positions inside the refresh window.
func (e *Engine) refresh(ctx context.Context) error {
	now := e.opts.Now()
	cctx, cancel := e.callCtx(ctx)
	closed, err := e.store.ListClosedSince(cctx, now.Add(-e.opts.RefreshWindow))
	cancel()
	if err != nil {
		return fmt.Errorf("list closed positions: %w", err)
	}

	type tally struct{ wins, total int }
	byWallet := make(map[string]*tally)
	for _, p := range closed {
		t := byWallet[p.Wallet]
		if t == nil {
			t = &tally{}
			byWallet[p.Wallet] = t
		}
		t.total++
		if p.RealizedPL != nil && *p.RealizedPL > 0 {
			t.wins++
		}
	}

	perf := make(map[string]signal.WalletStats, len(byWallet))
	for wallet, t := range byWallet {
		rate := float64(t.wins) / float64(t.total)
		perf[wallet] = signal.WalletStats{WinRate: &rate, SampleSize: t.total}
	}

	e.mu.Lock()
	e.perf = perf
	e.mu.Unlock()

	e.log.Info("wallet performance refreshed",
		zap.Int("wallets", len(perf)), zap.Int("closed_trades", len(closed)))
	return nil
}

// discover admits active, sufficiently scored wallets into the watch set.
func (e *Engine) discover(ctx context.Context) error {
	if e.discovery == nil {
		return nil
	}
	cctx, cancel := e.callCtx(ctx)
	candidates, err := e.discovery.ActiveWallets(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	added := 0
	e.mu.Lock()
	for _, c := range candidates {
		if !c.Active || c.Score < e.opts.MinWalletScore {
			continue
		}
		if _, ok := e.watch[c.Address]; !ok {
			added++
		}
		e.watch[c.Address] = c.Score
	}
	total := len(e.watch)
	e.mu.Unlock()

	e.log.Info("watch set updated", zap.Int("added", added), zap.Int("total", total))
	return nil
}

func (e *Engine) isWatched(wallet string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watch[wallet]
	return ok
}

// Watch force-adds a wallet to the watch set (seeding from config).
func (e *Engine) Watch(wallet string, score int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watch[wallet] = score
}

func (e *Engine) walletPerf(wallet string) (signal.WalletStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats, ok := e.perf[wallet]
	return stats, ok
}

func (e *Engine) recordSignal(rec journal.SignalRecord) error {
	if err := e.journal.RecordSignal(rec); err != nil {
		return fmt.Errorf("journal signal record: %w", err)
	}
	return nil
}

func (e *Engine) noteClose(rec journal.CloseRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentCloses = append(e.recentCloses, rec)
	if len(e.recentCloses) > recentCloseKeep {
		e.recentCloses = e.recentCloses[len(e.recentCloses)-recentCloseKeep:]
	}
}
