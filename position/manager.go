package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/pkg/id"
	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/strategies"
)

var (
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyClosed = errors.New("position already closed")
	ErrNotPending            = errors.New("position is not pending")
	ErrNotOpen               = errors.New("position is not open")
)

// DefaultLookupWarnAfter is how many consecutive price-lookup failures a
// position tolerates before the manager surfaces a warning. Failures never
// force a close.
const DefaultLookupWarnAfter = 5

// TickResult reports what one monitoring tick did to a position.
type TickResult struct {
	Closed  bool
	Partial bool // a take-profit tier fired but the position stays open
	Reason  CloseReason

	RealizedPL      float64         // P&L realized by this tick
	ReleasedCapital decimal.Decimal // capital to credit back to the bucket

	LookupWarn bool // consecutive lookup failures crossed the warn bound
}

// Manager is the exclusive owner of position-status transitions.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position

	lookupWarnAfter int
	log             *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		positions:       make(map[string]*Position),
		lookupWarnAfter: DefaultLookupWarnAfter,
		log:             log,
	}
}

// Begin creates a Pending position for a matched signal. It reaches Open only
// through Activate, after risk authorization succeeds.
func (m *Manager) Begin(sig signal.Signal, strategy strategies.Strategy) *Position {
	p := &Position{
		ID:       id.New(),
		Strategy: strategy.Name,
		Wallet:   sig.Wallet,
		Token:    sig.Token,
		Status:   Pending,
		Exits:    strategy.Exits,
	}

	m.mu.Lock()
	m.positions[p.ID] = p
	m.mu.Unlock()
	return p
}

// Activate transitions Pending -> Open, recording entry price and notional
// and initializing the peak price to the entry price.
func (m *Manager) Activate(posID string, entryPrice float64, allocated decimal.Decimal, now time.Time) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posID]
	if !ok {
		return Position{}, fmt.Errorf("activate %s: %w", posID, ErrPositionNotFound)
	}
	if p.Status != Pending {
		return Position{}, fmt.Errorf("activate %s: status %s: %w", posID, p.Status, ErrNotPending)
	}
	if entryPrice <= 0 {
		return Position{}, fmt.Errorf("activate %s: non-positive entry price %.8f", posID, entryPrice)
	}

	p.EntryPrice = entryPrice
	p.EntryNotional = allocated.InexactFloat64()
	p.Allocated = allocated
	p.Units = p.EntryNotional / entryPrice
	p.RemainingFrac = 1
	p.PeakPrice = entryPrice
	p.LastPrice = entryPrice
	p.Status = Open
	p.OpenedAt = now

	m.log.Info("position opened",
		zap.String("id", p.ID),
		zap.String("strategy", p.Strategy),
		zap.String("token", p.Token.Key()),
		zap.Float64("entry", entryPrice),
		zap.String("allocated", allocated.String()))
	return *p, nil
}

// Reject transitions Pending -> Rejected for signals that failed matching or
// authorization and never reached Open.
func (m *Manager) Reject(posID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posID]
	if !ok {
		return fmt.Errorf("reject %s: %w", posID, ErrPositionNotFound)
	}
	if p.Status != Pending {
		return fmt.Errorf("reject %s: status %s: %w", posID, p.Status, ErrNotPending)
	}
	p.Status = Rejected
	p.CloseReason = CloseReason(reason)
	return nil
}

// Restore inserts an Open position read back from the store at startup.
func (m *Manager) Restore(p Position) error {
	if p.Status != Open {
		return fmt.Errorf("restore %s: status %s: %w", p.ID, p.Status, ErrNotOpen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("restore %s: already tracked", p.ID)
	}
	cp := p
	m.positions[p.ID] = &cp
	return nil
}

// Tick runs one monitoring pass over a single open position. price is nil
// when the lookup failed this tick: the position is left intact, the failure
// counter advances, and only the price-independent time exit is considered
// (valued at the last known price). Exit rules are evaluated in fixed
// priority order and the first match wins.
func (m *Manager) Tick(posID string, price *float64, now time.Time) (TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posID]
	if !ok {
		return TickResult{}, fmt.Errorf("tick %s: %w", posID, ErrPositionNotFound)
	}
	if p.Status != Open {
		return TickResult{}, fmt.Errorf("tick %s: status %s: %w", posID, p.Status, ErrNotOpen)
	}

	if price == nil {
		p.LookupFailures++
		res := TickResult{LookupWarn: p.LookupFailures == m.lookupWarnAfter}
		if res.LookupWarn {
			m.log.Warn("consecutive price lookups failing",
				zap.String("id", p.ID),
				zap.String("token", p.Token.Key()),
				zap.Int("failures", p.LookupFailures))
		}
		// Time exit does not need a fresh price; value at last known.
		if now.Sub(p.OpenedAt) >= p.Exits.MaxHold {
			closed := m.closeLocked(p, p.LastPrice, now, ReasonTimeBased)
			res.Closed = true
			res.Reason = ReasonTimeBased
			res.RealizedPL = closed.realized
			res.ReleasedCapital = closed.released
		}
		return res, nil
	}

	px := *price
	p.LookupFailures = 0
	p.LastPrice = px
	if px > p.PeakPrice {
		p.PeakPrice = px
	}
	if !p.TrailArmed && p.Exits.TrailActivationPct > 0 &&
		px >= p.EntryPrice*(1+p.Exits.TrailActivationPct) {
		p.TrailArmed = true
	}

	// Fixed priority order: stop-loss, take-profit, trailing-stop, max-hold.
	if p.Exits.StopLossPct > 0 && px <= p.EntryPrice*(1-p.Exits.StopLossPct) {
		closed := m.closeLocked(p, px, now, ReasonStopLoss)
		return TickResult{Closed: true, Reason: ReasonStopLoss,
			RealizedPL: closed.realized, ReleasedCapital: closed.released}, nil
	}

	if p.TiersTaken < len(p.Exits.TakeProfits) {
		tier := p.Exits.TakeProfits[p.TiersTaken]
		if px >= p.EntryPrice*(1+tier.GainPct) {
			return m.takeProfitLocked(p, tier, px, now), nil
		}
	}

	if p.TrailArmed && px <= p.PeakPrice*(1-p.Exits.TrailDistancePct) {
		closed := m.closeLocked(p, px, now, ReasonTrailingStop)
		return TickResult{Closed: true, Reason: ReasonTrailingStop,
			RealizedPL: closed.realized, ReleasedCapital: closed.released}, nil
	}

	if now.Sub(p.OpenedAt) >= p.Exits.MaxHold {
		closed := m.closeLocked(p, px, now, ReasonTimeBased)
		return TickResult{Closed: true, Reason: ReasonTimeBased,
			RealizedPL: closed.realized, ReleasedCapital: closed.released}, nil
	}

	return TickResult{}, nil
}

// takeProfitLocked realizes one tier. The last configured tier, or a tier
// whose fraction covers the remainder, closes the position in full.
func (m *Manager) takeProfitLocked(p *Position, tier strategies.TakeProfitTier, px float64, now time.Time) TickResult {
	last := p.TiersTaken == len(p.Exits.TakeProfits)-1
	frac := tier.CloseFrac
	if last || frac >= p.RemainingFrac {
		closed := m.closeLocked(p, px, now, ReasonTakeProfit)
		return TickResult{Closed: true, Reason: ReasonTakeProfit,
			RealizedPL: closed.realized, ReleasedCapital: closed.released}
	}

	realized := p.Units * frac * (px - p.EntryPrice)
	released := p.Allocated.Mul(decimal.NewFromFloat(frac))
	p.RemainingFrac -= frac
	p.TiersTaken++
	p.RealizedSoFar += realized

	m.log.Info("take-profit tier filled",
		zap.String("id", p.ID),
		zap.Int("tier", p.TiersTaken),
		zap.Float64("price", px),
		zap.Float64("realized", realized),
		zap.Float64("remaining_frac", p.RemainingFrac))

	return TickResult{Partial: true, Reason: ReasonTakeProfit,
		RealizedPL: realized, ReleasedCapital: released}
}

type closeOutcome struct {
	realized float64
	released decimal.Decimal
}

// closeLocked walks Open -> Closing -> Closed and records the realized P&L
// exactly once. Closed positions are immutable afterward.
func (m *Manager) closeLocked(p *Position, px float64, now time.Time, reason CloseReason) closeOutcome {
	p.Status = Closing

	realized := p.Units * p.RemainingFrac * (px - p.EntryPrice)
	released := p.RemainingAllocation()
	total := p.RealizedSoFar + realized

	t := now
	p.ClosedAt = &t
	p.CloseReason = reason
	p.RealizedPL = &total
	p.LastPrice = px
	p.RemainingFrac = 0
	p.Status = Closed

	m.log.Info("position closed",
		zap.String("id", p.ID),
		zap.String("strategy", p.Strategy),
		zap.String("reason", string(reason)),
		zap.Float64("exit", px),
		zap.Float64("realized_pl", total))

	return closeOutcome{realized: realized, released: released}
}

// Close force-closes an open position at the given price. Closing an already
// closed position is an integrity violation surfaced as
// ErrPositionAlreadyClosed; it never corrupts state.
func (m *Manager) Close(posID string, px float64, now time.Time, reason CloseReason) (Position, TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posID]
	if !ok {
		return Position{}, TickResult{}, fmt.Errorf("close %s: %w", posID, ErrPositionNotFound)
	}
	if p.Status == Closed || p.Status == Closing {
		return Position{}, TickResult{}, fmt.Errorf("close %s: %w", posID, ErrPositionAlreadyClosed)
	}
	if p.Status != Open {
		return Position{}, TickResult{}, fmt.Errorf("close %s: status %s: %w", posID, p.Status, ErrNotOpen)
	}

	closed := m.closeLocked(p, px, now, reason)
	return *p, TickResult{Closed: true, Reason: reason,
		RealizedPL: closed.realized, ReleasedCapital: closed.released}, nil
}

// HasOpen reports whether the wallet already holds an open (or pending)
// position for the token. The matcher uses this for duplicate rejection.
func (m *Manager) HasOpen(wallet string, token signal.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Wallet == wallet && p.Token.Key() == token.Key() &&
			(p.Status == Open || p.Status == Pending) {
			return true
		}
	}
	return false
}

// Get returns a copy of the position.
func (m *Manager) Get(posID string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of all open positions.
func (m *Manager) OpenPositions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == Open {
			out = append(out, *p)
		}
	}
	return out
}
