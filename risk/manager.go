package risk

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/signal"
)

// DenyCode enumerates authorization denial reasons. Denials are decisions,
// not error paths: the bucket is left untouched and the reason is auditable.
type DenyCode string

const (
	DenyCapacityExceeded DenyCode = "capacity-exceeded"
	DenyOpenPositionCap  DenyCode = "open-position-cap"
	DenyTokenCorrelation DenyCode = "token-correlation"
	DenyDailyLossLimit   DenyCode = "daily-loss-limit"
	DenyUnknownStrategy  DenyCode = "unknown-strategy"
)

type Denial struct {
	Code   DenyCode
	Detail string
}

func (d Denial) Error() string {
	if d.Detail == "" {
		return string(d.Code)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Detail)
}

// Grant is a successful authorization. Size has already been committed
// against the strategy's bucket when the grant is returned.
type Grant struct {
	Strategy string
	Size     decimal.Decimal
}

// OpenAllocation describes one open position read back from the store; used
// to reconstruct committed totals at startup instead of assuming zero.
type OpenAllocation struct {
	Strategy string
	TokenKey string
	Size     decimal.Decimal
}

// Manager owns all capital buckets. Debit-on-open and credit-on-close are
// atomic per bucket; mutations on different buckets have no ordering
// requirement between them and take no shared lock.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket

	// Daily realized-loss circuit breaker. Halting stops new openings
	// only; open positions continue to be monitored and can close.
	dailyLossLimit decimal.Decimal // positive magnitude, zero disables
	lossMu         sync.Mutex
	day            string
	dayRealized    decimal.Decimal
	halted         atomic.Bool

	log     *zap.Logger
	journal journal.Journal
}

func NewManager(log *zap.Logger, j journal.Journal, dailyLossLimitUSD float64) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if j == nil {
		j = journal.Nop{}
	}
	return &Manager{
		buckets:        make(map[string]*Bucket),
		dailyLossLimit: decimal.NewFromFloat(dailyLossLimitUSD),
		log:            log,
		journal:        j,
	}
}

// AddBucket registers the capital bucket for a strategy. One bucket per
// strategy; re-adding is an error.
func (m *Manager) AddBucket(strategy string, totalUSD float64, limits Limits) error {
	if totalUSD <= 0 {
		return fmt.Errorf("risk: bucket %s: total must be positive", strategy)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[strategy]; ok {
		return fmt.Errorf("risk: bucket %s already exists", strategy)
	}
	m.buckets[strategy] = newBucket(strategy, decimal.NewFromFloat(totalUSD), limits)
	return nil
}

func (m *Manager) bucket(strategy string) (*Bucket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[strategy]
	return b, ok
}

// Authorize sizes a new position against the strategy's bucket. On success
// the capital is already committed; the caller must pair every grant with a
// Release when the position closes. Every attempt, granted or denied, emits
// an audit record.
func (m *Manager) Authorize(strategy string, token signal.Token, proposed decimal.Decimal, now time.Time) (Grant, error) {
	m.rollDay(now)

	b, ok := m.bucket(strategy)
	if !ok {
		d := Denial{Code: DenyUnknownStrategy, Detail: fmt.Sprintf("no bucket for strategy %q", strategy)}
		m.audit(now, strategy, token, proposed, decimal.Zero, &d)
		return Grant{}, d
	}

	granted, denial := b.authorize(token.Key(), proposed, m.halted.Load())
	m.audit(now, strategy, token, proposed, granted, denial)
	if denial != nil {
		return Grant{}, *denial
	}

	m.log.Info("position sizing authorized",
		zap.String("strategy", strategy),
		zap.String("token", token.Key()),
		zap.String("granted", granted.String()))
	return Grant{Strategy: strategy, Size: granted}, nil
}

// Release credits capital back to the bucket when a position fully closes
// and folds the realized P&L into the daily-loss tally.
func (m *Manager) Release(strategy string, token signal.Token, amount decimal.Decimal, realizedPL float64, now time.Time) error {
	return m.release(strategy, token, amount, realizedPL, now, true)
}

// ReleasePartial credits back the slice of capital freed by a tiered
// take-profit while the position stays open.
func (m *Manager) ReleasePartial(strategy string, token signal.Token, amount decimal.Decimal, realizedPL float64, now time.Time) error {
	return m.release(strategy, token, amount, realizedPL, now, false)
}

func (m *Manager) release(strategy string, token signal.Token, amount decimal.Decimal, realizedPL float64, now time.Time, final bool) error {
	b, ok := m.bucket(strategy)
	if !ok {
		return fmt.Errorf("risk: release: no bucket for strategy %q", strategy)
	}
	if err := b.release(token.Key(), amount, final); err != nil {
		return err
	}
	m.noteRealized(realizedPL, now)
	return nil
}

// rollDay resets the daily tally and clears the halt at UTC midnight.
func (m *Manager) rollDay(now time.Time) {
	if m.dailyLossLimit.IsZero() {
		return
	}
	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	m.rollDayLocked(now)
}

func (m *Manager) rollDayLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != m.day {
		m.day = day
		m.dayRealized = decimal.Zero
		m.halted.Store(false)
	}
}

// noteRealized folds one close's realized P&L into the daily tally and raises
// the halt flag once losses reach the configured limit.
func (m *Manager) noteRealized(realizedPL float64, now time.Time) {
	if m.dailyLossLimit.IsZero() {
		return
	}

	m.lossMu.Lock()
	defer m.lossMu.Unlock()

	m.rollDayLocked(now)

	m.dayRealized = m.dayRealized.Add(decimal.NewFromFloat(realizedPL))
	if m.dayRealized.Neg().GreaterThanOrEqual(m.dailyLossLimit) && !m.halted.Load() {
		m.halted.Store(true)
		m.log.Warn("daily loss limit reached, halting new openings",
			zap.String("day", m.day),
			zap.String("realized", m.dayRealized.String()),
			zap.String("limit", m.dailyLossLimit.Neg().String()))
	}
}

// Halted reports whether new openings are blocked for the rest of the day.
func (m *Manager) Halted() bool { return m.halted.Load() }

// DayRealized returns the realized P&L tallied for the current day.
func (m *Manager) DayRealized() decimal.Decimal {
	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	return m.dayRealized
}

// Rebuild reconstructs committed totals from open positions read from the
// store at startup. Buckets must already be registered.
func (m *Manager) Rebuild(open []OpenAllocation) error {
	for _, a := range open {
		b, ok := m.bucket(a.Strategy)
		if !ok {
			return fmt.Errorf("risk: rebuild: no bucket for strategy %q", a.Strategy)
		}
		if err := b.restore(a.TokenKey, a.Size); err != nil {
			return fmt.Errorf("risk: rebuild: %w", err)
		}
	}
	return nil
}

// Utilization returns a snapshot of every bucket, sorted by strategy name.
func (m *Manager) Utilization() []BucketSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	out := make([]BucketSnapshot, 0, len(names))
	for _, name := range names {
		if b, ok := m.bucket(name); ok {
			out = append(out, b.snapshot())
		}
	}
	return out
}

func (m *Manager) audit(now time.Time, strategy string, token signal.Token, requested, granted decimal.Decimal, denial *Denial) {
	rec := journal.AuthRecord{
		Time:      now,
		Strategy:  strategy,
		Token:     token.Key(),
		Requested: requested.InexactFloat64(),
		Granted:   granted.InexactFloat64(),
		Allowed:   denial == nil,
	}
	if denial != nil {
		rec.Reason = string(denial.Code)
		m.log.Info("position sizing denied",
			zap.String("strategy", strategy),
			zap.String("token", token.Key()),
			zap.String("reason", string(denial.Code)),
			zap.String("detail", denial.Detail))
	}
	if err := m.journal.RecordAuth(rec); err != nil {
		m.log.Error("journal authorization record failed", zap.Error(err))
	}
}
