// Package risk owns the per-strategy capital buckets and is the only
// component allowed to mutate them. It authorizes or denies position sizing
// and enforces exposure, correlation and daily-loss limits.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Limits are the per-strategy exposure constraints enforced at authorization
// time.
type Limits struct {
	MaxBucketFrac    float64 // cap on a single position as a fraction of Total
	MaxOpenPositions int
	MaxPerToken      int
}

// Bucket is a fixed capital allocation dedicated to one strategy. The
// invariant committed <= total holds after every mutation; callers never
// touch these fields directly. Each bucket has its own lock so authorization
// checks only contend with other checks on the same strategy's bucket.
type Bucket struct {
	mu sync.Mutex

	strategy  string
	total     decimal.Decimal
	committed decimal.Decimal
	open      int
	perToken  map[string]int
	limits    Limits
}

func newBucket(strategy string, total decimal.Decimal, limits Limits) *Bucket {
	return &Bucket{
		strategy: strategy,
		total:    total,
		perToken: make(map[string]int),
		limits:   limits,
	}
}

// BucketSnapshot is a read-only view for the dashboard.
type BucketSnapshot struct {
	Strategy    string
	Total       decimal.Decimal
	Committed   decimal.Decimal
	Available   decimal.Decimal
	Open        int
	Utilization float64 // committed / total
}

func (b *Bucket) snapshot() BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	util := 0.0
	if b.total.IsPositive() {
		util = b.committed.Div(b.total).InexactFloat64()
	}
	return BucketSnapshot{
		Strategy:    b.strategy,
		Total:       b.total,
		Committed:   b.committed,
		Available:   b.total.Sub(b.committed),
		Open:        b.open,
		Utilization: util,
	}
}

// authorize performs the deny checks in order (first failing check wins) and,
// on success, commits the granted size atomically. halted short-circuits new
// openings when the daily-loss limit has been hit.
func (b *Bucket) authorize(tokenKey string, proposed decimal.Decimal, halted bool) (decimal.Decimal, *Denial) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Never more than the configured fraction of the bucket per position.
	perPosition := b.total.Mul(decimal.NewFromFloat(b.limits.MaxBucketFrac))
	size := proposed
	if size.GreaterThan(perPosition) {
		size = perPosition
	}
	if !size.IsPositive() {
		return decimal.Zero, &Denial{Code: DenyCapacityExceeded,
			Detail: fmt.Sprintf("bucket %s: non-positive size after per-position cap", b.strategy)}
	}

	available := b.total.Sub(b.committed)
	if size.GreaterThan(available) {
		return decimal.Zero, &Denial{Code: DenyCapacityExceeded,
			Detail: fmt.Sprintf("bucket %s: need %s, available %s", b.strategy, size, available)}
	}
	if b.open >= b.limits.MaxOpenPositions {
		return decimal.Zero, &Denial{Code: DenyOpenPositionCap,
			Detail: fmt.Sprintf("bucket %s: %d positions already open", b.strategy, b.open)}
	}
	if b.perToken[tokenKey] >= b.limits.MaxPerToken {
		return decimal.Zero, &Denial{Code: DenyTokenCorrelation,
			Detail: fmt.Sprintf("bucket %s: token %s already held %d times", b.strategy, tokenKey, b.perToken[tokenKey])}
	}
	if halted {
		return decimal.Zero, &Denial{Code: DenyDailyLossLimit,
			Detail: "daily loss limit reached, new openings halted"}
	}

	b.committed = b.committed.Add(size)
	b.open++
	b.perToken[tokenKey]++
	return size, nil
}

// release credits capital back. final also retires the position from the
// open and per-token counts; partial tier releases keep them.
func (b *Bucket) release(tokenKey string, amount decimal.Decimal, final bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.committed.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("bucket %s: release %s exceeds committed %s", b.strategy, amount, b.committed)
	}
	b.committed = next

	if final {
		if b.open > 0 {
			b.open--
		}
		if n := b.perToken[tokenKey]; n > 1 {
			b.perToken[tokenKey] = n - 1
		} else {
			delete(b.perToken, tokenKey)
		}
	}
	return nil
}

// restore recommits capital for a position read back from the store at
// startup. It bypasses the halt flag but still enforces the invariant.
func (b *Bucket) restore(tokenKey string, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.committed.Add(amount)
	if next.GreaterThan(b.total) {
		return fmt.Errorf("bucket %s: restoring %s would exceed total %s", b.strategy, amount, b.total)
	}
	b.committed = next
	b.open++
	b.perToken[tokenKey]++
	return nil
}
