package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/signal"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func token(addr string) signal.Token {
	return signal.Token{Chain: "ethereum", Address: addr, Symbol: "TKN"}
}

type memJournal struct {
	mu   sync.Mutex
	auth []journal.AuthRecord
}

func (j *memJournal) RecordSignal(journal.SignalRecord) error { return nil }
func (j *memJournal) RecordClose(journal.CloseRecord) error   { return nil }
func (j *memJournal) RecordSkip(journal.SkipRecord) error     { return nil }
func (j *memJournal) Close() error                            { return nil }

func (j *memJournal) RecordAuth(r journal.AuthRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.auth = append(j.auth, r)
	return nil
}

func newManager(t *testing.T, totalUSD float64, limits Limits, dailyLimit float64) (*Manager, *memJournal) {
	t.Helper()
	j := &memJournal{}
	m := NewManager(nil, j, dailyLimit)
	require.NoError(t, m.AddBucket("momentum", totalUSD, limits))
	return m, j
}

func defaultLimits() Limits {
	return Limits{MaxBucketFrac: 1.0, MaxOpenPositions: 100, MaxPerToken: 100}
}

func TestAuthorizeDeniesWhenHeadroomExhausted(t *testing.T) {
	t.Parallel()

	// Bucket total $4,000 with $3,800 already committed; a $300 request
	// must be denied and committed must remain $3,800.
	m, j := newManager(t, 4000, defaultLimits(), 0)
	now := time.Now()

	_, err := m.Authorize("momentum", token("0xa"), d(3800), now)
	require.NoError(t, err)

	_, err = m.Authorize("momentum", token("0xb"), d(300), now)
	var denial Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, DenyCapacityExceeded, denial.Code)

	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.Equal(d(3800)), "committed changed on denial: %s", snap.Committed)

	// Both attempts were audited.
	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.auth, 2)
	assert.True(t, j.auth[0].Allowed)
	assert.False(t, j.auth[1].Allowed)
	assert.Equal(t, string(DenyCapacityExceeded), j.auth[1].Reason)
}

func TestAuthorizeClampsToPerPositionFraction(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxBucketFrac = 0.10
	m, _ := newManager(t, 1000, limits, 0)

	grant, err := m.Authorize("momentum", token("0xa"), d(500), time.Now())
	require.NoError(t, err)
	assert.True(t, grant.Size.Equal(d(100)), "granted %s, want 100", grant.Size)
}

func TestAuthorizeDenyOrder(t *testing.T) {
	t.Parallel()

	t.Run("open position cap", func(t *testing.T) {
		t.Parallel()
		limits := defaultLimits()
		limits.MaxOpenPositions = 1
		m, _ := newManager(t, 1000, limits, 0)
		now := time.Now()

		_, err := m.Authorize("momentum", token("0xa"), d(100), now)
		require.NoError(t, err)

		_, err = m.Authorize("momentum", token("0xb"), d(100), now)
		var denial Denial
		require.ErrorAs(t, err, &denial)
		assert.Equal(t, DenyOpenPositionCap, denial.Code)
	})

	t.Run("token correlation", func(t *testing.T) {
		t.Parallel()
		limits := defaultLimits()
		limits.MaxPerToken = 1
		m, _ := newManager(t, 1000, limits, 0)
		now := time.Now()

		_, err := m.Authorize("momentum", token("0xa"), d(100), now)
		require.NoError(t, err)

		_, err = m.Authorize("momentum", token("0xa"), d(100), now)
		var denial Denial
		require.ErrorAs(t, err, &denial)
		assert.Equal(t, DenyTokenCorrelation, denial.Code)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t, 1000, defaultLimits(), 0)

		_, err := m.Authorize("nope", token("0xa"), d(100), time.Now())
		var denial Denial
		require.ErrorAs(t, err, &denial)
		assert.Equal(t, DenyUnknownStrategy, denial.Code)
	})
}

func TestDailyLossHaltBlocksNewOpeningsOnly(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 10000, defaultLimits(), 500)
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	g1, err := m.Authorize("momentum", token("0xa"), d(1000), now)
	require.NoError(t, err)
	g2, err := m.Authorize("momentum", token("0xb"), d(1000), now)
	require.NoError(t, err)

	// First close loses $600: limit hit, halt raised.
	require.NoError(t, m.Release("momentum", token("0xa"), g1.Size, -600, now))
	assert.True(t, m.Halted())

	// New openings are denied with the daily-loss reason.
	_, err = m.Authorize("momentum", token("0xc"), d(100), now)
	var denial Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, DenyDailyLossLimit, denial.Code)

	// Existing positions can still close and release capital.
	require.NoError(t, m.Release("momentum", token("0xb"), g2.Size, 50, now))
	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.IsZero())

	// Next UTC day the halt clears.
	nextDay := now.Add(24 * time.Hour)
	g3, err := m.Authorize("momentum", token("0xd"), d(100), nextDay)
	require.NoError(t, err)
	assert.True(t, g3.Size.Equal(d(100)))
}

func TestHaltWarningReportsTradingDay(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	m := NewManager(zap.New(core), nil, 100)
	require.NoError(t, m.AddBucket("momentum", 1000, defaultLimits()))

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	grant, err := m.Authorize("momentum", token("0xa"), d(500), now)
	require.NoError(t, err)
	require.NoError(t, m.Release("momentum", token("0xa"), grant.Size, -200, now))

	entries := logs.FilterMessage("daily loss limit reached, halting new openings").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "2026-03-04", entries[0].ContextMap()["day"])
}

func TestBucketInvariantUnderConcurrentUse(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000, defaultLimits(), 0)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tok := token("0xa")
			grant, err := m.Authorize("momentum", tok, d(90), now)
			if err != nil {
				return // denial is fine; corruption is not
			}
			if err := m.Release("momentum", tok, grant.Size, 0, now); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.IsZero(), "committed %s after all releases", snap.Committed)
	assert.False(t, snap.Committed.GreaterThan(snap.Total))
}

func TestRebuildReconstructsCommittedTotals(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 4000, defaultLimits(), 0)
	require.NoError(t, m.Rebuild([]OpenAllocation{
		{Strategy: "momentum", TokenKey: "ethereum:0xa", Size: d(1200)},
		{Strategy: "momentum", TokenKey: "ethereum:0xb", Size: d(800)},
	}))

	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.Equal(d(2000)), "committed %s", snap.Committed)
	assert.Equal(t, 2, snap.Open)

	// Unknown strategy in the store is an error, not a silent default.
	err := m.Rebuild([]OpenAllocation{{Strategy: "ghost", TokenKey: "x", Size: d(1)}})
	require.Error(t, err)
}

func TestReleaseMoreThanCommittedFails(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000, defaultLimits(), 0)
	now := time.Now()

	grant, err := m.Authorize("momentum", token("0xa"), d(100), now)
	require.NoError(t, err)

	err = m.Release("momentum", token("0xa"), grant.Size.Add(d(1)), 0, now)
	require.Error(t, err)

	// Committed is untouched by the failed release.
	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.Equal(d(100)))
}

func TestReleasePartialKeepsPositionCounted(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxPerToken = 1
	m, _ := newManager(t, 1000, limits, 0)
	now := time.Now()

	_, err := m.Authorize("momentum", token("0xa"), d(200), now)
	require.NoError(t, err)

	require.NoError(t, m.ReleasePartial("momentum", token("0xa"), d(100), 25, now))

	snap := m.Utilization()[0]
	assert.True(t, snap.Committed.Equal(d(100)))
	assert.Equal(t, 1, snap.Open, "partial release must not retire the position")

	// Token correlation still sees the open position.
	_, err = m.Authorize("momentum", token("0xa"), d(50), now)
	var denial Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, DenyTokenCorrelation, denial.Code)
}
