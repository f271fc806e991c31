package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/papertrade/feed"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/position"
	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/store"
	"github.com/rustyeddy/papertrade/strategies"
)

func fp(v float64) *float64 { return &v }

// capturingJournal records everything for assertion.
type capturingJournal struct {
	mu      sync.Mutex
	signals []journal.SignalRecord
	auths   []journal.AuthRecord
	closes  []journal.CloseRecord
	skips   []journal.SkipRecord
}

func (j *capturingJournal) RecordSignal(r journal.SignalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.signals = append(j.signals, r)
	return nil
}

func (j *capturingJournal) RecordAuth(r journal.AuthRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.auths = append(j.auths, r)
	return nil
}

func (j *capturingJournal) RecordClose(r journal.CloseRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closes = append(j.closes, r)
	return nil
}

func (j *capturingJournal) RecordSkip(r journal.SkipRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.skips = append(j.skips, r)
	return nil
}

func (j *capturingJournal) Close() error { return nil }

func (j *capturingJournal) lastSignal(t *testing.T) journal.SignalRecord {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.NotEmpty(t, j.signals)
	return j.signals[len(j.signals)-1]
}

// testClock is a settable clock for driving time-based exits.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testToken(addr string) signal.Token {
	return signal.Token{Chain: "ethereum", Address: addr, Symbol: "TKN"}
}

func testSignal(wallet, tokenAddr string, notional float64) signal.Signal {
	return signal.Signal{
		Wallet:     wallet,
		Token:      testToken(tokenAddr),
		Direction:  signal.Buy,
		Notional:   fp(notional),
		ObservedAt: time.Now(),
		Stats:      signal.WalletStats{WinRate: fp(0.70), SampleSize: 40},
	}
}

func momentumStrategy() strategies.Strategy {
	return strategies.Strategy{
		Name:             "momentum",
		Direction:        signal.Buy,
		BucketUSD:        10000,
		MaxBucketFrac:    0.25,
		MaxOpenPositions: 5,
		MaxPerToken:      1,
		Exits: strategies.ExitRules{
			StopLossPct: 0.15,
			MaxHold:     48 * time.Hour,
		},
	}
}

type harness struct {
	eng     *Engine
	feed    *feed.ReplayFeed
	oracle  *feed.StaticOracle
	store   *store.MemStore
	journal *capturingJournal
	clock   *testClock
}

func newHarness(t *testing.T, opts Options, strats ...strategies.Strategy) *harness {
	t.Helper()

	if len(strats) == 0 {
		strats = []strategies.Strategy{momentumStrategy()}
	}
	reg := strategies.NewRegistry()
	for _, s := range strats {
		require.NoError(t, reg.Register(s))
	}

	h := &harness{
		feed:    feed.NewReplayFeed(),
		oracle:  feed.NewStaticOracle(),
		store:   store.NewMemStore(),
		journal: &capturingJournal{},
		clock:   newTestClock(),
	}
	opts.Now = h.clock.Now

	eng, err := New(Deps{
		Registry: reg,
		Feed:     h.feed,
		Oracle:   h.oracle,
		Store:    h.store,
		Journal:  h.journal,
	}, opts)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	h.eng = eng
	return h
}

func (h *harness) ingest(t *testing.T) {
	t.Helper()
	ran, err := h.eng.RunIngestCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
}

func (h *harness) monitor(t *testing.T) {
	t.Helper()
	ran, err := h.eng.RunMonitorCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
}

func TestIngestOpensMatchingSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	tok := testToken("0xaaa")
	h.oracle.Set(tok, 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xaaa", 1000)})

	h.ingest(t)

	open := h.eng.positions.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "momentum", open[0].Strategy)
	assert.Equal(t, 1.00, open[0].EntryPrice)
	assert.Equal(t, position.Open, open[0].Status)

	rec := h.journal.lastSignal(t)
	assert.Equal(t, "opened", rec.Outcome)
	assert.Equal(t, "momentum", rec.Strategy)
	assert.NotEmpty(t, rec.PositionID)

	// The position was persisted.
	stored, err := h.store.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	// Capital is committed against the bucket.
	bucket := h.eng.risk.Utilization()[0]
	assert.Equal(t, "1000", bucket.Committed.String())
}

func TestIngestRejectsWhenNoStrategyMatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sig := testSignal("0xwallet", "0xaaa", 1000)
	sig.Direction = signal.Sell // momentum only takes buys
	h.feed.Push([]signal.Signal{sig})

	h.ingest(t)

	assert.Empty(t, h.eng.positions.OpenPositions())
	rec := h.journal.lastSignal(t)
	assert.Equal(t, "rejected", rec.Outcome)
	assert.Equal(t, string(strategies.RejectWrongDirection), rec.Reason)
}

func TestIngestRejectsWhenPriceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	sig := testSignal("0xwallet", "0xaaa", 1000)
	sig.Price = nil // force the oracle path; oracle has no entry
	h.feed.Push([]signal.Signal{sig})

	h.ingest(t)

	assert.Empty(t, h.eng.positions.OpenPositions())
	rec := h.journal.lastSignal(t)
	assert.Equal(t, "rejected", rec.Outcome)
	assert.Equal(t, "price-unavailable", rec.Reason)
}

func TestIngestDeniedByRiskRecordsPendingRejection(t *testing.T) {
	t.Parallel()

	strat := momentumStrategy()
	strat.MaxPerToken = 1
	h := newHarness(t, Options{}, strat)
	h.oracle.Set(testToken("0xaaa"), 1.00)

	// Two wallets hit the same token; the second is denied on correlation.
	h.feed.Push([]signal.Signal{
		testSignal("0xwallet1", "0xaaa", 1000),
		testSignal("0xwallet2", "0xaaa", 1000),
	})
	h.ingest(t)

	require.Len(t, h.eng.positions.OpenPositions(), 1)

	rec := h.journal.lastSignal(t)
	assert.Equal(t, "denied", rec.Outcome)
	assert.Equal(t, "token-correlation", rec.Reason)

	// The denied signal's position terminated as Rejected, not Open.
	denied, ok := h.eng.positions.Get(rec.PositionID)
	require.True(t, ok)
	assert.Equal(t, position.Rejected, denied.Status)
}

func TestIngestFailedActivationReturnsCapital(t *testing.T) {
	t.Parallel()

	// A broken oracle answering zero makes activation fail after the grant
	// was committed. The capital must come back and the position must
	// terminate as Rejected, not sit Pending forever.
	h := newHarness(t, Options{})
	h.oracle.Set(testToken("0xaaa"), 0)
	sig := testSignal("0xwallet", "0xaaa", 1000)
	sig.Price = nil // force the oracle path
	h.feed.Push([]signal.Signal{sig})

	h.ingest(t)

	assert.Empty(t, h.eng.positions.OpenPositions())

	bucket := h.eng.risk.Utilization()[0]
	assert.True(t, bucket.Committed.IsZero(), "committed %s after failed activation", bucket.Committed)
	assert.Zero(t, bucket.Open)

	rec := h.journal.lastSignal(t)
	assert.Equal(t, "rejected", rec.Outcome)
	assert.Equal(t, "activation-failed", rec.Reason)

	terminated, ok := h.eng.positions.Get(rec.PositionID)
	require.True(t, ok)
	assert.Equal(t, position.Rejected, terminated.Status)

	// The bucket accepts new openings again.
	h.oracle.Set(testToken("0xbbb"), 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xbbb", 1000)})
	h.ingest(t)
	assert.Len(t, h.eng.positions.OpenPositions(), 1)
}

func TestIngestOneBadSignalDoesNotAbortCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.oracle.Set(testToken("0xbbb"), 2.00)

	bad := testSignal("0xwallet", "0xaaa", 1000)
	bad.Wallet = "" // fails signal validation
	good := testSignal("0xwallet", "0xbbb", 1000)
	h.feed.Push([]signal.Signal{bad, good})

	h.ingest(t)

	open := h.eng.positions.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "ethereum:0xbbb", open[0].Token.Key())
}

func TestMonitorClosesOnStopLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	tok := testToken("0xaaa")
	h.oracle.Set(tok, 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xaaa", 1000)})
	h.ingest(t)

	// Price collapses below the 15% stop.
	h.oracle.Set(tok, 0.80)
	h.clock.Advance(time.Minute)
	h.monitor(t)

	assert.Empty(t, h.eng.positions.OpenPositions())

	h.journal.mu.Lock()
	require.Len(t, h.journal.closes, 1)
	c := h.journal.closes[0]
	h.journal.mu.Unlock()
	assert.Equal(t, string(position.ReasonStopLoss), c.Reason)
	assert.InDelta(t, -200.0, c.RealizedPL, 1e-9)

	// Capital came back to the bucket and the store saw the close.
	bucket := h.eng.risk.Utilization()[0]
	assert.True(t, bucket.Committed.IsZero())

	closed, err := h.store.ListClosedSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, position.Closed, closed[0].Status)
}

func TestMonitorTimeExitWithoutPrices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	tok := testToken("0xaaa")
	h.oracle.Set(tok, 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xaaa", 1000)})
	h.ingest(t)

	// Oracle goes dark. Monitoring keeps the position; only after MaxHold
	// does the time exit close it at the last known price.
	h.oracle.Unset(tok)
	h.clock.Advance(time.Hour)
	h.monitor(t)
	require.Len(t, h.eng.positions.OpenPositions(), 1)

	h.clock.Advance(48 * time.Hour)
	h.monitor(t)
	assert.Empty(t, h.eng.positions.OpenPositions())

	h.journal.mu.Lock()
	require.Len(t, h.journal.closes, 1)
	c := h.journal.closes[0]
	h.journal.mu.Unlock()
	assert.Equal(t, string(position.ReasonTimeBased), c.Reason)
	assert.InDelta(t, 0.0, c.RealizedPL, 1e-9)
}

func TestMonitorContinuesWhileHalted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{DailyLossLimitUSD: 100}, momentumStrategy())
	tokA, tokB := testToken("0xaaa"), testToken("0xbbb")
	h.oracle.Set(tokA, 1.00)
	h.oracle.Set(tokB, 1.00)
	h.feed.Push([]signal.Signal{
		testSignal("0xwallet", "0xaaa", 1000),
		testSignal("0xwallet", "0xbbb", 1000),
	})
	h.ingest(t)
	require.Len(t, h.eng.positions.OpenPositions(), 2)

	// Both positions crash. The first close trips the halt; the second must
	// still be monitored and closed in the same cycle.
	h.oracle.Set(tokA, 0.80)
	h.oracle.Set(tokB, 0.80)
	h.clock.Advance(time.Minute)
	h.monitor(t)

	assert.Empty(t, h.eng.positions.OpenPositions())
	assert.True(t, h.eng.risk.Halted())

	// New openings are denied while halted.
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xccc", 1000)})
	h.oracle.Set(testToken("0xccc"), 1.00)
	h.ingest(t)

	rec := h.journal.lastSignal(t)
	assert.Equal(t, "denied", rec.Outcome)
	assert.Equal(t, "daily-loss-limit", rec.Reason)
}

func TestStartRebuildsBucketsFromStore(t *testing.T) {
	t.Parallel()

	// Seed the store with an open position, then build a fresh engine over it.
	st := store.NewMemStore()
	opened := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	seed := position.Position{
		ID:            "seeded-1",
		Strategy:      "momentum",
		Wallet:        "0xwallet",
		Token:         testToken("0xaaa"),
		EntryPrice:    1.00,
		EntryNotional: 1500,
		Allocated:     decimal.NewFromInt(1500),
		Units:         1500,
		RemainingFrac: 1,
		PeakPrice:     1.00,
		LastPrice:     1.00,
		Status:        position.Open,
		OpenedAt:      opened,
		Exits:         momentumStrategy().Exits,
	}
	require.NoError(t, st.CreatePosition(context.Background(), seed))

	reg := strategies.NewRegistry()
	require.NoError(t, reg.Register(momentumStrategy()))

	eng, err := New(Deps{
		Registry: reg,
		Feed:     feed.NewReplayFeed(),
		Oracle:   feed.NewStaticOracle(),
		Store:    st,
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	bucket := eng.risk.Utilization()[0]
	assert.Equal(t, "1500", bucket.Committed.String(), "committed rebuilt from store, not assumed zero")
	assert.Equal(t, 1, bucket.Open)
	assert.Len(t, eng.positions.OpenPositions(), 1)
}

func TestRequireWatchedFiltersUnknownWallets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RequireWatched: true, MinWalletScore: 50})
	h.oracle.Set(testToken("0xaaa"), 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xunknown", "0xaaa", 1000)})
	h.ingest(t)

	rec := h.journal.lastSignal(t)
	assert.Equal(t, "rejected", rec.Outcome)
	assert.Equal(t, "unwatched-wallet", rec.Reason)

	// Discovery admits the wallet; the next signal opens.
	h.eng.discovery = feed.NewStaticDiscovery(
		feed.WalletCandidate{Address: "0xwatched", Score: 80, Active: true},
		feed.WalletCandidate{Address: "0xlow", Score: 10, Active: true},
		feed.WalletCandidate{Address: "0xidle", Score: 90, Active: false},
	)
	ran, err := h.eng.RunDiscoveryCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.True(t, h.eng.isWatched("0xwatched"))
	assert.False(t, h.eng.isWatched("0xlow"), "below min score")
	assert.False(t, h.eng.isWatched("0xidle"), "inactive")

	h.feed.Push([]signal.Signal{testSignal("0xwatched", "0xaaa", 1000)})
	h.ingest(t)
	assert.Equal(t, "opened", h.journal.lastSignal(t).Outcome)
}

func TestRefreshBackfillsWalletStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	tok := testToken("0xaaa")
	h.oracle.Set(tok, 1.00)

	// Open and close one winning trade for the wallet.
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xaaa", 1000)})
	h.ingest(t)
	h.oracle.Set(tok, 1.00)
	h.clock.Advance(49 * time.Hour) // past MaxHold
	h.monitor(t)
	require.Empty(t, h.eng.positions.OpenPositions())

	ran, err := h.eng.RunRefreshCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	stats, ok := h.eng.walletPerf("0xwallet")
	require.True(t, ok)
	assert.Equal(t, 1, stats.SampleSize)
	require.NotNil(t, stats.WinRate)
}

func TestSnapshotIsSelfContained(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	tok := testToken("0xaaa")
	h.oracle.Set(tok, 1.00)
	h.feed.Push([]signal.Signal{testSignal("0xwallet", "0xaaa", 1000)})
	h.ingest(t)

	// Move the last known price, then take the oracle away entirely: the
	// snapshot must still value the position.
	h.oracle.Set(tok, 1.10)
	h.clock.Advance(time.Minute)
	h.monitor(t)
	h.oracle.Unset(tok)

	snap := h.eng.Snapshot()
	require.Len(t, snap.Open, 1)
	assert.InDelta(t, 100.0, snap.Open[0].UnrealizedPL, 1e-9)
	require.Len(t, snap.Buckets, 1)
	assert.Equal(t, "momentum", snap.Buckets[0].Strategy)
	assert.False(t, snap.OpensHalted)
	assert.Contains(t, snap.Skips, JobIngest)
}
