// Package engine wires the matcher, risk manager and position lifecycle
// manager behind the cycle coordinator: signals come in from the feed,
// sized risk-checked positions come out, and the monitor cycle walks every
// open position to a close.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/feed"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/position"
	"github.com/rustyeddy/papertrade/risk"
	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/store"
	"github.com/rustyeddy/papertrade/strategies"
)

// Deps are the engine's collaborators. Feed, Oracle and Store are required;
// Discovery may be nil when wallet discovery runs elsewhere.
type Deps struct {
	Registry  *strategies.Registry
	Feed      feed.Feed
	Oracle    feed.Oracle
	Discovery feed.Discovery
	Store     store.Store
	Journal   journal.Journal
	Logger    *zap.Logger
}

// Options tune scheduling and sizing behavior.
type Options struct {
	IngestEvery   time.Duration
	MonitorEvery  time.Duration
	RefreshEvery  time.Duration
	DiscoverEvery time.Duration

	// Pacing is the delay between items within one cycle; wallets and
	// positions are processed sequentially to respect feed rate limits.
	Pacing      time.Duration
	CallTimeout time.Duration

	// DefaultStakeUSD sizes positions for signals with unknown notional.
	DefaultStakeUSD float64

	DailyLossLimitUSD float64

	// MinWalletScore filters discovery candidates; RequireWatched drops
	// signals from wallets the discovery cycle has not admitted yet.
	MinWalletScore int
	RequireWatched bool

	// RefreshWindow bounds how far back the performance refresh looks.
	RefreshWindow time.Duration

	// Now allows replay and tests to drive a synthetic clock.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.IngestEvery <= 0 {
		o.IngestEvery = 15 * time.Second
	}
	if o.MonitorEvery <= 0 {
		o.MonitorEvery = 10 * time.Second
	}
	if o.RefreshEvery <= 0 {
		o.RefreshEvery = 5 * time.Minute
	}
	if o.DiscoverEvery <= 0 {
		o.DiscoverEvery = 10 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.DefaultStakeUSD <= 0 {
		o.DefaultStakeUSD = 100
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = 30 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

const recentCloseKeep = 32

// Engine is the paper-trading execution engine.
type Engine struct {
	registry  *strategies.Registry
	matcher   *strategies.Matcher
	risk      *risk.Manager
	positions *position.Manager
	coord     *Coordinator

	feed      feed.Feed
	oracle    feed.Oracle
	discovery feed.Discovery
	store     store.Store
	journal   journal.Journal
	log       *zap.Logger

	opts Options

	mu           sync.Mutex
	watch        map[string]int // wallet -> discovery score
	perf         map[string]signal.WalletStats
	recentCloses []journal.CloseRecord
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Registry == nil || deps.Feed == nil || deps.Oracle == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine: registry, feed, oracle and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	opts.setDefaults()

	positions := position.NewManager(deps.Logger)
	riskMgr := risk.NewManager(deps.Logger, deps.Journal, opts.DailyLossLimitUSD)
	for _, s := range deps.Registry.List() {
		err := riskMgr.AddBucket(s.Name, s.BucketUSD, risk.Limits{
			MaxBucketFrac:    s.MaxBucketFrac,
			MaxOpenPositions: s.MaxOpenPositions,
			MaxPerToken:      s.MaxPerToken,
		})
		if err != nil {
			return nil, err
		}
	}

	coord := NewCoordinator(deps.Logger, deps.Journal)
	coord.now = opts.Now

	return &Engine{
		registry:  deps.Registry,
		matcher:   strategies.NewMatcher(positions),
		risk:      riskMgr,
		positions: positions,
		coord:     coord,
		feed:      deps.Feed,
		oracle:    deps.Oracle,
		discovery: deps.Discovery,
		store:     deps.Store,
		journal:   deps.Journal,
		log:       deps.Logger,
		opts:      opts,
		watch:     make(map[string]int),
		perf:      make(map[string]signal.WalletStats),
	}, nil
}

// Start reconstructs in-memory state from the store: open positions are
// re-tracked and each bucket's committed total is rebuilt by summing them,
// never assumed zero.
func (e *Engine) Start(ctx context.Context) error {
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("engine: list open positions: %w", err)
	}

	allocs := make([]risk.OpenAllocation, 0, len(open))
	for _, p := range open {
		if err := e.positions.Restore(p); err != nil {
			return fmt.Errorf("engine: restore position: %w", err)
		}
		allocs = append(allocs, risk.OpenAllocation{
			Strategy: p.Strategy,
			TokenKey: p.Token.Key(),
			Size:     p.RemainingAllocation(),
		})
	}
	if err := e.risk.Rebuild(allocs); err != nil {
		return err
	}

	if len(open) > 0 {
		e.log.Info("recovered open positions from store", zap.Int("count", len(open)))
	}
	return nil
}

// Run drives the periodic jobs until the context is cancelled. Every tick
// goes through the coordinator's RunIfIdle, so a slow cycle is skipped, not
// stacked.
func (e *Engine) Run(ctx context.Context) error {
	ingest := time.NewTicker(e.opts.IngestEvery)
	monitor := time.NewTicker(e.opts.MonitorEvery)
	refresh := time.NewTicker(e.opts.RefreshEvery)
	discover := time.NewTicker(e.opts.DiscoverEvery)
	defer ingest.Stop()
	defer monitor.Stop()
	defer refresh.Stop()
	defer discover.Stop()

	e.log.Info("engine running",
		zap.Duration("ingest_every", e.opts.IngestEvery),
		zap.Duration("monitor_every", e.opts.MonitorEvery),
		zap.Strings("strategies", e.registry.Names()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ingest.C:
			e.runLogged(ctx, JobIngest, e.RunIngestCycle)
		case <-monitor.C:
			e.runLogged(ctx, JobMonitor, e.RunMonitorCycle)
		case <-refresh.C:
			e.runLogged(ctx, JobRefresh, e.RunRefreshCycle)
		case <-discover.C:
			e.runLogged(ctx, JobDiscovery, e.RunDiscoveryCycle)
		}
	}
}

// runLogged reports a cycle-level failure once; the job lock has already
// been released by the coordinator when the error propagates here.
func (e *Engine) runLogged(ctx context.Context, job Job, cycle func(context.Context) (bool, error)) {
	if _, err := cycle(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("cycle failed", zap.String("job", string(job)), zap.Error(err))
	}
}

// RunIngestCycle polls the feed and opens positions for matching signals.
// Returns whether the cycle ran (false means it was skipped).
func (e *Engine) RunIngestCycle(ctx context.Context) (bool, error) {
	return e.coord.RunIfIdle(JobIngest, func() error { return e.ingest(ctx) })
}

// RunMonitorCycle evaluates exit rules for every open position.
func (e *Engine) RunMonitorCycle(ctx context.Context) (bool, error) {
	return e.coord.RunIfIdle(JobMonitor, func() error { return e.monitor(ctx) })
}

// RunRefreshCycle recomputes wallet performance summaries from closed trades.
func (e *Engine) RunRefreshCycle(ctx context.Context) (bool, error) {
	return e.coord.RunIfIdle(JobRefresh, func() error { return e.refresh(ctx) })
}

// RunDiscoveryCycle pulls active scored wallets into the watch set.
func (e *Engine) RunDiscoveryCycle(ctx context.Context) (bool, error) {
	return e.coord.RunIfIdle(JobDiscovery, func() error { return e.discover(ctx) })
}

// pace sleeps the inter-item delay, bailing out early on cancellation.
func (e *Engine) pace(ctx context.Context) {
	if e.opts.Pacing <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.opts.Pacing):
	}
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.CallTimeout)
}
