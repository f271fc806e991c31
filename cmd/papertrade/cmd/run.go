package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/config"
	"github.com/rustyeddy/papertrade/engine"
	"github.com/rustyeddy/papertrade/feed"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/store"
	"github.com/rustyeddy/papertrade/strategies"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a scripted simulation from a config file",
	Long: `Run the paper-trading engine against the signals and price steps scripted
in the configuration file's simulation block.

Example:
  papertrade run -f examples/configs/basic.yaml`,
	RunE: runRun,
}

var (
	runConfigPath string
	runVerbose    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log engine activity to stderr")
	runCmd.MarkFlagRequired("config")
}

// replayClock is a manual clock the price steps advance between cycles.
type replayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *replayClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := zap.NewNop()
	if runVerbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync()

	j, err := buildJournal(cfg)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	defer j.Close()

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer st.Close()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	clock := &replayClock{now: time.Now().UTC()}
	oracle := feed.NewStaticOracle()

	sigs := make([]signal.Signal, 0, len(cfg.Simulation.Signals))
	for i, step := range cfg.Simulation.Signals {
		sig, err := step.Signal(clock.Now())
		if err != nil {
			return fmt.Errorf("simulation signal %d: %w", i, err)
		}
		sigs = append(sigs, sig)
		if sig.Price != nil {
			oracle.Set(sig.Token, *sig.Price)
		}
	}

	ingest, monitor, refresh, discover, pacing, timeout := cfg.ScheduleDurations()

	eng, err := engine.New(engine.Deps{
		Registry: reg,
		Feed:     feed.NewReplayFeed(sigs),
		Oracle:   oracle,
		Store:    st,
		Journal:  j,
		Logger:   logger,
	}, engine.Options{
		IngestEvery:       ingest,
		MonitorEvery:      monitor,
		RefreshEvery:      refresh,
		DiscoverEvery:     discover,
		Pacing:            pacing,
		CallTimeout:       timeout,
		DefaultStakeUSD:   cfg.Risk.DefaultStakeUSD,
		DailyLossLimitUSD: cfg.Risk.DailyLossLimitUSD,
		MinWalletScore:    cfg.Risk.MinWalletScore,
		RequireWatched:    cfg.Risk.RequireWatched,
		Now:               clock.Now,
	})
	if err != nil {
		return err
	}
	for _, wallet := range cfg.Watchlist {
		eng.Watch(wallet, 100)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	fmt.Printf("Replaying %d signals, %d price steps (config: %s)\n\n",
		len(sigs), len(cfg.Simulation.PriceSteps), runConfigPath)

	if _, err := eng.RunIngestCycle(ctx); err != nil {
		return fmt.Errorf("ingest cycle: %w", err)
	}

	for i, step := range cfg.Simulation.PriceSteps {
		advance, err := step.ParseAdvance()
		if err != nil {
			return fmt.Errorf("invalid advance in price step %d: %w", i, err)
		}
		clock.Advance(advance)
		oracle.Set(step.Token(), step.Price)

		if _, err := eng.RunMonitorCycle(ctx); err != nil {
			return fmt.Errorf("monitor cycle: %w", err)
		}
	}

	printSnapshot(eng.Snapshot())
	return nil
}

func buildJournal(cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Type {
	case "sqlite":
		return journal.NewSQLite(cfg.Journal.DBPath)
	case "csv":
		return journal.NewCSV(cfg.Journal.Dir)
	default:
		return journal.Nop{}, nil
	}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Type == "sqlite" {
		return store.NewSQLite(cfg.Store.DBPath)
	}
	return store.NewMemStore(), nil
}

func buildRegistry(cfg *config.Config) (*strategies.Registry, error) {
	defs, err := cfg.BuildStrategies()
	if err != nil {
		return nil, err
	}
	reg := strategies.NewRegistry()
	for _, s := range defs {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func printSnapshot(snap engine.Snapshot) {
	fmt.Printf("Open positions: %d\n", len(snap.Open))
	for _, v := range snap.Open {
		p := v.Position
		fmt.Printf("  %s  %s %s  entry=%.6f last=%.6f  unrealized=%.2f\n",
			p.ID, p.Strategy, p.Token.Key(), p.EntryPrice, p.LastPrice, v.UnrealizedPL)
	}

	fmt.Printf("\nBucket utilization:\n")
	for _, b := range snap.Buckets {
		fmt.Printf("  %-12s total=%s committed=%s available=%s open=%d (%.0f%%)\n",
			b.Strategy, b.Total, b.Committed, b.Available, b.Open, b.Utilization*100)
	}

	fmt.Printf("\nRecent closes: %d\n", len(snap.RecentCloses))
	for _, c := range snap.RecentCloses {
		kind := "full"
		if c.Partial {
			kind = "partial"
		}
		fmt.Printf("  %s  %s %s  %s (%s)  pl=%.2f\n",
			c.PositionID, c.Strategy, c.Token, c.Reason, kind, c.RealizedPL)
	}

	if snap.OpensHalted {
		fmt.Printf("\nNew openings halted: daily loss limit reached\n")
	}
}
