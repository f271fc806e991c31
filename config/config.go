// Package config loads and validates run configuration from YAML or JSON
// files. Strategy definitions are built from config once per run; they are
// immutable afterward.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/papertrade/signal"
	"github.com/rustyeddy/papertrade/strategies"
)

// Config represents the complete engine configuration.
type Config struct {
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Strategies []StrategyConfig `json:"strategies" yaml:"strategies"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
	Watchlist  []string         `json:"watchlist,omitempty" yaml:"watchlist,omitempty"`
	Simulation SimulationConfig `json:"simulation,omitempty" yaml:"simulation,omitempty"`
}

// RiskConfig contains engine-wide risk parameters; per-strategy exposure
// limits live on each strategy block.
type RiskConfig struct {
	DailyLossLimitUSD float64 `json:"daily_loss_limit_usd" yaml:"daily_loss_limit_usd"`
	DefaultStakeUSD   float64 `json:"default_stake_usd" yaml:"default_stake_usd"`
	MinWalletScore    int     `json:"min_wallet_score" yaml:"min_wallet_score"`
	RequireWatched    bool    `json:"require_watched" yaml:"require_watched"`
}

// TierConfig is one take-profit threshold.
type TierConfig struct {
	GainPct   float64 `json:"gain_pct" yaml:"gain_pct"`
	CloseFrac float64 `json:"close_frac" yaml:"close_frac"`
}

// StrategyConfig defines one copy-trading strategy.
type StrategyConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Chains        []string `json:"chains,omitempty" yaml:"chains,omitempty"`
	Direction     string   `json:"direction" yaml:"direction"`
	MinNotional   float64  `json:"min_notional,omitempty" yaml:"min_notional,omitempty"`
	MinTokenAge   float64  `json:"min_token_age_hours,omitempty" yaml:"min_token_age_hours,omitempty"`
	MaxTokenAge   float64  `json:"max_token_age_hours,omitempty" yaml:"max_token_age_hours,omitempty"`
	MinWinRate    float64  `json:"min_win_rate,omitempty" yaml:"min_win_rate,omitempty"`
	MinSampleSize int      `json:"min_sample_size,omitempty" yaml:"min_sample_size,omitempty"`

	BucketUSD        float64 `json:"bucket_usd" yaml:"bucket_usd"`
	MaxBucketFrac    float64 `json:"max_bucket_frac" yaml:"max_bucket_frac"`
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxPerToken      int     `json:"max_per_token" yaml:"max_per_token"`
	Priority         float64 `json:"priority,omitempty" yaml:"priority,omitempty"`

	StopLossPct        float64      `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct,omitempty"`
	TakeProfits        []TierConfig `json:"take_profits,omitempty" yaml:"take_profits,omitempty"`
	TrailActivationPct float64      `json:"trail_activation_pct,omitempty" yaml:"trail_activation_pct,omitempty"`
	TrailDistancePct   float64      `json:"trail_distance_pct,omitempty" yaml:"trail_distance_pct,omitempty"`
	MaxHold            string       `json:"max_hold" yaml:"max_hold"`
}

// ScheduleConfig holds cycle intervals as duration strings ("10s", "5m").
type ScheduleConfig struct {
	IngestEvery   string `json:"ingest_every" yaml:"ingest_every"`
	MonitorEvery  string `json:"monitor_every" yaml:"monitor_every"`
	RefreshEvery  string `json:"refresh_every" yaml:"refresh_every"`
	DiscoverEvery string `json:"discover_every" yaml:"discover_every"`
	Pacing        string `json:"pacing,omitempty" yaml:"pacing,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
}

// StoreConfig selects the position store backend.
type StoreConfig struct {
	Type   string `json:"type" yaml:"type"` // "sqlite" or "memory"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// JournalConfig selects the audit journal backend.
type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "sqlite", "csv" or "none"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// SimulationConfig scripts a replay run for the CLI: one batch of signals,
// then a sequence of price steps against the monitoring cycle.
type SimulationConfig struct {
	Signals    []SignalStep `json:"signals,omitempty" yaml:"signals,omitempty"`
	PriceSteps []PriceStep  `json:"price_steps,omitempty" yaml:"price_steps,omitempty"`
}

// SignalStep is one scripted wallet transaction.
type SignalStep struct {
	Wallet        string   `json:"wallet" yaml:"wallet"`
	Chain         string   `json:"chain" yaml:"chain"`
	TokenAddress  string   `json:"token_address" yaml:"token_address"`
	TokenSymbol   string   `json:"token_symbol,omitempty" yaml:"token_symbol,omitempty"`
	TokenAgeHours *float64 `json:"token_age_hours,omitempty" yaml:"token_age_hours,omitempty"`
	Direction     string   `json:"direction" yaml:"direction"`
	Notional      *float64 `json:"notional,omitempty" yaml:"notional,omitempty"`
	Price         *float64 `json:"price,omitempty" yaml:"price,omitempty"`
	WinRate       *float64 `json:"win_rate,omitempty" yaml:"win_rate,omitempty"`
	SampleSize    int      `json:"sample_size,omitempty" yaml:"sample_size,omitempty"`
}

// Signal converts the step into an engine signal.
func (s SignalStep) Signal(observed time.Time) (signal.Signal, error) {
	dir, err := signal.ParseDirection(s.Direction)
	if err != nil {
		return signal.Signal{}, err
	}
	return signal.Signal{
		Wallet: s.Wallet,
		Token: signal.Token{
			Chain:    s.Chain,
			Address:  s.TokenAddress,
			Symbol:   s.TokenSymbol,
			AgeHours: s.TokenAgeHours,
		},
		Direction:  dir,
		Notional:   s.Notional,
		Price:      s.Price,
		ObservedAt: observed,
		Stats:      signal.WalletStats{WinRate: s.WinRate, SampleSize: s.SampleSize},
	}, nil
}

// PriceStep updates one token's price and advances the simulated clock
// before the next monitoring pass.
type PriceStep struct {
	Chain        string  `json:"chain" yaml:"chain"`
	TokenAddress string  `json:"token_address" yaml:"token_address"`
	Price        float64 `json:"price" yaml:"price"`
	Advance      string  `json:"advance,omitempty" yaml:"advance,omitempty"` // e.g. "1h", "30m"
}

func (p PriceStep) Token() signal.Token {
	return signal.Token{Chain: p.Chain, Address: p.TokenAddress}
}

// ParseAdvance converts the advance string to a duration.
func (p PriceStep) ParseAdvance() (time.Duration, error) {
	if p.Advance == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Advance)
}

// LoadFromFile loads configuration from a file (YAML or JSON based on content).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON.
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension).
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	if _, err := c.BuildStrategies(); err != nil {
		return err
	}
	if c.Risk.DefaultStakeUSD < 0 {
		return fmt.Errorf("risk.default_stake_usd must not be negative")
	}
	if c.Risk.DailyLossLimitUSD < 0 {
		return fmt.Errorf("risk.daily_loss_limit_usd must not be negative")
	}
	if c.Risk.MinWalletScore < 0 || c.Risk.MinWalletScore > 100 {
		return fmt.Errorf("risk.min_wallet_score must be within 0-100")
	}

	for _, field := range []struct{ name, val string }{
		{"schedule.ingest_every", c.Schedule.IngestEvery},
		{"schedule.monitor_every", c.Schedule.MonitorEvery},
		{"schedule.refresh_every", c.Schedule.RefreshEvery},
		{"schedule.discover_every", c.Schedule.DiscoverEvery},
		{"schedule.pacing", c.Schedule.Pacing},
		{"schedule.call_timeout", c.Schedule.CallTimeout},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	switch c.Store.Type {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("store.db_path required for sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("store.type must be 'sqlite' or 'memory'")
	}

	switch c.Journal.Type {
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal.db_path required for sqlite journal")
		}
	case "csv":
		if c.Journal.Dir == "" {
			return fmt.Errorf("journal.dir required for csv journal")
		}
	case "none":
	default:
		return fmt.Errorf("journal.type must be 'sqlite', 'csv' or 'none'")
	}

	return nil
}

// BuildStrategies converts the strategy blocks into registerable definitions.
func (c *Config) BuildStrategies() ([]strategies.Strategy, error) {
	out := make([]strategies.Strategy, 0, len(c.Strategies))
	for _, sc := range c.Strategies {
		dir, err := signal.ParseDirection(sc.Direction)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.Name, err)
		}
		maxHold, err := time.ParseDuration(sc.MaxHold)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: max_hold: %w", sc.Name, err)
		}

		tiers := make([]strategies.TakeProfitTier, 0, len(sc.TakeProfits))
		for _, t := range sc.TakeProfits {
			tiers = append(tiers, strategies.TakeProfitTier{GainPct: t.GainPct, CloseFrac: t.CloseFrac})
		}

		s := strategies.Strategy{
			Name:          sc.Name,
			Chains:        sc.Chains,
			Direction:     dir,
			MinNotional:   sc.MinNotional,
			MinTokenAge:   sc.MinTokenAge,
			MaxTokenAge:   sc.MaxTokenAge,
			MinWinRate:    sc.MinWinRate,
			MinSampleSize: sc.MinSampleSize,

			BucketUSD:        sc.BucketUSD,
			MaxBucketFrac:    sc.MaxBucketFrac,
			MaxOpenPositions: sc.MaxOpenPositions,
			MaxPerToken:      sc.MaxPerToken,
			Priority:         sc.Priority,

			Exits: strategies.ExitRules{
				StopLossPct:        sc.StopLossPct,
				TakeProfits:        tiers,
				TrailActivationPct: sc.TrailActivationPct,
				TrailDistancePct:   sc.TrailDistancePct,
				MaxHold:            maxHold,
			},
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Schedule returns the parsed durations; empty fields yield zero and the
// engine applies its defaults.
func (c *Config) ScheduleDurations() (ingest, monitor, refresh, discover, pacing, timeout time.Duration) {
	parse := func(s string) time.Duration {
		if s == "" {
			return 0
		}
		d, _ := time.ParseDuration(s)
		return d
	}
	return parse(c.Schedule.IngestEvery), parse(c.Schedule.MonitorEvery),
		parse(c.Schedule.RefreshEvery), parse(c.Schedule.DiscoverEvery),
		parse(c.Schedule.Pacing), parse(c.Schedule.CallTimeout)
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Risk: RiskConfig{
			DailyLossLimitUSD: 500,
			DefaultStakeUSD:   100,
			MinWalletScore:    60,
		},
		Strategies: []StrategyConfig{
			{
				Name:             "momentum",
				Chains:           []string{"ethereum", "solana"},
				Direction:        "buy",
				MinNotional:      500,
				MinWinRate:       0.55,
				MinSampleSize:    10,
				BucketUSD:        4000,
				MaxBucketFrac:    0.10,
				MaxOpenPositions: 5,
				MaxPerToken:      1,
				Priority:         1,
				StopLossPct:      0.10,
				TakeProfits: []TierConfig{
					{GainPct: 0.25, CloseFrac: 0.50},
					{GainPct: 0.50, CloseFrac: 0.50},
				},
				TrailActivationPct: 0.20,
				TrailDistancePct:   0.10,
				MaxHold:            "72h",
			},
			{
				Name:             "breakout",
				Direction:        "buy",
				BucketUSD:        2000,
				MaxBucketFrac:    0.25,
				MaxOpenPositions: 3,
				MaxPerToken:      1,
				MaxHold:          "48h",
			},
		},
		Schedule: ScheduleConfig{
			IngestEvery:   "15s",
			MonitorEvery:  "10s",
			RefreshEvery:  "5m",
			DiscoverEvery: "10m",
			Pacing:        "250ms",
			CallTimeout:   "10s",
		},
		Store:   StoreConfig{Type: "sqlite", DBPath: "./positions.db"},
		Journal: JournalConfig{Type: "sqlite", DBPath: "./journal.db"},
	}
}
