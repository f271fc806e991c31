package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Default().Validate())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, name := range []string{"cfg.yaml", "cfg.json"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, name)
			require.NoError(t, Default().SaveToFile(path))

			got, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, Default(), got)
		})
	}
}

func TestBuildStrategies(t *testing.T) {
	t.Parallel()

	strats, err := Default().BuildStrategies()
	require.NoError(t, err)
	require.Len(t, strats, 2)

	momentum := strats[0]
	assert.Equal(t, "momentum", momentum.Name)
	assert.Equal(t, []string{"ethereum", "solana"}, momentum.Chains)
	assert.Equal(t, 72*time.Hour, momentum.Exits.MaxHold)
	require.Len(t, momentum.Exits.TakeProfits, 2)
	assert.Equal(t, 0.25, momentum.Exits.TakeProfits[0].GainPct)

	breakout := strats[1]
	assert.Equal(t, "breakout", breakout.Name)
	assert.Equal(t, 48*time.Hour, breakout.Exits.MaxHold)
	assert.Empty(t, breakout.Exits.TakeProfits)
	assert.Zero(t, breakout.Exits.StopLossPct)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"no strategies",
			func(c *Config) { c.Strategies = nil },
			"at least one strategy",
		},
		{
			"bad direction",
			func(c *Config) { c.Strategies[0].Direction = "hold" },
			"unknown direction",
		},
		{
			"bad max hold",
			func(c *Config) { c.Strategies[0].MaxHold = "two days" },
			"max_hold",
		},
		{
			"bad schedule duration",
			func(c *Config) { c.Schedule.MonitorEvery = "often" },
			"schedule.monitor_every",
		},
		{
			"negative daily loss limit",
			func(c *Config) { c.Risk.DailyLossLimitUSD = -1 },
			"daily_loss_limit_usd",
		},
		{
			"wallet score out of range",
			func(c *Config) { c.Risk.MinWalletScore = 150 },
			"min_wallet_score",
		},
		{
			"sqlite store without path",
			func(c *Config) { c.Store = StoreConfig{Type: "sqlite"} },
			"store.db_path",
		},
		{
			"unknown store type",
			func(c *Config) { c.Store.Type = "postgres" },
			"store.type",
		},
		{
			"csv journal without dir",
			func(c *Config) { c.Journal = JournalConfig{Type: "csv"} },
			"journal.dir",
		},
		{
			"unknown journal type",
			func(c *Config) { c.Journal.Type = "kafka" },
			"journal.type",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFileRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strategies: [this is not: valid: yaml"), 0644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestSignalStepBuildsSignal(t *testing.T) {
	t.Parallel()

	notional := 1200.0
	price := 0.42
	winRate := 0.65
	age := 36.0
	step := SignalStep{
		Wallet:        "0xwallet",
		Chain:         "ethereum",
		TokenAddress:  "0xtoken",
		TokenSymbol:   "TKN",
		TokenAgeHours: &age,
		Direction:     "buy",
		Notional:      &notional,
		Price:         &price,
		WinRate:       &winRate,
		SampleSize:    25,
	}

	observed := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	sig, err := step.Signal(observed)
	require.NoError(t, err)
	assert.Equal(t, "ethereum:0xtoken", sig.Token.Key())
	assert.Equal(t, observed, sig.ObservedAt)
	assert.True(t, sig.Stats.HasHistory())
	require.NoError(t, sig.Validate())

	step.Direction = "short"
	_, err = step.Signal(observed)
	assert.Error(t, err)
}

func TestPriceStepParseAdvance(t *testing.T) {
	t.Parallel()

	step := PriceStep{Chain: "ethereum", TokenAddress: "0xtoken", Price: 1.3, Advance: "90m"}
	d, err := step.ParseAdvance()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)
	assert.Equal(t, "ethereum:0xtoken", step.Token().Key())

	step.Advance = ""
	d, err = step.ParseAdvance()
	require.NoError(t, err)
	assert.Zero(t, d)
}
