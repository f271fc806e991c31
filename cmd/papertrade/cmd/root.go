package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "A paper-trading engine that copies observed on-chain wallet activity",
	Long: `Papertrade simulates copy-trading of observed wallet transactions with
virtual capital, so trading strategies can be evaluated without financial risk.

It provides tools for:
  - Replaying scripted signal and price scenarios against the engine
  - Strategy matching with deterministic confidence scoring
  - Per-strategy capital buckets with exposure and daily-loss limits
  - Position lifecycle management with ordered exit rules
  - SQLite-backed position store and audit journal`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
