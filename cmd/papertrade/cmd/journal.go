package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/papertrade/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal <journal.db>",
	Short: "Inspect a SQLite audit journal",
	Long: `Print the most recent close events and authorization denials recorded
in a SQLite journal, newest first.`,
	Args: cobra.ExactArgs(1),
	RunE: runJournal,
}

var journalLimit int

func init() {
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "max records per section")
	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(args[0])
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	closes, err := j.RecentCloses(journalLimit)
	if err != nil {
		return fmt.Errorf("read closes: %w", err)
	}
	fmt.Printf("Recent closes (%d):\n", len(closes))
	for _, c := range closes {
		kind := "full"
		if c.Partial {
			kind = "partial"
		}
		fmt.Printf("  %s  %s  %s %s  %s (%s)  pl=%.2f\n",
			c.Time.Format(time.RFC3339), c.PositionID, c.Strategy, c.Token, c.Reason, kind, c.RealizedPL)
	}

	denials, err := j.RecentDenials(journalLimit)
	if err != nil {
		return fmt.Errorf("read denials: %w", err)
	}
	fmt.Printf("\nRecent denials (%d):\n", len(denials))
	for _, d := range denials {
		fmt.Printf("  %s  %s %s  requested=%.2f  %s\n",
			d.Time.Format(time.RFC3339), d.Strategy, d.Token, d.Requested, d.Reason)
	}

	return nil
}
